package domain

import (
	"encoding/json"
	"time"
)

// RunKind names what a run computed.
type RunKind string

const (
	RunSnapshot      RunKind = "snapshot"
	RunVoPEvaluate   RunKind = "vop_evaluate"
	RunFraudEvaluate RunKind = "fraud_evaluate"
	RunVoPScan       RunKind = "vop_scan"
	RunFraudScan     RunKind = "fraud_scan"
	RunPolicyEval    RunKind = "policy_evaluate"
	RunPolicyScan    RunKind = "policy_scan"
	RunPopulation    RunKind = "population"
)

// Valid reports whether k is a known kind.
func (k RunKind) Valid() bool {
	switch k {
	case RunSnapshot, RunVoPEvaluate, RunFraudEvaluate, RunVoPScan, RunFraudScan,
		RunPolicyEval, RunPolicyScan, RunPopulation:
		return true
	}
	return false
}

// IsScan reports whether k evaluates a threshold grid.
func (k RunKind) IsScan() bool {
	return k == RunVoPScan || k == RunFraudScan || k == RunPolicyScan
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the audit record of one what-if computation. It stores the
// parameters and the KPI result, never the population itself.
type Run struct {
	ID           string          `json:"id"`
	Kind         RunKind         `json:"kind"`
	Status       RunStatus       `json:"status"`
	N            int             `json:"n"`
	Seed         int64           `json:"seed"`
	ModelVersion string          `json:"modelVersion"`
	Params       RunParams       `json:"params"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMs   int64           `json:"durationMs"`
}

// RunParams are the thresholds a run was computed with.
type RunParams struct {
	VoPThreshold   *float64  `json:"vopThreshold,omitempty"`
	FraudThreshold *float64  `json:"fraudThreshold,omitempty"`
	Threshold      *float64  `json:"threshold,omitempty"`
	Grid           []float64 `json:"grid,omitempty"`
	PolicyID       string    `json:"policyId,omitempty"`
}

// ScanRequest is the bus payload asking the worker to execute a pending run.
type ScanRequest struct {
	RunID    string    `json:"runId"`
	Kind     RunKind   `json:"kind"`
	N        int       `json:"n"`
	Seed     int64     `json:"seed"`
	Grid     []float64 `json:"grid,omitempty"`
	PolicyID string    `json:"policyId,omitempty"`
	TraceID  string    `json:"traceId,omitempty"`
}
