package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/sim"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ScanInput describes an asynchronous scan.
type ScanInput struct {
	Kind     domain.RunKind `json:"kind"`
	N        int            `json:"n"`
	Seed     int64          `json:"seed"`
	Grid     []float64      `json:"grid,omitempty"`
	PolicyID string         `json:"policyId,omitempty"`
}

// SubmitScan stores a pending run and asks the worker to execute it.
func (s *Service) SubmitScan(ctx context.Context, in ScanInput) (*domain.Run, error) {
	if s.repo == nil || s.bus == nil {
		return nil, ErrAsyncUnavailable
	}
	if !in.Kind.IsScan() {
		return nil, fmt.Errorf("%w: %q is not a scan kind", sim.ErrInvalidParameter, in.Kind)
	}

	def := sim.DefaultFraudGrid
	if in.Kind == domain.RunVoPScan {
		def = sim.DefaultVoPGrid
	}
	in.Grid = orDefault(in.Grid, def)

	if err := s.validateScan(in.N, in.Seed, in.Grid); err != nil {
		return nil, err
	}
	if in.Kind == domain.RunPolicyScan {
		if _, err := s.policyVersion(in.PolicyID); err != nil {
			return nil, err
		}
	}

	run := &domain.Run{
		ID:           uuid.NewString(),
		Kind:         in.Kind,
		Status:       domain.RunPending,
		N:            in.N,
		Seed:         in.Seed,
		ModelVersion: sim.ModelVersion,
		Params:       domain.RunParams{Grid: in.Grid, PolicyID: in.PolicyID},
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save pending run: %w", err)
	}

	req := domain.ScanRequest{
		RunID:    run.ID,
		Kind:     in.Kind,
		N:        in.N,
		Seed:     in.Seed,
		Grid:     in.Grid,
		PolicyID: in.PolicyID,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		req.TraceID = sc.TraceID().String()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, domain.TopicScanRequested, payload); err != nil {
		s.abandon(ctx, run, err)
		return nil, fmt.Errorf("%w: failed to publish scan request: %v", ErrAsyncUnavailable, err)
	}

	s.metrics.ScanSubmitted()
	s.logger.Info("scan submitted",
		"run_id", run.ID,
		"kind", run.Kind,
		"n", run.N,
		"seed", run.Seed,
	)

	return run, nil
}

// abandon marks a pending run failed when its request never reached a
// worker.
func (s *Service) abandon(ctx context.Context, run *domain.Run, cause error) {
	now := time.Now().UTC()
	run.Status = domain.RunFailed
	run.Error = "scan request not delivered: " + cause.Error()
	run.CompletedAt = &now

	if err := s.repo.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("failed to mark undelivered scan",
			"run_id", run.ID,
			"error", err,
		)
	}
}

// ExecuteScan runs a pending scan and stores its outcome. Runs that are no
// longer pending are skipped so redelivered requests are harmless.
func (s *Service) ExecuteScan(ctx context.Context, req domain.ScanRequest) error {
	if s.repo == nil {
		return ErrNoRepository
	}

	ctx, span := tracer.Start(ctx, "scenario.execute_scan", trace.WithAttributes(
		attribute.String("ipsim.run_id", req.RunID),
		attribute.String("ipsim.kind", string(req.Kind)),
		attribute.String("ipsim.origin_trace_id", req.TraceID),
	))
	defer span.End()

	run, err := s.repo.GetRun(ctx, req.RunID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", req.RunID, err)
	}
	if run.Status != domain.RunPending {
		s.logger.Debug("skipping finished run", "run_id", run.ID, "status", run.Status)
		return nil
	}
	defer s.metrics.ScanFinished()

	start := time.Now()
	result, err := s.computeScan(ctx, req)
	now := time.Now().UTC()

	run.CompletedAt = &now
	run.DurationMs = now.Sub(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		run.Status = domain.RunFailed
		run.Error = err.Error()
	} else {
		run.Status = domain.RunCompleted
		run.Result = result
	}

	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}

	s.metrics.ObserveRun(string(run.Kind), string(run.Status), now.Sub(start))
	s.publishCompleted(ctx, run)

	s.logger.Info("scan finished",
		"run_id", run.ID,
		"kind", run.Kind,
		"status", run.Status,
		"duration_ms", run.DurationMs,
	)

	return nil
}

// computeScan evaluates req and returns the JSON-encoded curve.
func (s *Service) computeScan(ctx context.Context, req domain.ScanRequest) (json.RawMessage, error) {
	pop, err := s.Population(ctx, req.N, req.Seed)
	if err != nil {
		return nil, err
	}

	var curve any
	switch req.Kind {
	case domain.RunVoPScan:
		curve, err = sim.ScanVoP(pop, req.Grid)
	case domain.RunFraudScan:
		curve, err = sim.ScanFraud(pop, req.Grid)
	case domain.RunPolicyScan:
		if s.policies == nil {
			return nil, ErrNoPolicyEngine
		}
		curve, err = s.policies.Scan(ctx, pop, req.PolicyID, req.Grid)
	default:
		return nil, fmt.Errorf("%w: %q is not a scan kind", sim.ErrInvalidParameter, req.Kind)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(curve)
}
