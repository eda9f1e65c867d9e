package domain

import "time"

// PolicyConfig defines a custom review policy. The CEL expression is
// evaluated per transaction and flags it for manual review when true.
type PolicyConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression over amount, identity_match_score, fraud_probability,
	// base_latency, is_true_fraud and threshold.
	Expression string `json:"expression"`

	// Whether policy is active
	Enabled bool `json:"enabled"`

	// Audit timestamps
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
