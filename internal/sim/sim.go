// Package sim is the simulation core of the instant payments readiness
// simulator. It synthesizes reproducible transaction populations and
// evaluates the VoP and fraud screening gates over them.
//
// Everything in this package is a pure function of its inputs. Callers own
// any caching of populations.
package sim

import (
	"errors"
	"fmt"
	"math"
)

// ModelVersion identifies the generation distributions and latency model.
// Pinned reference outputs are only comparable within one model version.
const ModelVersion = "ipsim-model-v1"

// TrueFraudCut is the fixed ground-truth cut on fraud_probability.
const TrueFraudCut = 0.90

var (
	// ErrInvalidParameter is returned for out-of-domain thresholds,
	// non-positive sizes and empty or malformed grids.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrEmptyPopulation is returned when statistics are requested over zero
	// rows. It also matches ErrInvalidParameter.
	ErrEmptyPopulation = fmt.Errorf("%w: empty population", ErrInvalidParameter)
)

// Transaction is one synthetic payment with its latent attributes.
type Transaction struct {
	ID                 string  `json:"transactionId"`
	Amount             float64 `json:"amount"`
	IdentityMatchScore float64 `json:"identityMatchScore"`
	FraudProbability   float64 `json:"fraudProbability"`
	IsTrueFraud        bool    `json:"isTrueFraud"`
	BaseLatency        float64 `json:"baseLatency"` // seconds
}

// Population is an ordered, immutable set of generated transactions.
type Population struct {
	n    int
	seed int64
	txs  []Transaction
}

// Len returns the number of transactions.
func (p *Population) Len() int {
	if p == nil {
		return 0
	}
	return len(p.txs)
}

// Seed returns the seed the population was generated from.
func (p *Population) Seed() int64 {
	return p.seed
}

// At returns the transaction at index i.
func (p *Population) At(i int) Transaction {
	return p.txs[i]
}

// Transactions returns a copy of the rows.
func (p *Population) Transactions() []Transaction {
	if p == nil {
		return nil
	}
	out := make([]Transaction, len(p.txs))
	copy(out, p.txs)
	return out
}

// NewPopulation wraps externally built rows, e.g. fixtures in tests.
// Rows are copied and validated against the domain bounds.
func NewPopulation(seed int64, txs []Transaction) (*Population, error) {
	seen := make(map[string]struct{}, len(txs))
	for i, tx := range txs {
		if err := tx.validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if _, dup := seen[tx.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate transaction id %q", ErrInvalidParameter, tx.ID)
		}
		seen[tx.ID] = struct{}{}
	}
	rows := make([]Transaction, len(txs))
	copy(rows, txs)
	return &Population{n: len(rows), seed: seed, txs: rows}, nil
}

func (tx Transaction) validate() error {
	switch {
	case tx.ID == "":
		return fmt.Errorf("%w: transaction id is required", ErrInvalidParameter)
	case !(tx.Amount > 0):
		return fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	case !inUnit(tx.IdentityMatchScore):
		return fmt.Errorf("%w: identity_match_score must be in [0,1]", ErrInvalidParameter)
	case !inUnit(tx.FraudProbability):
		return fmt.Errorf("%w: fraud_probability must be in [0,1]", ErrInvalidParameter)
	case !(tx.BaseLatency > 0):
		return fmt.Errorf("%w: base_latency must be positive", ErrInvalidParameter)
	case tx.IsTrueFraud != (tx.FraudProbability > TrueFraudCut):
		return fmt.Errorf("%w: is_true_fraud disagrees with fraud_probability", ErrInvalidParameter)
	}
	return nil
}

// inUnit reports whether v lies in [0,1]. NaN is rejected.
func inUnit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}

// CheckThreshold returns ErrInvalidParameter unless v lies in [0,1].
func CheckThreshold(name string, v float64) error {
	return checkThreshold(name, v)
}

func checkThreshold(name string, v float64) error {
	if !inUnit(v) {
		return fmt.Errorf("%w: %s %v outside [0,1]", ErrInvalidParameter, name, v)
	}
	return nil
}

func checkPopulation(p *Population) error {
	if p.Len() == 0 {
		return ErrEmptyPopulation
	}
	return nil
}
