// Package policy provides the CEL-Go based custom review policy engine.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/sim"
	"github.com/shopspring/decimal"
)

var (
	// ErrPolicyNotFound is returned when a policy id is not loaded.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrInvalidPolicy is returned for policies that do not compile to a
	// boolean CEL program.
	ErrInvalidPolicy = errors.New("invalid policy")
)

// rows per evaluation task
const chunkSize = 2048

// Engine is the CEL-based policy evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledPolicy
	maxWorkers int
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Config  *domain.PolicyConfig
	Program cel.Program
}

// PolicySnapshot is the outcome of one policy applied at one threshold.
type PolicySnapshot struct {
	PolicyID       string              `json:"policyId"`
	Threshold      float64             `json:"threshold"`
	FlagRate       float64             `json:"flagRate"` // percent, 0-100
	MissedFraudEUR float64             `json:"missedFraudEur"`
	Confusion      sim.ConfusionMatrix `json:"confusion"`
}

// NewEngine creates a new policy evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("identity_match_score", cel.DoubleType),
		cel.Variable("fraud_probability", cel.DoubleType),
		cel.Variable("base_latency", cel.DoubleType),
		cel.Variable("is_true_fraud", cel.BoolType),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledPolicy),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidatePolicy compiles a policy without mutating the loaded set.
func (e *Engine) ValidatePolicy(cfg *domain.PolicyConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: policy config is required", ErrInvalidPolicy)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(cfg)
	return err
}

// LoadPolicy compiles and loads a policy into the engine.
func (e *Engine) LoadPolicy(cfg *domain.PolicyConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(cfg)
	if err != nil {
		return err
	}

	e.compiled[cfg.ID] = compiled
	return nil
}

// LoadPolicies compiles and loads every enabled policy.
func (e *Engine) LoadPolicies(configs []*domain.PolicyConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadPolicy(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadPolicies replaces the loaded set. On a compile error the previous
// set stays active.
func (e *Engine) ReloadPolicies(configs []*domain.PolicyConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledPolicy)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compile(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.compiled = next
	return nil
}

// UnloadPolicy removes a policy. Unknown ids are ignored.
func (e *Engine) UnloadPolicy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiled, id)
}

// PoliciesCount returns the number of loaded policies.
func (e *Engine) PoliciesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Get returns the configuration of a loaded policy.
func (e *Engine) Get(id string) (*domain.PolicyConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, ok := e.compiled[id]
	if !ok {
		return nil, false
	}
	return c.Config, true
}

// GetLoadedPolicies returns the currently loaded policy configurations.
func (e *Engine) GetLoadedPolicies() []*domain.PolicyConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]*domain.PolicyConfig, 0, len(e.compiled))
	for _, c := range e.compiled {
		policies = append(policies, c.Config)
	}
	return policies
}

// Evaluate applies policy id to every row of p. A row is flagged when the
// expression returns true; missed fraud is the amount of true fraud that
// is not flagged.
func (e *Engine) Evaluate(ctx context.Context, p *sim.Population, id string, threshold float64) (PolicySnapshot, error) {
	if err := sim.CheckThreshold("policy threshold", threshold); err != nil {
		return PolicySnapshot{}, err
	}
	if p.Len() == 0 {
		return PolicySnapshot{}, sim.ErrEmptyPopulation
	}

	e.mu.RLock()
	policy, ok := e.compiled[id]
	e.mu.RUnlock()
	if !ok {
		return PolicySnapshot{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}

	n := p.Len()
	chunks := (n + chunkSize - 1) / chunkSize
	partials := make([]partial, chunks)
	errs := make([]error, chunks)

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for c := 0; c < chunks; c++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}

			lo := idx * chunkSize
			hi := min(lo+chunkSize, n)
			partials[idx], errs[idx] = evaluateRows(policy, p, lo, hi, threshold)
		}(c)
	}

	wg.Wait()

	var total partial
	total.missed = decimal.Zero
	for i := range partials {
		if errs[i] != nil {
			return PolicySnapshot{}, errs[i]
		}
		total.merge(partials[i])
	}
	total.confusion.Finalize()

	flagged := total.confusion.TruePositives + total.confusion.FalsePositives
	return PolicySnapshot{
		PolicyID:       id,
		Threshold:      threshold,
		FlagRate:       100 * float64(flagged) / float64(n),
		MissedFraudEUR: total.missed.InexactFloat64(),
		Confusion:      total.confusion,
	}, nil
}

// Scan evaluates policy id across grid, returning snapshots in grid order.
func (e *Engine) Scan(ctx context.Context, p *sim.Population, id string, grid []float64) ([]PolicySnapshot, error) {
	return sim.Scan(p, grid, func(pop *sim.Population, threshold float64) (PolicySnapshot, error) {
		return e.Evaluate(ctx, pop, id, threshold)
	})
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledPolicy)
	return nil
}

type partial struct {
	confusion sim.ConfusionMatrix
	missed    decimal.Decimal
}

func (a *partial) merge(b partial) {
	a.confusion.Merge(b.confusion)
	a.missed = a.missed.Add(b.missed)
}

func evaluateRows(policy *CompiledPolicy, p *sim.Population, lo, hi int, threshold float64) (partial, error) {
	out := partial{missed: decimal.Zero}

	for i := lo; i < hi; i++ {
		tx := p.At(i)
		val, _, err := policy.Program.Eval(map[string]any{
			"amount":               tx.Amount,
			"identity_match_score": tx.IdentityMatchScore,
			"fraud_probability":    tx.FraudProbability,
			"base_latency":         tx.BaseLatency,
			"is_true_fraud":        tx.IsTrueFraud,
			"threshold":            threshold,
		})
		if err != nil {
			return partial{}, fmt.Errorf("policy %s on %s: %w", policy.Config.ID, tx.ID, err)
		}

		flagged := val == types.True
		out.confusion.Add(flagged, tx.IsTrueFraud)
		if tx.IsTrueFraud && !flagged {
			out.missed = out.missed.Add(decimal.NewFromFloat(tx.Amount))
		}
	}

	return out, nil
}

func (e *Engine) compile(cfg *domain.PolicyConfig) (*CompiledPolicy, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: policy id is required", ErrInvalidPolicy)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile policy %s: %w", ErrInvalidPolicy, cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: policy %s: expression must return bool, got %s", ErrInvalidPolicy, cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", cfg.ID, err)
	}

	return &CompiledPolicy{
		Config:  cfg,
		Program: program,
	}, nil
}
