package scenario

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/sim"
)

// EvaluateResult is a dashboard snapshot plus the fraud gate's confusion
// matrix against the ground-truth label.
type EvaluateResult struct {
	sim.Snapshot
	Confusion sim.ConfusionMatrix `json:"confusion"`
}

// Summarize describes the population for (n, seed).
func (s *Service) Summarize(ctx context.Context, n int, seed int64) (sim.Summary, *domain.Run, error) {
	if err := s.ValidateSize(n, seed); err != nil {
		return sim.Summary{}, nil, err
	}

	return execute(ctx, s, job[sim.Summary]{
		kind: domain.RunPopulation,
		n:    n,
		seed: seed,
		key:  resultKey(domain.RunPopulation, n, seed),
		compute: func(_ context.Context, pop *sim.Population) (sim.Summary, error) {
			return sim.Summarize(pop)
		},
	})
}

// Evaluate applies both gates at the given thresholds.
func (s *Service) Evaluate(ctx context.Context, n int, seed int64, vopThreshold, fraudThreshold float64) (EvaluateResult, *domain.Run, error) {
	if err := s.ValidateSettings(n, seed, vopThreshold, fraudThreshold); err != nil {
		return EvaluateResult{}, nil, err
	}

	return execute(ctx, s, job[EvaluateResult]{
		kind:   domain.RunSnapshot,
		n:      n,
		seed:   seed,
		params: domain.RunParams{VoPThreshold: &vopThreshold, FraudThreshold: &fraudThreshold},
		key:    resultKey(domain.RunSnapshot, n, seed, formatFloat(vopThreshold), formatFloat(fraudThreshold)),
		compute: func(_ context.Context, pop *sim.Population) (EvaluateResult, error) {
			snap, err := sim.Evaluate(pop, vopThreshold, fraudThreshold)
			if err != nil {
				return EvaluateResult{}, err
			}
			confusion, err := sim.Confusion(pop, fraudThreshold)
			if err != nil {
				return EvaluateResult{}, err
			}
			return EvaluateResult{Snapshot: snap, Confusion: confusion}, nil
		},
	})
}

// EvaluateVoP applies only the VoP gate.
func (s *Service) EvaluateVoP(ctx context.Context, n int, seed int64, threshold float64) (sim.VoPPoint, *domain.Run, error) {
	if err := s.ValidateSize(n, seed); err != nil {
		return sim.VoPPoint{}, nil, err
	}
	if err := s.checkVoP(threshold); err != nil {
		return sim.VoPPoint{}, nil, err
	}

	return execute(ctx, s, job[sim.VoPPoint]{
		kind:   domain.RunVoPEvaluate,
		n:      n,
		seed:   seed,
		params: domain.RunParams{VoPThreshold: &threshold},
		key:    resultKey(domain.RunVoPEvaluate, n, seed, formatFloat(threshold)),
		compute: func(_ context.Context, pop *sim.Population) (sim.VoPPoint, error) {
			kpis, err := sim.EvaluateVoP(pop, threshold)
			return sim.VoPPoint{Threshold: threshold, VoPKPIs: kpis}, err
		},
	})
}

// EvaluateFraud applies only the fraud gate.
func (s *Service) EvaluateFraud(ctx context.Context, n int, seed int64, threshold float64) (sim.FraudPoint, *domain.Run, error) {
	if err := s.ValidateSize(n, seed); err != nil {
		return sim.FraudPoint{}, nil, err
	}
	if err := s.checkFraud(threshold); err != nil {
		return sim.FraudPoint{}, nil, err
	}

	return execute(ctx, s, job[sim.FraudPoint]{
		kind:   domain.RunFraudEvaluate,
		n:      n,
		seed:   seed,
		params: domain.RunParams{FraudThreshold: &threshold},
		key:    resultKey(domain.RunFraudEvaluate, n, seed, formatFloat(threshold)),
		compute: func(_ context.Context, pop *sim.Population) (sim.FraudPoint, error) {
			kpis, err := sim.EvaluateFraud(pop, threshold)
			return sim.FraudPoint{Threshold: threshold, FraudKPIs: kpis}, err
		},
	})
}

// ScanVoP builds the VoP curve. An empty grid means the default grid.
func (s *Service) ScanVoP(ctx context.Context, n int, seed int64, grid []float64) ([]sim.VoPPoint, *domain.Run, error) {
	grid = orDefault(grid, sim.DefaultVoPGrid)
	if err := s.validateScan(n, seed, grid); err != nil {
		return nil, nil, err
	}

	return execute(ctx, s, job[[]sim.VoPPoint]{
		kind:   domain.RunVoPScan,
		n:      n,
		seed:   seed,
		params: domain.RunParams{Grid: grid},
		key:    resultKey(domain.RunVoPScan, n, seed, gridKey(grid)),
		compute: func(_ context.Context, pop *sim.Population) ([]sim.VoPPoint, error) {
			return sim.ScanVoP(pop, grid)
		},
	})
}

// ScanFraud builds the fraud curve. An empty grid means the default grid.
func (s *Service) ScanFraud(ctx context.Context, n int, seed int64, grid []float64) ([]sim.FraudPoint, *domain.Run, error) {
	grid = orDefault(grid, sim.DefaultFraudGrid)
	if err := s.validateScan(n, seed, grid); err != nil {
		return nil, nil, err
	}

	return execute(ctx, s, job[[]sim.FraudPoint]{
		kind:   domain.RunFraudScan,
		n:      n,
		seed:   seed,
		params: domain.RunParams{Grid: grid},
		key:    resultKey(domain.RunFraudScan, n, seed, gridKey(grid)),
		compute: func(_ context.Context, pop *sim.Population) ([]sim.FraudPoint, error) {
			return sim.ScanFraud(pop, grid)
		},
	})
}

// EvaluatePolicy applies a custom review policy at threshold.
func (s *Service) EvaluatePolicy(ctx context.Context, n int, seed int64, policyID string, threshold float64) (policy.PolicySnapshot, *domain.Run, error) {
	if err := s.ValidateSize(n, seed); err != nil {
		return policy.PolicySnapshot{}, nil, err
	}
	if err := sim.CheckThreshold("policy threshold", threshold); err != nil {
		return policy.PolicySnapshot{}, nil, err
	}
	version, err := s.policyVersion(policyID)
	if err != nil {
		return policy.PolicySnapshot{}, nil, err
	}

	return execute(ctx, s, job[policy.PolicySnapshot]{
		kind:   domain.RunPolicyEval,
		n:      n,
		seed:   seed,
		params: domain.RunParams{Threshold: &threshold, PolicyID: policyID},
		key:    policyResultKey(policyID, version, domain.RunPolicyEval, n, seed, formatFloat(threshold)),
		compute: func(ctx context.Context, pop *sim.Population) (policy.PolicySnapshot, error) {
			return s.policies.Evaluate(ctx, pop, policyID, threshold)
		},
	})
}

// ScanPolicy evaluates a custom review policy across grid. An empty grid
// means the default fraud grid.
func (s *Service) ScanPolicy(ctx context.Context, n int, seed int64, policyID string, grid []float64) ([]policy.PolicySnapshot, *domain.Run, error) {
	grid = orDefault(grid, sim.DefaultFraudGrid)
	if err := s.validateScan(n, seed, grid); err != nil {
		return nil, nil, err
	}
	version, err := s.policyVersion(policyID)
	if err != nil {
		return nil, nil, err
	}

	return execute(ctx, s, job[[]policy.PolicySnapshot]{
		kind:   domain.RunPolicyScan,
		n:      n,
		seed:   seed,
		params: domain.RunParams{Grid: grid, PolicyID: policyID},
		key:    policyResultKey(policyID, version, domain.RunPolicyScan, n, seed, gridKey(grid)),
		compute: func(ctx context.Context, pop *sim.Population) ([]policy.PolicySnapshot, error) {
			return s.policies.Scan(ctx, pop, policyID, grid)
		},
	})
}

func (s *Service) validateScan(n int, seed int64, grid []float64) error {
	if err := s.ValidateSize(n, seed); err != nil {
		return err
	}
	if limit := s.cfg.MaxGridPoints; limit > 0 && len(grid) > limit {
		return fmt.Errorf("%w: grid has %d points, at most %d allowed", sim.ErrInvalidParameter, len(grid), limit)
	}
	return sim.ValidateGrid(grid)
}

// policyVersion fingerprints the loaded expression of policyID so that
// replicas still holding results of an older expression miss.
func (s *Service) policyVersion(policyID string) (string, error) {
	if s.policies == nil {
		return "", ErrNoPolicyEngine
	}
	cfg, ok := s.policies.Get(policyID)
	if !ok {
		return "", fmt.Errorf("%w: %s", policy.ErrPolicyNotFound, policyID)
	}
	return strconv.FormatUint(xxhash.Sum64String(cfg.Expression), 16), nil
}

func orDefault(grid []float64, def func() []float64) []float64 {
	if len(grid) == 0 {
		return def()
	}
	return grid
}

func resultKey(kind domain.RunKind, n int, seed int64, parts ...string) string {
	fields := append([]string{
		sim.ModelVersion,
		string(kind),
		strconv.Itoa(n),
		strconv.FormatInt(seed, 10),
	}, parts...)
	return strings.Join(fields, ":")
}

// policyPrefix is the key prefix shared by every cached result of
// policyID.
func policyPrefix(policyID string) string {
	return "policy:" + policyID + ":"
}

func policyResultKey(policyID, version string, kind domain.RunKind, n int, seed int64, parts ...string) string {
	return policyPrefix(policyID) + version + ":" + resultKey(kind, n, seed, parts...)
}

func gridKey(grid []float64) string {
	parts := make([]string, len(grid))
	for i, v := range grid {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
