// Package scenario runs what-if evaluations for the API and the async worker.
// It owns the population cache, the KPI result cache and the run history.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/metrics"
	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/sim"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("ipsim-scenario")

var (
	// ErrOutsidePresets rejects inputs outside the configured dashboard
	// ranges. It matches sim.ErrInvalidParameter.
	ErrOutsidePresets = fmt.Errorf("%w: outside configured presets", sim.ErrInvalidParameter)

	// ErrNoRepository is returned by run history and async operations when
	// no repository is configured.
	ErrNoRepository = errors.New("repository not configured")

	// ErrNoPolicyEngine is returned by policy operations when no engine is
	// configured.
	ErrNoPolicyEngine = errors.New("policy engine not configured")

	// ErrAsyncUnavailable is returned by SubmitScan without an event bus.
	ErrAsyncUnavailable = errors.New("async scans require an event bus and a repository")
)

// Options wires the optional collaborators of a Service. Nil fields
// disable the corresponding feature.
type Options struct {
	Cache      domain.Cache
	Repository domain.Repository
	Bus        domain.EventBus
	Policies   *policy.Engine
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

type populationKey struct {
	n    int
	seed int64
}

// Service evaluates scenarios over cached populations.
type Service struct {
	cfg         domain.SimulationConfig
	generator   sim.Generator
	populations *lru.Cache[populationKey, *sim.Population]

	cache    domain.Cache
	repo     domain.Repository
	bus      domain.EventBus
	policies *policy.Engine
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// New creates a scenario service.
func New(cfg domain.SimulationConfig, opts Options) (*Service, error) {
	size := cfg.PopulationCacheSize
	if size <= 0 {
		size = 4
	}

	populations, err := lru.New[populationKey, *sim.Population](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create population cache: %w", err)
	}

	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRecorder()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 10 * time.Minute
	}

	return &Service{
		cfg:         cfg,
		generator:   sim.Generator{Workers: cfg.GeneratorWorkers},
		populations: populations,
		cache:       opts.Cache,
		repo:        opts.Repository,
		bus:         opts.Bus,
		policies:    opts.Policies,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}, nil
}

// Config returns the simulation settings the service enforces.
func (s *Service) Config() domain.SimulationConfig {
	return s.cfg
}

// Population returns the population for (n, seed), generating it on a
// cache miss. Populations are immutable and shared between callers.
func (s *Service) Population(ctx context.Context, n int, seed int64) (*sim.Population, error) {
	key := populationKey{n: n, seed: seed}
	if pop, ok := s.populations.Get(key); ok {
		s.metrics.PopulationCache(true)
		return pop, nil
	}
	s.metrics.PopulationCache(false)

	_, span := tracer.Start(ctx, "scenario.generate", trace.WithAttributes(
		attribute.Int("ipsim.n", n),
		attribute.Int64("ipsim.seed", seed),
	))
	defer span.End()

	start := time.Now()
	pop, err := s.generator.Generate(n, seed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.populations.Add(key, pop)
	s.metrics.Generated(n)

	s.logger.Debug("population generated",
		"n", n,
		"seed", seed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return pop, nil
}

// ValidateSize checks n and seed against the presets when enforcement is on.
func (s *Service) ValidateSize(n int, seed int64) error {
	if n <= 0 {
		return fmt.Errorf("%w: n must be positive, got %d", sim.ErrInvalidParameter, n)
	}
	if !s.cfg.EnforcePresets {
		return nil
	}
	if !slices.Contains(s.cfg.PresetSizes, n) {
		return fmt.Errorf("%w: n=%d not in %v", ErrOutsidePresets, n, s.cfg.PresetSizes)
	}
	if seed < 0 || seed > s.cfg.MaxSeed {
		return fmt.Errorf("%w: seed %d not in [0, %d]", ErrOutsidePresets, seed, s.cfg.MaxSeed)
	}
	return nil
}

// ValidateSettings checks a full dashboard setting against the presets.
func (s *Service) ValidateSettings(n int, seed int64, vopThreshold, fraudThreshold float64) error {
	if err := s.ValidateSize(n, seed); err != nil {
		return err
	}
	if err := s.checkVoP(vopThreshold); err != nil {
		return err
	}
	return s.checkFraud(fraudThreshold)
}

// checkVoP validates a single VoP threshold against the slider range.
// Scan grids are exempt: curves deliberately cover the whole unit range.
func (s *Service) checkVoP(v float64) error {
	if err := sim.CheckThreshold("vop threshold", v); err != nil {
		return err
	}
	if s.cfg.EnforcePresets && (v < s.cfg.VoPMin || v > s.cfg.VoPMax) {
		return fmt.Errorf("%w: vop threshold %v not in [%v, %v]", ErrOutsidePresets, v, s.cfg.VoPMin, s.cfg.VoPMax)
	}
	return nil
}

func (s *Service) checkFraud(v float64) error {
	if err := sim.CheckThreshold("fraud threshold", v); err != nil {
		return err
	}
	if s.cfg.EnforcePresets && (v < s.cfg.FraudMin || v > s.cfg.FraudMax) {
		return fmt.Errorf("%w: fraud threshold %v not in [%v, %v]", ErrOutsidePresets, v, s.cfg.FraudMin, s.cfg.FraudMax)
	}
	return nil
}

// job is one recorded computation over a population.
type job[T any] struct {
	kind    domain.RunKind
	n       int
	seed    int64
	params  domain.RunParams
	key     string
	compute func(ctx context.Context, pop *sim.Population) (T, error)
}

// execute runs j through the result cache, records the run and publishes
// its completion.
func execute[T any](ctx context.Context, s *Service, j job[T]) (T, *domain.Run, error) {
	var out T
	start := time.Now()

	ctx, span := tracer.Start(ctx, "scenario."+string(j.kind), trace.WithAttributes(
		attribute.Int("ipsim.n", j.n),
		attribute.Int64("ipsim.seed", j.seed),
	))
	defer span.End()

	if s.lookupResult(ctx, j.key, &out) {
		span.SetAttributes(attribute.Bool("ipsim.cache_hit", true))
		return out, s.record(ctx, j.kind, j.n, j.seed, j.params, out, nil, start), nil
	}

	pop, err := s.Population(ctx, j.n, j.seed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, nil, err
	}

	out, err = j.compute(ctx, pop)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, s.record(ctx, j.kind, j.n, j.seed, j.params, nil, err, start), err
	}

	s.storeResult(ctx, j.key, out)
	return out, s.record(ctx, j.kind, j.n, j.seed, j.params, out, nil, start), nil
}

// record builds the run record, persists it when a repository is
// configured and announces it on the bus. Persistence failures are logged
// and never fail the computation.
func (s *Service) record(ctx context.Context, kind domain.RunKind, n int, seed int64, params domain.RunParams, result any, runErr error, start time.Time) *domain.Run {
	now := time.Now().UTC()
	run := &domain.Run{
		ID:           uuid.NewString(),
		Kind:         kind,
		Status:       domain.RunCompleted,
		N:            n,
		Seed:         seed,
		ModelVersion: sim.ModelVersion,
		Params:       params,
		CreatedAt:    start.UTC(),
		CompletedAt:  &now,
		DurationMs:   now.Sub(start).Milliseconds(),
	}

	if runErr != nil {
		run.Status = domain.RunFailed
		run.Error = runErr.Error()
	} else if data, err := json.Marshal(result); err == nil {
		run.Result = data
	}

	s.metrics.ObserveRun(string(kind), string(run.Status), now.Sub(start))

	if s.repo != nil {
		if err := s.repo.SaveRun(ctx, run); err != nil {
			s.logger.Warn("failed to save run",
				"run_id", run.ID,
				"kind", kind,
				"error", err,
			)
		}
	}

	s.publishCompleted(ctx, run)

	s.logger.Info("run completed",
		"run_id", run.ID,
		"kind", kind,
		"status", run.Status,
		"n", n,
		"seed", seed,
		"duration_ms", run.DurationMs,
	)

	return run
}

func (s *Service) publishCompleted(ctx context.Context, run *domain.Run) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicRunCompleted, payload); err != nil {
		s.logger.Warn("failed to publish run completion",
			"run_id", run.ID,
			"error", err,
		)
	}
}

func (s *Service) lookupResult(ctx context.Context, key string, dst any) bool {
	if s.cache == nil || key == "" {
		return false
	}

	hit, err := s.cache.GetResult(ctx, key, dst)
	if err != nil {
		s.logger.Warn("result cache read failed", "key", key, "error", err)
		hit = false
	}
	s.metrics.ResultCache(hit)
	return hit
}

func (s *Service) storeResult(ctx context.Context, key string, v any) {
	if s.cache == nil || key == "" {
		return
	}
	if err := s.cache.SetResult(ctx, key, v, s.cfg.ResultTTL); err != nil {
		s.logger.Warn("result cache write failed", "key", key, "error", err)
	}
}

// invalidate drops cached results under prefix. Failures only cost a
// recomputation on replicas that fingerprint policies, so they are logged.
func (s *Service) invalidate(ctx context.Context, prefix string) {
	if s.cache == nil {
		return
	}
	n, err := s.cache.Invalidate(ctx, prefix)
	if err != nil {
		s.logger.Warn("result cache invalidation failed", "prefix", prefix, "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("cached results invalidated", "prefix", prefix, "count", n)
	}
}

// GetRun returns a recorded run.
func (s *Service) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.GetRun(ctx, id)
}

// ListRuns returns the most recent runs.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.ListRuns(ctx, limit)
}
