package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/ipsim/internal/bus"
	"github.com/opensource-finance/ipsim/internal/cache"
	"github.com/opensource-finance/ipsim/internal/domain"
	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/repository"
	"github.com/opensource-finance/ipsim/internal/sim"
)

type fixture struct {
	svc   *Service
	repo  domain.Repository
	bus   *bus.ChannelBus
	cache *cache.LRUCache
}

func testConfig() domain.SimulationConfig {
	cfg := domain.DefaultSimulationConfig()
	cfg.PresetSizes = append(cfg.PresetSizes, 2000)
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "ipsim.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	engine, err := policy.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	results := cache.NewLRUCache(100, 0)
	svc, err := New(testConfig(), Options{
		Cache:      results,
		Repository: repo,
		Bus:        b,
		Policies:   engine,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return &fixture{svc: svc, repo: repo, bus: b, cache: results}
}

func TestPopulationCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Population(ctx, 2000, 42)
	if err != nil {
		t.Fatalf("Population failed: %v", err)
	}
	b, _ := f.svc.Population(ctx, 2000, 42)
	if a != b {
		t.Error("expected cached population to be reused")
	}

	c, _ := f.svc.Population(ctx, 2000, 43)
	if c == a {
		t.Error("different seed must produce a different population")
	}
}

func TestValidateSettings(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.ValidateSettings(20000, 42, 0.8, 0.5); err != nil {
		t.Errorf("dashboard default should validate: %v", err)
	}

	cases := map[string]func() error{
		"size":      func() error { return f.svc.ValidateSettings(12345, 42, 0.8, 0.5) },
		"seed":      func() error { return f.svc.ValidateSettings(20000, 1_000_000, 0.8, 0.5) },
		"vop":       func() error { return f.svc.ValidateSettings(20000, 42, 0.3, 0.5) },
		"fraud":     func() error { return f.svc.ValidateSettings(20000, 42, 0.8, 0.95) },
		"non-unit":  func() error { return f.svc.ValidateSettings(20000, 42, 1.2, 0.5) },
		"zero size": func() error { return f.svc.ValidateSize(0, 42) },
	}
	for name, fn := range cases {
		if err := fn(); !errors.Is(err, sim.ErrInvalidParameter) {
			t.Errorf("%s: expected ErrInvalidParameter, got %v", name, err)
		}
	}

	t.Run("Disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnforcePresets = false
		svc, _ := New(cfg, Options{})

		if err := svc.ValidateSettings(12345, 5_000_000, 0.1, 0.99); err != nil {
			t.Errorf("expected any valid domain value to pass, got %v", err)
		}
		if err := svc.ValidateSettings(100, 1, 1.5, 0.5); !errors.Is(err, sim.ErrInvalidParameter) {
			t.Errorf("thresholds outside [0,1] are always rejected, got %v", err)
		}
	})
}

func TestEvaluate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := make(chan *domain.Run, 10)
	f.bus.Subscribe(ctx, domain.TopicRunCompleted, func(ctx context.Context, msg *domain.Message) error {
		var run domain.Run
		if err := json.Unmarshal(msg.Payload, &run); err != nil {
			return err
		}
		completed <- &run
		return nil
	})

	res, run, err := f.svc.Evaluate(ctx, 2000, 42, 0.8, 0.5)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	pop, _ := sim.Generate(2000, 42)
	want, _ := sim.Evaluate(pop, 0.8, 0.5)
	if res.Snapshot != want {
		t.Errorf("expected %+v, got %+v", want, res.Snapshot)
	}
	confusion, _ := sim.Confusion(pop, 0.5)
	if res.Confusion != confusion {
		t.Errorf("expected confusion %+v, got %+v", confusion, res.Confusion)
	}

	if run == nil || run.Status != domain.RunCompleted || run.Kind != domain.RunSnapshot {
		t.Fatalf("unexpected run: %+v", run)
	}

	stored, err := f.repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("run not stored: %v", err)
	}
	var decoded EvaluateResult
	if err := json.Unmarshal(stored.Result, &decoded); err != nil {
		t.Fatalf("stored result is not JSON: %v", err)
	}
	if decoded.Snapshot != want {
		t.Errorf("stored result %+v differs from %+v", decoded.Snapshot, want)
	}

	select {
	case got := <-completed:
		if got.ID != run.ID {
			t.Errorf("expected completion for %s, got %s", run.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for run completion event")
	}

	t.Run("CachedResultMatches", func(t *testing.T) {
		again, run2, err := f.svc.Evaluate(ctx, 2000, 42, 0.8, 0.5)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if again != res {
			t.Errorf("cached result %+v differs from %+v", again, res)
		}
		if run2.ID == run.ID {
			t.Error("every evaluation gets its own run")
		}
	})

	t.Run("OutsidePresets", func(t *testing.T) {
		_, run, err := f.svc.Evaluate(ctx, 2000, 42, 0.3, 0.5)
		if !errors.Is(err, ErrOutsidePresets) {
			t.Errorf("expected ErrOutsidePresets, got %v", err)
		}
		if run != nil {
			t.Error("rejected input must not create a run")
		}
	})
}

func TestSingleGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pop, _ := sim.Generate(2000, 7)

	vop, _, err := f.svc.EvaluateVoP(ctx, 2000, 7, 0.75)
	if err != nil {
		t.Fatalf("EvaluateVoP failed: %v", err)
	}
	wantVoP, _ := sim.EvaluateVoP(pop, 0.75)
	if vop.VoPKPIs != wantVoP || vop.Threshold != 0.75 {
		t.Errorf("unexpected vop point: %+v", vop)
	}

	fraud, _, err := f.svc.EvaluateFraud(ctx, 2000, 7, 0.4)
	if err != nil {
		t.Fatalf("EvaluateFraud failed: %v", err)
	}
	wantFraud, _ := sim.EvaluateFraud(pop, 0.4)
	if fraud.FraudKPIs != wantFraud || fraud.Threshold != 0.4 {
		t.Errorf("unexpected fraud point: %+v", fraud)
	}

	if _, _, err := f.svc.EvaluateVoP(ctx, 2000, 7, -1); !errors.Is(err, sim.ErrInvalidParameter) {
		t.Errorf("expected ErrInvalidParameter, got %v", err)
	}

	t.Run("SliderRanges", func(t *testing.T) {
		// same limits as the combined snapshot
		if _, _, err := f.svc.EvaluateVoP(ctx, 2000, 7, 0.3); !errors.Is(err, ErrOutsidePresets) {
			t.Errorf("vop 0.3: expected ErrOutsidePresets, got %v", err)
		}
		if _, _, err := f.svc.EvaluateFraud(ctx, 2000, 7, 0.95); !errors.Is(err, ErrOutsidePresets) {
			t.Errorf("fraud 0.95: expected ErrOutsidePresets, got %v", err)
		}
		if _, _, err := f.svc.Evaluate(ctx, 2000, 7, 0.3, 0.5); !errors.Is(err, ErrOutsidePresets) {
			t.Errorf("snapshot vop 0.3: expected ErrOutsidePresets, got %v", err)
		}

		cfg := testConfig()
		cfg.EnforcePresets = false
		unenforced, _ := New(cfg, Options{})
		if _, _, err := unenforced.EvaluateVoP(ctx, 2000, 7, 0.3); err != nil {
			t.Errorf("vop 0.3 without enforcement: %v", err)
		}
	})
}

func TestScans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("GridTooLong", func(t *testing.T) {
		grid := make([]float64, testConfig().MaxGridPoints+1)
		for i := range grid {
			grid[i] = float64(i) / float64(len(grid))
		}

		if _, _, err := f.svc.ScanVoP(ctx, 2000, 42, grid); !errors.Is(err, sim.ErrInvalidParameter) {
			t.Errorf("ScanVoP: expected ErrInvalidParameter, got %v", err)
		}
		if _, _, err := f.svc.ScanFraud(ctx, 2000, 42, grid); !errors.Is(err, sim.ErrInvalidParameter) {
			t.Errorf("ScanFraud: expected ErrInvalidParameter, got %v", err)
		}
		if _, err := f.svc.SubmitScan(ctx, ScanInput{Kind: domain.RunVoPScan, N: 2000, Grid: grid}); !errors.Is(err, sim.ErrInvalidParameter) {
			t.Errorf("SubmitScan: expected ErrInvalidParameter, got %v", err)
		}

		if _, _, err := f.svc.ScanVoP(ctx, 2000, 42, grid[:testConfig().MaxGridPoints]); err != nil {
			t.Errorf("grid at the limit should pass: %v", err)
		}
	})

	t.Run("DefaultVoPGrid", func(t *testing.T) {
		curve, run, err := f.svc.ScanVoP(ctx, 2000, 42, nil)
		if err != nil {
			t.Fatalf("ScanVoP failed: %v", err)
		}
		if len(curve) != len(sim.DefaultVoPGrid()) {
			t.Errorf("expected default grid, got %d points", len(curve))
		}
		if len(run.Params.Grid) != len(curve) {
			t.Errorf("run should record the grid used, got %v", run.Params.Grid)
		}
	})

	t.Run("CustomFraudGrid", func(t *testing.T) {
		curve, _, err := f.svc.ScanFraud(ctx, 2000, 42, []float64{0.3, 0.6})
		if err != nil {
			t.Fatalf("ScanFraud failed: %v", err)
		}
		if len(curve) != 2 || curve[0].Threshold != 0.3 || curve[1].Threshold != 0.6 {
			t.Errorf("unexpected curve: %+v", curve)
		}
	})

	t.Run("InvalidGrid", func(t *testing.T) {
		if _, _, err := f.svc.ScanFraud(ctx, 2000, 42, []float64{0.6, 0.3}); !errors.Is(err, sim.ErrInvalidParameter) {
			t.Errorf("expected ErrInvalidParameter, got %v", err)
		}
	})
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)

	summary, run, err := f.svc.Summarize(context.Background(), 2000, 42)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.N != 2000 || summary.Seed != 42 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if run.Kind != domain.RunPopulation {
		t.Errorf("expected population run, got %s", run.Kind)
	}
}

func TestPolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gate := &domain.PolicyConfig{
		ID:         "gate",
		Name:       "Fraud gate",
		Expression: "fraud_probability >= threshold",
		Enabled:    true,
	}

	t.Run("RejectsInvalid", func(t *testing.T) {
		bad := &domain.PolicyConfig{ID: "bad", Expression: "amount", Enabled: true}
		if err := f.svc.SavePolicy(ctx, bad); !errors.Is(err, policy.ErrInvalidPolicy) {
			t.Errorf("expected ErrInvalidPolicy, got %v", err)
		}
		if _, err := f.repo.GetPolicy(ctx, "bad"); !errors.Is(err, repository.ErrNotFound) {
			t.Error("invalid policy must not be stored")
		}
	})

	t.Run("SaveAndEvaluate", func(t *testing.T) {
		if err := f.svc.SavePolicy(ctx, gate); err != nil {
			t.Fatalf("SavePolicy failed: %v", err)
		}

		snap, run, err := f.svc.EvaluatePolicy(ctx, 2000, 42, "gate", 0.5)
		if err != nil {
			t.Fatalf("EvaluatePolicy failed: %v", err)
		}
		pop, _ := sim.Generate(2000, 42)
		kpis, _ := sim.EvaluateFraud(pop, 0.5)
		if snap.FlagRate != kpis.ManualReviewRate {
			t.Errorf("flag rate %v differs from review rate %v", snap.FlagRate, kpis.ManualReviewRate)
		}
		if run.Params.PolicyID != "gate" {
			t.Errorf("run should record the policy, got %+v", run.Params)
		}

		curve, _, err := f.svc.ScanPolicy(ctx, 2000, 42, "gate", nil)
		if err != nil {
			t.Fatalf("ScanPolicy failed: %v", err)
		}
		if len(curve) != len(sim.DefaultFraudGrid()) {
			t.Errorf("expected default fraud grid, got %d points", len(curve))
		}
	})

	t.Run("ChangedExpressionBypassesCache", func(t *testing.T) {
		before, _, _ := f.svc.EvaluatePolicy(ctx, 2000, 42, "gate", 0.5)

		stricter := *gate
		stricter.Expression = "fraud_probability >= threshold && amount < 0.0"
		if err := f.svc.SavePolicy(ctx, &stricter); err != nil {
			t.Fatalf("SavePolicy failed: %v", err)
		}

		after, _, _ := f.svc.EvaluatePolicy(ctx, 2000, 42, "gate", 0.5)
		if before.FlagRate == 0 || after.FlagRate != 0 {
			t.Errorf("expected the new expression to apply: %v then %v", before.FlagRate, after.FlagRate)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		count, err := f.svc.ReloadPolicies(ctx)
		if err != nil {
			t.Fatalf("ReloadPolicies failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 policy, got %d", count)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		f.svc.ScanPolicy(ctx, 2000, 42, "gate", nil)
		before := f.cache.Len()

		if err := f.svc.DeletePolicy(ctx, "gate"); err != nil {
			t.Fatalf("DeletePolicy failed: %v", err)
		}
		if n, _ := f.cache.Invalidate(ctx, policyPrefix("gate")); n != 0 || f.cache.Len() >= before {
			t.Errorf("expected cached policy results to be dropped on delete (%d left, %d before)", n, before)
		}
		if _, err := f.svc.GetPolicy(ctx, "gate"); !errors.Is(err, policy.ErrPolicyNotFound) {
			t.Errorf("expected ErrPolicyNotFound, got %v", err)
		}
		if _, _, err := f.svc.EvaluatePolicy(ctx, 2000, 42, "gate", 0.5); !errors.Is(err, policy.ErrPolicyNotFound) {
			t.Errorf("expected ErrPolicyNotFound, got %v", err)
		}
		if err := f.svc.DeletePolicy(ctx, "gate"); !errors.Is(err, policy.ErrPolicyNotFound) {
			t.Errorf("expected ErrPolicyNotFound on second delete, got %v", err)
		}
	})
}

func TestAsyncScan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requests := make(chan domain.ScanRequest, 1)
	f.bus.Subscribe(ctx, domain.TopicScanRequested, func(ctx context.Context, msg *domain.Message) error {
		var req domain.ScanRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		requests <- req
		return nil
	})

	run, err := f.svc.SubmitScan(ctx, ScanInput{Kind: domain.RunFraudScan, N: 2000, Seed: 42})
	if err != nil {
		t.Fatalf("SubmitScan failed: %v", err)
	}
	if run.Status != domain.RunPending {
		t.Errorf("expected pending run, got %s", run.Status)
	}

	var req domain.ScanRequest
	select {
	case req = <-requests:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scan request")
	}
	if req.RunID != run.ID || len(req.Grid) != len(sim.DefaultFraudGrid()) {
		t.Errorf("unexpected request: %+v", req)
	}

	if err := f.svc.ExecuteScan(ctx, req); err != nil {
		t.Fatalf("ExecuteScan failed: %v", err)
	}

	stored, _ := f.repo.GetRun(ctx, run.ID)
	if stored.Status != domain.RunCompleted || stored.CompletedAt == nil {
		t.Fatalf("expected completed run, got %+v", stored)
	}

	var curve []sim.FraudPoint
	if err := json.Unmarshal(stored.Result, &curve); err != nil {
		t.Fatalf("stored curve is not JSON: %v", err)
	}
	direct, _, _ := f.svc.ScanFraud(ctx, 2000, 42, nil)
	if len(curve) != len(direct) {
		t.Fatalf("expected %d points, got %d", len(direct), len(curve))
	}
	for i := range curve {
		if curve[i] != direct[i] {
			t.Errorf("point %d: async %+v differs from sync %+v", i, curve[i], direct[i])
		}
	}

	t.Run("Redelivery", func(t *testing.T) {
		if err := f.svc.ExecuteScan(ctx, req); err != nil {
			t.Errorf("redelivered request should be skipped, got %v", err)
		}
	})

	t.Run("UnknownRun", func(t *testing.T) {
		err := f.svc.ExecuteScan(ctx, domain.ScanRequest{RunID: "missing", Kind: domain.RunVoPScan})
		if !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RejectsNonScan", func(t *testing.T) {
		if _, err := f.svc.SubmitScan(ctx, ScanInput{Kind: domain.RunSnapshot, N: 2000}); !errors.Is(err, sim.ErrInvalidParameter) {
			t.Errorf("expected ErrInvalidParameter, got %v", err)
		}
	})

	t.Run("UndeliveredRequestFailsRun", func(t *testing.T) {
		closed := bus.NewChannelBus(1)
		closed.Close()
		svc, _ := New(testConfig(), Options{Repository: f.repo, Bus: closed})

		_, err := svc.SubmitScan(ctx, ScanInput{Kind: domain.RunFraudScan, N: 2000, Seed: 77})
		if !errors.Is(err, ErrAsyncUnavailable) {
			t.Fatalf("expected ErrAsyncUnavailable, got %v", err)
		}

		runs, err := f.repo.ListRuns(ctx, 100)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		var abandoned *domain.Run
		for _, r := range runs {
			if r.Kind == domain.RunFraudScan && r.Seed == 77 {
				abandoned = r
			}
		}
		if abandoned == nil {
			t.Fatal("expected the undelivered run to be stored")
		}
		if abandoned.Status != domain.RunFailed || !strings.HasPrefix(abandoned.Error, "scan request not delivered") {
			t.Errorf("expected failed run with delivery error, got %s %q", abandoned.Status, abandoned.Error)
		}
	})

	t.Run("StalledObserverKeepsRunPending", func(t *testing.T) {
		b := bus.NewChannelBus(1)
		defer b.Close()
		release := make(chan struct{})
		defer close(release)

		b.Subscribe(ctx, domain.TopicScanRequested, func(context.Context, *domain.Message) error {
			<-release
			return nil
		})
		delivered := make(chan string, 4)
		b.QueueSubscribe(ctx, domain.TopicScanRequested, "workers", func(_ context.Context, msg *domain.Message) error {
			var req domain.ScanRequest
			json.Unmarshal(msg.Payload, &req)
			delivered <- req.RunID
			return nil
		})

		svc, _ := New(testConfig(), Options{Repository: f.repo, Bus: b})
		for i := 0; i < 3; i++ {
			run, err := svc.SubmitScan(ctx, ScanInput{Kind: domain.RunVoPScan, N: 2000, Seed: int64(300 + i)})
			if err != nil {
				t.Fatalf("submit %d: %v", i, err)
			}
			select {
			case id := <-delivered:
				if id != run.ID {
					t.Errorf("expected %s delivered, got %s", run.ID, id)
				}
			case <-time.After(time.Second):
				t.Fatalf("run %s never reached the queue group", run.ID)
			}

			stored, err := f.repo.GetRun(ctx, run.ID)
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if stored.Status != domain.RunPending {
				t.Errorf("run %s: expected pending, got %s (%s)", run.ID, stored.Status, stored.Error)
			}
		}
	})

	t.Run("RequiresBus", func(t *testing.T) {
		svc, _ := New(testConfig(), Options{Repository: f.repo})
		if _, err := svc.SubmitScan(ctx, ScanInput{Kind: domain.RunVoPScan, N: 2000}); !errors.Is(err, ErrAsyncUnavailable) {
			t.Errorf("expected ErrAsyncUnavailable, got %v", err)
		}
	})
}

func TestWithoutRepository(t *testing.T) {
	svc, err := New(testConfig(), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, run, err := svc.Evaluate(ctx, 2000, 42, 0.8, 0.5); err != nil || run == nil {
		t.Errorf("evaluation should work without storage: run=%v err=%v", run, err)
	}
	if _, err := svc.ListRuns(ctx, 10); !errors.Is(err, ErrNoRepository) {
		t.Errorf("expected ErrNoRepository, got %v", err)
	}
	if _, _, err := svc.EvaluatePolicy(ctx, 2000, 42, "any", 0.5); !errors.Is(err, ErrNoPolicyEngine) {
		t.Errorf("expected ErrNoPolicyEngine, got %v", err)
	}
}
