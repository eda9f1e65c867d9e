package sim

import (
	"errors"
	"math"
	"testing"
)

func TestScan(t *testing.T) {
	pop, err := Generate(20000, 42)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	t.Run("VoPMatchesPointEvaluation", func(t *testing.T) {
		grid := DefaultVoPGrid()

		curve, err := ScanVoP(pop, grid)
		if err != nil {
			t.Fatalf("ScanVoP failed: %v", err)
		}
		if len(curve) != len(grid) {
			t.Fatalf("expected %d rows, got %d", len(grid), len(curve))
		}

		for i, row := range curve {
			if row.Threshold != grid[i] {
				t.Errorf("row %d: expected threshold %v, got %v", i, grid[i], row.Threshold)
			}
			want, _ := EvaluateVoP(pop, grid[i])
			if row.VoPKPIs != want {
				t.Errorf("row %d: curve %+v differs from point evaluation %+v", i, row.VoPKPIs, want)
			}
		}
	})

	t.Run("FraudDefaultGrid", func(t *testing.T) {
		curve, err := ScanFraud(pop, []float64{0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8})
		if err != nil {
			t.Fatalf("ScanFraud failed: %v", err)
		}
		if len(curve) != 7 {
			t.Fatalf("expected 7 rows, got %d", len(curve))
		}

		for i := 1; i < len(curve); i++ {
			if curve[i].Threshold <= curve[i-1].Threshold {
				t.Errorf("rows out of order at %d", i)
			}
			if curve[i].ManualReviewRate > curve[i-1].ManualReviewRate {
				t.Errorf("review rate rose at %v", curve[i].Threshold)
			}
			if curve[i].RiskExposureEUR < curve[i-1].RiskExposureEUR {
				t.Errorf("exposure fell at %v", curve[i].Threshold)
			}
		}

		for i, row := range curve {
			want, _ := EvaluateFraud(pop, row.Threshold)
			if row.FraudKPIs != want {
				t.Errorf("row %d: curve %+v differs from point evaluation %+v", i, row.FraudKPIs, want)
			}
		}
	})

	t.Run("InvalidGrid", func(t *testing.T) {
		grids := map[string][]float64{
			"empty":      {},
			"nil":        nil,
			"descending": {0.8, 0.5},
			"duplicate":  {0.5, 0.5},
			"above one":  {0.5, 1.2},
			"below zero": {-0.1, 0.5},
		}
		for name, grid := range grids {
			if _, err := ScanVoP(pop, grid); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("%s: expected ErrInvalidParameter, got %v", name, err)
			}
			if _, err := ScanFraud(pop, grid); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("%s: expected ErrInvalidParameter, got %v", name, err)
			}
		}
	})

	t.Run("EmptyPopulation", func(t *testing.T) {
		empty, _ := NewPopulation(0, nil)
		if _, err := ScanVoP(empty, DefaultVoPGrid()); !errors.Is(err, ErrEmptyPopulation) {
			t.Errorf("expected ErrEmptyPopulation, got %v", err)
		}
	})

	t.Run("EvaluatorErrorPropagates", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Scan(pop, []float64{0.1, 0.2}, func(*Population, float64) (int, error) {
			return 0, boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected evaluator error, got %v", err)
		}
	})
}

func TestGrid(t *testing.T) {
	t.Run("DefaultVoP", func(t *testing.T) {
		grid := DefaultVoPGrid()
		want := []float64{0.5, 0.55, 0.6, 0.65, 0.7, 0.75, 0.8, 0.85, 0.9}
		if len(grid) != len(want) {
			t.Fatalf("expected %d points, got %d: %v", len(want), len(grid), grid)
		}
		for i := range want {
			if grid[i] != want[i] {
				t.Errorf("point %d: expected %v, got %v", i, want[i], grid[i])
			}
		}
	})

	t.Run("DefaultFraud", func(t *testing.T) {
		grid := DefaultFraudGrid()
		want := []float64{0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
		if len(grid) != len(want) {
			t.Fatalf("expected %d points, got %d: %v", len(want), len(grid), grid)
		}
		for i := range want {
			if grid[i] != want[i] {
				t.Errorf("point %d: expected %v, got %v", i, want[i], grid[i])
			}
		}
	})

	t.Run("InvalidRange", func(t *testing.T) {
		if _, err := Grid(0.5, 0.5, 0.1); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("expected error for empty range, got %v", err)
		}
		if _, err := Grid(0.1, 0.5, 0); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("expected error for zero step, got %v", err)
		}
		if _, err := Grid(0.5, 1.5, 0.25); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("expected error for values above 1, got %v", err)
		}
	})

	t.Run("TooManyPoints", func(t *testing.T) {
		for _, step := range []float64{1e-300, 1e-9, math.SmallestNonzeroFloat64} {
			if _, err := Grid(0, 1, step); !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("step %v: expected ErrInvalidParameter, got %v", step, err)
			}
		}
		if _, err := Grid(0, math.Inf(1), 0.1); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("expected error for unbounded range, got %v", err)
		}
	})
}
