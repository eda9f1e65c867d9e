package sim

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// Evaluator computes the KPIs of one policy at one threshold.
type Evaluator[K any] func(p *Population, threshold float64) (K, error)

// VoPPoint is one row of a VoP sensitivity curve.
type VoPPoint struct {
	Threshold float64 `json:"vopThreshold"`
	VoPKPIs
}

// FraudPoint is one row of a fraud sensitivity curve.
type FraudPoint struct {
	Threshold float64 `json:"fraudThreshold"`
	FraudKPIs
}

// Scan evaluates every grid value and returns the results in grid order.
// Each point is an exact application of eval; points run concurrently.
func Scan[K any](p *Population, grid []float64, eval Evaluator[K]) ([]K, error) {
	if err := ValidateGrid(grid); err != nil {
		return nil, err
	}
	if err := checkPopulation(p); err != nil {
		return nil, err
	}

	results := make([]K, len(grid))
	errs := make([]error, len(grid))

	indices := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(runtime.GOMAXPROCS(0), len(grid)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				results[i], errs[i] = eval(p, grid[i])
			}
		}()
	}
	for i := range grid {
		indices <- i
	}
	close(indices)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("grid point %v: %w", grid[i], err)
		}
	}
	return results, nil
}

// ScanVoP builds the VoP curve over grid.
func ScanVoP(p *Population, grid []float64) ([]VoPPoint, error) {
	kpis, err := Scan(p, grid, EvaluateVoP)
	if err != nil {
		return nil, err
	}
	curve := make([]VoPPoint, len(kpis))
	for i, k := range kpis {
		curve[i] = VoPPoint{Threshold: grid[i], VoPKPIs: k}
	}
	return curve, nil
}

// ScanFraud builds the fraud curve over grid.
func ScanFraud(p *Population, grid []float64) ([]FraudPoint, error) {
	kpis, err := Scan(p, grid, EvaluateFraud)
	if err != nil {
		return nil, err
	}
	curve := make([]FraudPoint, len(kpis))
	for i, k := range kpis {
		curve[i] = FraudPoint{Threshold: grid[i], FraudKPIs: k}
	}
	return curve, nil
}

// ValidateGrid checks that grid is non-empty, inside [0,1] and strictly
// ascending.
func ValidateGrid(grid []float64) error {
	if len(grid) == 0 {
		return fmt.Errorf("%w: grid is empty", ErrInvalidParameter)
	}
	for i, v := range grid {
		if err := checkThreshold("grid value", v); err != nil {
			return err
		}
		if i > 0 && v <= grid[i-1] {
			return fmt.Errorf("%w: grid must be strictly ascending at index %d", ErrInvalidParameter, i)
		}
	}
	return nil
}

// maxGridSize caps the number of points Grid will build.
const maxGridSize = 100_000

// gridPrecision rounds grid values so that 0.1+0.2 style drift does not
// leak into thresholds.
const gridPrecision = 1e9

// Grid returns start, start+step, ... for values below stop. Matching the
// dashboard's arange, stop itself is excluded.
func Grid(start, stop, step float64) ([]float64, error) {
	if !(step > 0) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("%w: step must be positive", ErrInvalidParameter)
	}
	if !(stop > start) {
		return nil, fmt.Errorf("%w: stop must exceed start", ErrInvalidParameter)
	}

	span := (stop - start) / step
	if !(span <= maxGridSize) {
		return nil, fmt.Errorf("%w: range [%v, %v) with step %v exceeds %d points", ErrInvalidParameter, start, stop, step, maxGridSize)
	}

	count := int(math.Ceil(span - 1e-9))
	grid := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		v := math.Round((start+float64(i)*step)*gridPrecision) / gridPrecision
		grid = append(grid, v)
	}

	if err := ValidateGrid(grid); err != nil {
		return nil, err
	}
	return grid, nil
}

// DefaultVoPGrid is 0.50 to 0.90 in steps of 0.05.
func DefaultVoPGrid() []float64 {
	grid, _ := Grid(0.50, 0.95, 0.05)
	return grid
}

// DefaultFraudGrid is 0.20 to 0.80 in steps of 0.10.
func DefaultFraudGrid() []float64 {
	grid, _ := Grid(0.20, 0.90, 0.10)
	return grid
}
