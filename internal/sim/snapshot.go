package sim

import (
	"gonum.org/v1/gonum/stat"
)

// Snapshot holds all four KPIs for one pair of operating thresholds.
type Snapshot struct {
	VoPThreshold   float64 `json:"vopThreshold"`
	FraudThreshold float64 `json:"fraudThreshold"`
	VoPKPIs
	FraudKPIs
}

// Map returns the four KPIs keyed by their snake_case names.
func (s Snapshot) Map() map[string]float64 {
	m := s.VoPKPIs.Map()
	for k, v := range s.FraudKPIs.Map() {
		m[k] = v
	}
	return m
}

// Evaluate applies both gates to p. The gates are independent; this is
// EvaluateVoP and EvaluateFraud side by side.
func Evaluate(p *Population, vopThreshold, fraudThreshold float64) (Snapshot, error) {
	vop, err := EvaluateVoP(p, vopThreshold)
	if err != nil {
		return Snapshot{}, err
	}
	fraud, err := EvaluateFraud(p, fraudThreshold)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		VoPThreshold:   vopThreshold,
		FraudThreshold: fraudThreshold,
		VoPKPIs:        vop,
		FraudKPIs:      fraud,
	}, nil
}

// Summary describes a generated population.
type Summary struct {
	N                    int     `json:"n"`
	Seed                 int64   `json:"seed"`
	ModelVersion         string  `json:"modelVersion"`
	TotalAmountEUR       float64 `json:"totalAmountEur"`
	MeanAmountEUR        float64 `json:"meanAmountEur"`
	MeanIdentityScore    float64 `json:"meanIdentityMatchScore"`
	MeanFraudProbability float64 `json:"meanFraudProbability"`
	MeanBaseLatency      float64 `json:"meanBaseLatency"`
	TrueFraudCount       int     `json:"trueFraudCount"`
	TrueFraudAmountEUR   float64 `json:"trueFraudAmountEur"`
}

// Summarize computes descriptive statistics of p.
func Summarize(p *Population) (Summary, error) {
	if err := checkPopulation(p); err != nil {
		return Summary{}, err
	}

	n := len(p.txs)
	amounts := make([]float64, n)
	identity := make([]float64, n)
	fraud := make([]float64, n)
	latency := make([]float64, n)

	s := Summary{N: n, Seed: p.seed, ModelVersion: ModelVersion}
	for i, tx := range p.txs {
		amounts[i] = tx.Amount
		identity[i] = tx.IdentityMatchScore
		fraud[i] = tx.FraudProbability
		latency[i] = tx.BaseLatency

		s.TotalAmountEUR += tx.Amount
		if tx.IsTrueFraud {
			s.TrueFraudCount++
			s.TrueFraudAmountEUR += tx.Amount
		}
	}

	s.MeanAmountEUR = stat.Mean(amounts, nil)
	s.MeanIdentityScore = stat.Mean(identity, nil)
	s.MeanFraudProbability = stat.Mean(fraud, nil)
	s.MeanBaseLatency = stat.Mean(latency, nil)

	return s, nil
}
