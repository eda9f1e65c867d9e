package sim

// FraudKPIs are the outcomes of the fraud screening gate.
type FraudKPIs struct {
	ManualReviewRate float64 `json:"manualReviewRate"` // percent, 0-100
	RiskExposureEUR  float64 `json:"riskExposureEur"`
}

// Map returns the KPIs keyed by their snake_case names.
func (k FraudKPIs) Map() map[string]float64 {
	return map[string]float64{
		"manual_review_rate": k.ManualReviewRate,
		"risk_exposure_eur":  k.RiskExposureEUR,
	}
}

// Flagged reports whether the fraud gate routes tx to manual review.
func Flagged(tx Transaction, threshold float64) bool {
	return tx.FraudProbability >= threshold
}

// EvaluateFraud applies the fraud gate at threshold. Risk exposure is the
// amount of true fraud that is not flagged.
func EvaluateFraud(p *Population, threshold float64) (FraudKPIs, error) {
	if err := checkThreshold("fraud threshold", threshold); err != nil {
		return FraudKPIs{}, err
	}
	if err := checkPopulation(p); err != nil {
		return FraudKPIs{}, err
	}

	flagged := 0
	exposure := 0.0
	for _, tx := range p.txs {
		if Flagged(tx, threshold) {
			flagged++
			continue
		}
		if tx.IsTrueFraud {
			exposure += tx.Amount
		}
	}

	return FraudKPIs{
		ManualReviewRate: percent(flagged, len(p.txs)),
		RiskExposureEUR:  exposure,
	}, nil
}

// ConfusionMatrix scores a gate's flags against the ground-truth label.
type ConfusionMatrix struct {
	TruePositives  int     `json:"truePositives"`  // fraud flagged
	FalsePositives int     `json:"falsePositives"` // legitimate flagged
	TrueNegatives  int     `json:"trueNegatives"`
	FalseNegatives int     `json:"falseNegatives"` // fraud missed
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

// Add records one classified row.
func (m *ConfusionMatrix) Add(flagged, fraud bool) {
	switch {
	case flagged && fraud:
		m.TruePositives++
	case flagged:
		m.FalsePositives++
	case fraud:
		m.FalseNegatives++
	default:
		m.TrueNegatives++
	}
}

// Merge adds the counts of o into m.
func (m *ConfusionMatrix) Merge(o ConfusionMatrix) {
	m.TruePositives += o.TruePositives
	m.FalsePositives += o.FalsePositives
	m.TrueNegatives += o.TrueNegatives
	m.FalseNegatives += o.FalseNegatives
}

// Finalize derives precision, recall and F1 from the counts.
// Ratios with a zero denominator are reported as 0.
func (m *ConfusionMatrix) Finalize() {
	m.Precision = ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	m.Recall = ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	} else {
		m.F1 = 0
	}
}

// Confusion scores the fraud gate at threshold against is_true_fraud.
func Confusion(p *Population, threshold float64) (ConfusionMatrix, error) {
	if err := checkThreshold("fraud threshold", threshold); err != nil {
		return ConfusionMatrix{}, err
	}
	if err := checkPopulation(p); err != nil {
		return ConfusionMatrix{}, err
	}

	var m ConfusionMatrix
	for _, tx := range p.txs {
		m.Add(Flagged(tx, threshold), tx.IsTrueFraud)
	}
	m.Finalize()
	return m, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
