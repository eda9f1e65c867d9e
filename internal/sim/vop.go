package sim

import (
	"slices"

	"gonum.org/v1/gonum/stat"
)

// VerificationPenalty is the extra latency in seconds paid by a transaction
// that does not clear VoP automatically and goes through extra verification.
const VerificationPenalty = 1.20

// latencyQuantile is the percentile reported as latency p95.
const latencyQuantile = 0.95

// VoPKPIs are the outcomes of the payee verification gate.
type VoPKPIs struct {
	ConversionRate float64 `json:"conversionRate"` // percent, 0-100
	LatencyP95     float64 `json:"latencyP95"`     // seconds
}

// Map returns the KPIs keyed by their snake_case names.
func (k VoPKPIs) Map() map[string]float64 {
	return map[string]float64{
		"conversion_rate": k.ConversionRate,
		"latency_p95":     k.LatencyP95,
	}
}

// PassesVoP reports whether a transaction clears the gate at threshold.
func PassesVoP(tx Transaction, threshold float64) bool {
	return tx.IdentityMatchScore >= threshold
}

// EffectiveLatency is base latency plus the verification penalty when the
// transaction does not clear the gate.
func EffectiveLatency(tx Transaction, threshold float64) float64 {
	if PassesVoP(tx, threshold) {
		return tx.BaseLatency
	}
	return tx.BaseLatency + VerificationPenalty
}

// EvaluateVoP applies the VoP gate at threshold. A higher threshold is
// stricter: conversion never rises and p95 latency never falls.
func EvaluateVoP(p *Population, threshold float64) (VoPKPIs, error) {
	if err := checkThreshold("vop threshold", threshold); err != nil {
		return VoPKPIs{}, err
	}
	if err := checkPopulation(p); err != nil {
		return VoPKPIs{}, err
	}

	latencies := make([]float64, len(p.txs))
	passed := 0
	for i, tx := range p.txs {
		if PassesVoP(tx, threshold) {
			passed++
		}
		latencies[i] = EffectiveLatency(tx, threshold)
	}

	return VoPKPIs{
		ConversionRate: percent(passed, len(p.txs)),
		LatencyP95:     p95(latencies),
	}, nil
}

// p95 sorts values in place and returns the empirical 95th percentile.
func p95(values []float64) float64 {
	slices.Sort(values)
	return stat.Quantile(latencyQuantile, stat.Empirical, values, nil)
}

func percent(part, total int) float64 {
	return 100 * float64(part) / float64(total)
}
