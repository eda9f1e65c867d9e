// Package export writes sensitivity curves as delimited text.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/sim"
	"github.com/shopspring/decimal"
)

// Column headers.
var (
	VoPHeader    = []string{"vop_threshold", "conversion_rate", "latency_p95"}
	FraudHeader  = []string{"fraud_threshold", "manual_review_rate", "risk_exposure_eur"}
	PolicyHeader = []string{"threshold", "flag_rate", "missed_fraud_eur", "precision", "recall", "f1"}
)

// TransactionHeader is the column set of a population dump.
var TransactionHeader = []string{
	"transaction_id", "amount", "identity_match_score",
	"fraud_probability", "base_latency", "is_true_fraud",
}

// Column precisions.
const (
	thresholdPlaces = 2
	ratePlaces      = 4
	latencyPlaces   = 4
	eurPlaces       = 2
)

// WriteVoPCSV writes a VoP curve with a header row.
func WriteVoPCSV(w io.Writer, curve []sim.VoPPoint) error {
	rows := make([][]string, len(curve))
	for i, p := range curve {
		rows[i] = []string{
			fixed(p.Threshold, thresholdPlaces),
			fixed(p.ConversionRate, ratePlaces),
			fixed(p.LatencyP95, latencyPlaces),
		}
	}
	return write(w, VoPHeader, rows)
}

// WriteFraudCSV writes a fraud curve with a header row.
func WriteFraudCSV(w io.Writer, curve []sim.FraudPoint) error {
	rows := make([][]string, len(curve))
	for i, p := range curve {
		rows[i] = []string{
			fixed(p.Threshold, thresholdPlaces),
			fixed(p.ManualReviewRate, ratePlaces),
			fixed(p.RiskExposureEUR, eurPlaces),
		}
	}
	return write(w, FraudHeader, rows)
}

// WritePolicyCSV writes a custom policy curve with a header row.
func WritePolicyCSV(w io.Writer, curve []policy.PolicySnapshot) error {
	rows := make([][]string, len(curve))
	for i, p := range curve {
		rows[i] = []string{
			fixed(p.Threshold, thresholdPlaces),
			fixed(p.FlagRate, ratePlaces),
			fixed(p.MissedFraudEUR, eurPlaces),
			fixed(p.Confusion.Precision, ratePlaces),
			fixed(p.Confusion.Recall, ratePlaces),
			fixed(p.Confusion.F1, ratePlaces),
		}
	}
	return write(w, PolicyHeader, rows)
}

// WriteTransactionsCSV writes every row of p. Amounts keep cents; scores
// and latencies are written without rounding.
func WriteTransactionsCSV(w io.Writer, p *sim.Population) error {
	txs := p.Transactions()
	rows := make([][]string, len(txs))
	for i, tx := range txs {
		rows[i] = []string{
			tx.ID,
			fixed(tx.Amount, eurPlaces),
			exact(tx.IdentityMatchScore),
			exact(tx.FraudProbability),
			exact(tx.BaseLatency),
			strconv.FormatBool(tx.IsTrueFraud),
		}
	}
	return write(w, TransactionHeader, rows)
}

func write(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write csv rows: %w", err)
	}
	return nil
}

func exact(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// fixed rounds half away from zero to places decimals.
func fixed(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
