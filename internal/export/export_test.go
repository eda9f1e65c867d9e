package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"

	"github.com/opensource-finance/ipsim/internal/policy"
	"github.com/opensource-finance/ipsim/internal/sim"
)

func TestWriteVoPCSV(t *testing.T) {
	curve := []sim.VoPPoint{
		{Threshold: 0.5, VoPKPIs: sim.VoPKPIs{ConversionRate: 97.125, LatencyP95: 1.23456}},
		{Threshold: 0.55, VoPKPIs: sim.VoPKPIs{ConversionRate: 95, LatencyP95: 1.5}},
	}

	var buf bytes.Buffer
	if err := WriteVoPCSV(&buf, curve); err != nil {
		t.Fatalf("WriteVoPCSV failed: %v", err)
	}

	want := "vop_threshold,conversion_rate,latency_p95\n" +
		"0.50,97.1250,1.2346\n" +
		"0.55,95.0000,1.5000\n"
	if buf.String() != want {
		t.Errorf("unexpected output:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestWriteFraudCSV(t *testing.T) {
	curve := []sim.FraudPoint{
		{Threshold: 0.2, FraudKPIs: sim.FraudKPIs{ManualReviewRate: 12.5, RiskExposureEUR: 0}},
		{Threshold: 0.8, FraudKPIs: sim.FraudKPIs{ManualReviewRate: 3.33333, RiskExposureEUR: 1234.565}},
	}

	var buf bytes.Buffer
	if err := WriteFraudCSV(&buf, curve); err != nil {
		t.Fatalf("WriteFraudCSV failed: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(records))
	}
	if strings.Join(records[0], ",") != "fraud_threshold,manual_review_rate,risk_exposure_eur" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if got := strings.Join(records[1], ","); got != "0.20,12.5000,0.00" {
		t.Errorf("unexpected first row: %s", got)
	}
	if records[2][0] != "0.80" || records[2][1] != "3.3333" {
		t.Errorf("unexpected second row: %v", records[2])
	}
}

func TestWritePolicyCSV(t *testing.T) {
	curve := []policy.PolicySnapshot{{
		PolicyID:       "gate",
		Threshold:      0.5,
		FlagRate:       25,
		MissedFraudEUR: 50,
		Confusion:      sim.ConfusionMatrix{Precision: 1, Recall: 0.5, F1: 2.0 / 3.0},
	}}

	var buf bytes.Buffer
	if err := WritePolicyCSV(&buf, curve); err != nil {
		t.Fatalf("WritePolicyCSV failed: %v", err)
	}

	want := "threshold,flag_rate,missed_fraud_eur,precision,recall,f1\n" +
		"0.50,25.0000,50.00,1.0000,0.5000,0.6667\n"
	if buf.String() != want {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}

func TestGeneratedCurve(t *testing.T) {
	pop, _ := sim.Generate(5000, 42)
	curve, _ := sim.ScanVoP(pop, sim.DefaultVoPGrid())

	var buf bytes.Buffer
	if err := WriteVoPCSV(&buf, curve); err != nil {
		t.Fatalf("WriteVoPCSV failed: %v", err)
	}

	records, _ := csv.NewReader(&buf).ReadAll()
	if len(records) != len(curve)+1 {
		t.Fatalf("expected %d records, got %d", len(curve)+1, len(records))
	}
	if records[1][0] != "0.50" || records[len(records)-1][0] != "0.90" {
		t.Errorf("unexpected threshold column: %s..%s", records[1][0], records[len(records)-1][0])
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteError(t *testing.T) {
	err := WriteFraudCSV(failingWriter{}, []sim.FraudPoint{{Threshold: 0.5}})
	if err == nil {
		t.Error("expected write error to propagate")
	}
}

func TestWriteTransactionsCSV(t *testing.T) {
	pop, err := sim.NewPopulation(1, []sim.Transaction{
		{ID: "tx-1", Amount: 12.5, IdentityMatchScore: 0.875, FraudProbability: 0.125, BaseLatency: 0.5, IsTrueFraud: false},
		{ID: "tx-2", Amount: 100, IdentityMatchScore: 0.25, FraudProbability: 0.95, BaseLatency: 1, IsTrueFraud: true},
	})
	if err != nil {
		t.Fatalf("NewPopulation failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteTransactionsCSV(&buf, pop); err != nil {
		t.Fatalf("WriteTransactionsCSV failed: %v", err)
	}

	want := "transaction_id,amount,identity_match_score,fraud_probability,base_latency,is_true_fraud\n" +
		"tx-1,12.50,0.875,0.125,0.5,false\n" +
		"tx-2,100.00,0.25,0.95,1,true\n"
	if buf.String() != want {
		t.Errorf("unexpected output:\n%s", buf.String())
	}
}
