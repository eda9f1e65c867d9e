package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/ipsim/internal/sim"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestGenerate(t *testing.T) {
	t.Run("Summary", func(t *testing.T) {
		out, err := execute(t, "generate", "--n", "500", "--seed", "7")
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}

		var summary sim.Summary
		if err := json.Unmarshal([]byte(out), &summary); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, out)
		}
		if summary.N != 500 || summary.Seed != 7 {
			t.Errorf("unexpected summary: %+v", summary)
		}
	})

	t.Run("Rows", func(t *testing.T) {
		out, err := execute(t, "generate", "--n", "50", "--format", "csv")
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) != 51 {
			t.Errorf("expected header and 50 rows, got %d lines", len(lines))
		}
		if !strings.HasPrefix(lines[0], "transaction_id,amount,") {
			t.Errorf("unexpected header: %s", lines[0])
		}
	})

	t.Run("InvalidSize", func(t *testing.T) {
		if _, err := execute(t, "generate", "--n", "0"); err == nil {
			t.Error("expected error for n=0")
		}
	})
}

func TestEvaluate(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		out, err := execute(t, "evaluate", "--n", "2000", "--seed", "42", "--vop", "0.75", "--fraud", "0.4", "--format", "json")
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}

		var got evaluation
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}

		pop, _ := sim.Generate(2000, 42)
		want, _ := sim.Evaluate(pop, 0.75, 0.4)
		if got.Snapshot != want {
			t.Errorf("expected %+v, got %+v", want, got.Snapshot)
		}
	})

	t.Run("Table", func(t *testing.T) {
		out, err := execute(t, "evaluate", "--n", "2000")
		if err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
		for _, want := range []string{"Conversion rate", "Risk exposure", "(TP, FN)", sim.ModelVersion} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in output:\n%s", want, out)
			}
		}
	})

	t.Run("InvalidThreshold", func(t *testing.T) {
		if _, err := execute(t, "evaluate", "--n", "100", "--vop", "1.5"); err == nil {
			t.Error("expected error for threshold above 1")
		}
	})

	t.Run("UnsupportedFormat", func(t *testing.T) {
		if _, err := execute(t, "evaluate", "--n", "100", "--format", "xml"); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}

func TestScan(t *testing.T) {
	t.Run("VoPDefaultGrid", func(t *testing.T) {
		out, err := execute(t, "scan", "vop", "--n", "2000")
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) != len(sim.DefaultVoPGrid())+1 {
			t.Fatalf("expected %d lines, got %d", len(sim.DefaultVoPGrid())+1, len(lines))
		}
		if lines[0] != "vop_threshold,conversion_rate,latency_p95" {
			t.Errorf("unexpected header: %s", lines[0])
		}
	})

	t.Run("FraudCustomGridJSON", func(t *testing.T) {
		out, err := execute(t, "scan", "fraud", "--n", "2000", "--grid", "0.3,0.6", "--format", "json")
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}

		var curve []sim.FraudPoint
		if err := json.Unmarshal([]byte(out), &curve); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if len(curve) != 2 || curve[0].Threshold != 0.3 || curve[1].Threshold != 0.6 {
			t.Errorf("unexpected curve: %+v", curve)
		}
	})

	t.Run("InvalidGrid", func(t *testing.T) {
		if _, err := execute(t, "scan", "fraud", "--n", "100", "--grid", "0.6,0.3"); err == nil {
			t.Error("expected error for descending grid")
		}
	})

	t.Run("OutFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fraud.csv")

		out, err := execute(t, "scan", "fraud", "--n", "1000", "--out", path)
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if out != "" {
			t.Errorf("expected nothing on stdout, got %q", out)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read output: %v", err)
		}
		if !strings.HasPrefix(string(data), "fraud_threshold,") {
			t.Errorf("unexpected file content: %s", data)
		}
	})
}

func TestLoad(t *testing.T) {
	var evaluations atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/presets":
			json.NewEncoder(w).Encode(presets{
				PresetSizes: []int{5000},
				VoPRange:    [2]float64{0.5, 0.95},
				FraudRange:  [2]float64{0.2, 0.9},
			})
		case "/evaluate":
			var req evaluateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if req.N != 5000 || req.VoPThreshold < 0.5 || req.VoPThreshold > 0.95 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			evaluations.Add(1)
			w.Write([]byte(`{"runId":"x","result":{}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "load", "--url", srv.URL, "--requests", "20", "--workers", "3")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if evaluations.Load() != 20 {
		t.Errorf("expected 20 evaluations, got %d", evaluations.Load())
	}
	if !strings.Contains(out, "Processed:   20") || !strings.Contains(out, "Errors:      0") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "Latency p95") {
		t.Errorf("expected latency percentiles in output:\n%s", out)
	}

	t.Run("Unreachable", func(t *testing.T) {
		if _, err := execute(t, "load", "--url", "http://127.0.0.1:1", "--requests", "1"); err == nil {
			t.Error("expected error for unreachable server")
		}
	})
}

func TestSnap(t *testing.T) {
	rng := [2]float64{0.5, 0.95}
	for _, u := range []float64{0, 0.1, 0.5, 0.999} {
		v := snap(rng, u)
		if v < 0.5 || v > 0.95 {
			t.Errorf("snap(%v) = %v outside range", u, v)
		}
	}
	if got := snap(rng, 0); got != 0.5 {
		t.Errorf("expected 0.5, got %v", got)
	}
}
