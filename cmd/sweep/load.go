package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

// presets is the subset of GET /presets the load driver needs.
type presets struct {
	PresetSizes []int      `json:"presetSizes"`
	VoPRange    [2]float64 `json:"vopRange"`
	FraudRange  [2]float64 `json:"fraudRange"`
}

type evaluateRequest struct {
	N              int     `json:"n"`
	Seed           int64   `json:"seed"`
	VoPThreshold   float64 `json:"vopThreshold"`
	FraudThreshold float64 `json:"fraudThreshold"`
}

// loadResults tracks a load run.
type loadResults struct {
	processed atomic.Int64
	errors    atomic.Int64

	mu        sync.Mutex
	latencies []float64 // milliseconds
}

func (r *loadResults) observe(d time.Duration, err error) {
	r.processed.Add(1)
	if err != nil {
		r.errors.Add(1)
		return
	}
	r.mu.Lock()
	r.latencies = append(r.latencies, float64(d.Microseconds())/1000)
	r.mu.Unlock()
}

func loadCmd() *cobra.Command {
	var (
		baseURL  string
		requests int
		workers  int
		seeds    int
		seed     uint64
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Drive a running ipsim server with random dashboard settings",
		Long: `Send POST /evaluate requests with settings drawn from the server's
presets and report throughput and latency percentiles. Thresholds snap
to a 0.05 grid and seeds come from a small pool, so the server's caches
see realistic reuse.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if requests <= 0 || workers <= 0 || seeds <= 0 {
				return fmt.Errorf("requests, workers and seeds must be positive")
			}

			client := &http.Client{Timeout: 30 * time.Second}
			out := cmd.OutOrStdout()

			p, err := fetchPresets(client, baseURL)
			if err != nil {
				return fmt.Errorf("ipsim not reachable at %s: %w", baseURL, err)
			}
			if len(p.PresetSizes) == 0 {
				return fmt.Errorf("server reported no preset sizes")
			}

			rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
			work := make(chan evaluateRequest, workers)
			results := &loadResults{}

			fmt.Fprintf(out, "Target:    %s\n", baseURL)
			fmt.Fprintf(out, "Requests:  %d\n", requests)
			fmt.Fprintf(out, "Workers:   %d\n", workers)

			start := time.Now()

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for req := range work {
						t0 := time.Now()
						err := postEvaluate(client, baseURL, req)
						results.observe(time.Since(t0), err)
						if err != nil && verbose {
							fmt.Fprintf(cmd.ErrOrStderr(), "ERROR: n=%d seed=%d -> %v\n", req.N, req.Seed, err)
						}
					}
				}()
			}

			for i := 0; i < requests; i++ {
				work <- evaluateRequest{
					N:              p.PresetSizes[rng.IntN(len(p.PresetSizes))],
					Seed:           int64(rng.IntN(seeds)),
					VoPThreshold:   snap(p.VoPRange, rng.Float64()),
					FraudThreshold: snap(p.FraudRange, rng.Float64()),
				}
			}
			close(work)
			wg.Wait()

			printLoadResults(out, results, time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "ipsim base URL")
	cmd.Flags().IntVar(&requests, "requests", 200, "Number of requests to send")
	cmd.Flags().IntVar(&workers, "workers", 8, "Concurrent clients")
	cmd.Flags().IntVar(&seeds, "seeds", 4, "Size of the seed pool")
	cmd.Flags().Uint64Var(&seed, "rand-seed", 1, "Seed for the request mix")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Print failed requests")
	return cmd
}

// snap maps u in [0,1) into rng and rounds to the 0.05 slider step.
func snap(rng [2]float64, u float64) float64 {
	v := rng[0] + u*(rng[1]-rng[0])
	return math.Round(v*20) / 20
}

func fetchPresets(client *http.Client, baseURL string) (*presets, error) {
	resp, err := client.Get(baseURL + "/presets")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /presets: status %d", resp.StatusCode)
	}

	var p presets
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func postEvaluate(client *http.Client, baseURL string, req evaluateRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resp, err := client.Post(baseURL+"/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func printLoadResults(w io.Writer, r *loadResults, elapsed time.Duration) {
	processed := r.processed.Load()
	failed := r.errors.Load()

	fmt.Fprintln(w, "\nResults")
	fmt.Fprintf(w, "   Processed:   %d\n", processed)
	fmt.Fprintf(w, "   Errors:      %d\n", failed)
	fmt.Fprintf(w, "   Duration:    %s\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 {
		fmt.Fprintf(w, "   Throughput:  %.1f req/s\n", float64(processed)/elapsed.Seconds())
	}

	r.mu.Lock()
	lat := slices.Clone(r.latencies)
	r.mu.Unlock()
	if len(lat) == 0 {
		return
	}

	slices.Sort(lat)
	fmt.Fprintf(w, "   Latency p50: %.1f ms\n", stat.Quantile(0.50, stat.Empirical, lat, nil))
	fmt.Fprintf(w, "   Latency p95: %.1f ms\n", stat.Quantile(0.95, stat.Empirical, lat, nil))
	fmt.Fprintf(w, "   Latency max: %.1f ms\n", lat[len(lat)-1])
}
