package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opensource-finance/ipsim/internal/export"
	"github.com/opensource-finance/ipsim/internal/sim"
	"github.com/spf13/cobra"
)

const (
	formatJSON  = "json"
	formatCSV   = "csv"
	formatTable = "table"
)

// populationFlags are shared by every command that generates a population.
type populationFlags struct {
	n       int
	seed    int64
	workers int
	format  string
	out     string
}

func (f *populationFlags) register(cmd *cobra.Command, defaultFormat string) {
	cmd.Flags().IntVar(&f.n, "n", 20000, "Number of synthetic transactions")
	cmd.Flags().Int64Var(&f.seed, "seed", 42, "Random seed")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Generator goroutines (0 = GOMAXPROCS)")
	cmd.Flags().StringVarP(&f.format, "format", "f", defaultFormat, "Output format")
	cmd.Flags().StringVarP(&f.out, "out", "o", "", "Write output to a file instead of stdout")
}

func (f *populationFlags) population() (*sim.Population, error) {
	return sim.Generator{Workers: f.workers}.Generate(f.n, f.seed)
}

// output runs write against --out or the command's stdout.
func (f *populationFlags) output(cmd *cobra.Command, write func(w io.Writer) error) error {
	if f.out == "" {
		return write(cmd.OutOrStdout())
	}

	file, err := os.Create(f.out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", f.out, err)
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", f.out)
	return nil
}

func (f *populationFlags) checkFormat(allowed ...string) error {
	for _, a := range allowed {
		if f.format == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported format %q (want %s)", f.format, strings.Join(allowed, ", "))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func generateCmd() *cobra.Command {
	var flags populationFlags

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a population and print its summary or rows",
		Long: `Generate a synthetic population. The json format prints summary
statistics; the csv format dumps every transaction.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.checkFormat(formatJSON, formatCSV); err != nil {
				return err
			}
			pop, err := flags.population()
			if err != nil {
				return err
			}

			return flags.output(cmd, func(w io.Writer) error {
				if flags.format == formatCSV {
					return export.WriteTransactionsCSV(w, pop)
				}
				summary, err := sim.Summarize(pop)
				if err != nil {
					return err
				}
				return writeJSON(w, summary)
			})
		},
	}

	flags.register(cmd, formatJSON)
	return cmd
}

// evaluation is the JSON shape of sweep evaluate.
type evaluation struct {
	sim.Snapshot
	Confusion sim.ConfusionMatrix `json:"confusion"`
}

func evaluateCmd() *cobra.Command {
	var flags populationFlags
	var vop, fraud float64

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Compute the KPI snapshot for one pair of thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.checkFormat(formatTable, formatJSON); err != nil {
				return err
			}
			pop, err := flags.population()
			if err != nil {
				return err
			}

			snap, err := sim.Evaluate(pop, vop, fraud)
			if err != nil {
				return err
			}
			confusion, err := sim.Confusion(pop, fraud)
			if err != nil {
				return err
			}

			return flags.output(cmd, func(w io.Writer) error {
				if flags.format == formatJSON {
					return writeJSON(w, evaluation{Snapshot: snap, Confusion: confusion})
				}
				printSnapshot(w, flags.n, flags.seed, snap, confusion)
				return nil
			})
		},
	}

	flags.register(cmd, formatTable)
	cmd.Flags().Float64Var(&vop, "vop", 0.80, "VoP identity match threshold")
	cmd.Flags().Float64Var(&fraud, "fraud", 0.50, "Fraud review threshold")
	return cmd
}

func printSnapshot(w io.Writer, n int, seed int64, snap sim.Snapshot, m sim.ConfusionMatrix) {
	fmt.Fprintf(w, "Population:  n=%d seed=%d model=%s\n", n, seed, sim.ModelVersion)
	fmt.Fprintf(w, "Thresholds:  vop=%.2f fraud=%.2f\n", snap.VoPThreshold, snap.FraudThreshold)

	fmt.Fprintln(w, "\nKPIs")
	fmt.Fprintf(w, "   Conversion rate:     %8.2f %%\n", snap.ConversionRate)
	fmt.Fprintf(w, "   Latency p95:         %8.3f s\n", snap.LatencyP95)
	fmt.Fprintf(w, "   Manual review rate:  %8.2f %%\n", snap.ManualReviewRate)
	fmt.Fprintf(w, "   Risk exposure:       %8.2f EUR\n", snap.RiskExposureEUR)

	fmt.Fprintln(w, "\nFraud gate vs ground truth")
	fmt.Fprintln(w, "                   Flagged    Passed")
	fmt.Fprintf(w, "   Fraud         %9d %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintf(w, "   Legitimate    %9d %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintf(w, "   Precision %.4f  Recall %.4f  F1 %.4f\n", m.Precision, m.Recall, m.F1)
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Build a threshold sensitivity curve",
	}

	cmd.AddCommand(scanGateCmd("vop", "VoP identity match threshold", sim.DefaultVoPGrid,
		func(w io.Writer, pop *sim.Population, grid []float64, format string) error {
			curve, err := sim.ScanVoP(pop, grid)
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(w, curve)
			}
			return export.WriteVoPCSV(w, curve)
		}))
	cmd.AddCommand(scanGateCmd("fraud", "fraud review threshold", sim.DefaultFraudGrid,
		func(w io.Writer, pop *sim.Population, grid []float64, format string) error {
			curve, err := sim.ScanFraud(pop, grid)
			if err != nil {
				return err
			}
			if format == formatJSON {
				return writeJSON(w, curve)
			}
			return export.WriteFraudCSV(w, curve)
		}))

	return cmd
}

type scanWriter func(w io.Writer, pop *sim.Population, grid []float64, format string) error

func scanGateCmd(gate, what string, defaultGrid func() []float64, write scanWriter) *cobra.Command {
	var flags populationFlags
	var grid []float64

	cmd := &cobra.Command{
		Use:   gate,
		Short: "Scan the " + what,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.checkFormat(formatCSV, formatJSON); err != nil {
				return err
			}
			if len(grid) == 0 {
				grid = defaultGrid()
			}
			if err := sim.ValidateGrid(grid); err != nil {
				return err
			}

			pop, err := flags.population()
			if err != nil {
				return err
			}

			return flags.output(cmd, func(w io.Writer) error {
				return write(w, pop, grid, flags.format)
			})
		},
	}

	flags.register(cmd, formatCSV)
	cmd.Flags().Float64SliceVar(&grid, "grid", nil, "Comma-separated ascending thresholds (default grid when omitted)")
	return cmd
}
