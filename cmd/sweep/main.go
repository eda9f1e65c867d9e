// sweep runs the instant payments simulator from the command line: generate
// a population, evaluate thresholds, export sensitivity curves, or drive a
// running ipsim server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sweep",
		Short:         "sweep - What-if analysis for VoP and fraud thresholds",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(loadCmd())

	return rootCmd
}
