package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pmrqmc",
		Short: "Permutation-operator quantum Monte Carlo for spin-1/2 Hamiltonians",
		Long: `pmrqmc estimates thermal and imaginary-time-propagated observables of an
arbitrary spin-1/2 Hamiltonian via a Markov-chain random walk over sequences
of permutation operators.

The Hamiltonian is supplied as a YAML list of permutation terms (coefficient,
flip mask, sign mask); estimates carry binning-analysis error bars.`,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for tooling consumption)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newResumeCmd(),
		newCheckCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]string{"version": version})
			} else {
				fmt.Printf("pmrqmc version %s\n", version)
			}
		},
	}
}
