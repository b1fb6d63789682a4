package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a Hamiltonian term file and print index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("hamiltonian")
			search, _ := cmd.Flags().GetString("cycle-search")
			terms, err := hamiltonian.LoadFile(path)
			if err != nil {
				return err
			}
			idx, err := hamiltonian.Build(terms, hamiltonian.Options{
				CycleSearch: hamiltonian.CyclePolicy(search),
			})
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				byLen := map[int]int{}
				for _, l := range idx.Cycles().Lengths() {
					byLen[l] = len(idx.Cycles().OfLength(l))
				}
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"qubits":            idx.NumQubits(),
					"diagonal_terms":    idx.NumDiag(),
					"offdiagonal_terms": idx.NumOffDiag(),
					"cycles":            idx.Cycles().Count(),
					"cycles_by_length":  byLen,
					"fingerprint":       idx.SHA256(),
				})
			}
			fmt.Printf("qubits:             %d\n", idx.NumQubits())
			fmt.Printf("diagonal terms:     %d\n", idx.NumDiag())
			fmt.Printf("off-diagonal terms: %d\n", idx.NumOffDiag())
			fmt.Printf("cycles (%s): %d\n", search, idx.Cycles().Count())
			for _, l := range idx.Cycles().Lengths() {
				fmt.Printf("  length %d: %d\n", l, len(idx.Cycles().OfLength(l)))
			}
			fmt.Printf("fingerprint: %s\n", idx.SHA256())
			return nil
		},
	}
	cmd.Flags().String("hamiltonian", "", "Path to YAML Hamiltonian term file (required)")
	cmd.Flags().String("cycle-search", string(hamiltonian.CycleExhaustive), "Cycle search policy: exhaustive or restrictive")
	cmd.MarkFlagRequired("hamiltonian")
	return cmd
}
