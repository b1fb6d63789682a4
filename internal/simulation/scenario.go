package simulation

import (
	"github.com/naezzell/advmeaPMRQMC/internal/config"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
)

// Scenario defines a complete simulation experiment.
type Scenario struct {
	Name  string
	Terms []hamiltonian.Term

	// Configure, when non-nil, mutates the default configuration before the
	// run (step counts, observables, seeding, and so on).
	Configure func(*config.Config)
}

// TwoSiteTerms is the canonical smoke-test Hamiltonian: one diagonal term
// (coefficient 1.0 on qubit 0) and one off-diagonal single-qubit flip
// (coefficient 0.5).
func TwoSiteTerms() []hamiltonian.Term {
	return []hamiltonian.Term{
		{Coeff: 1.0, Flip: 0, Sign: 1},
		{Coeff: 0.5, Flip: 1, Sign: 0},
	}
}
