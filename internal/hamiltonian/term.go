// Package hamiltonian builds the immutable term index and cycle tables used
// by the Monte Carlo update engine. A Hamiltonian is supplied as a list of
// permutation terms: each term carries a real coefficient, a flip mask (the
// qubits whose basis bits the term permutes) and a sign mask (the qubits that
// contribute a -1 phase when set). A term with an empty flip mask is diagonal.
package hamiltonian

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// ErrMalformedHamiltonian is returned by Build when the supplied term list is
// inconsistent or violates the Hermiticity requirements of the sampler.
var ErrMalformedHamiltonian = errors.New("malformed hamiltonian")

// Term is one contributor to the Hamiltonian.
//
// Flip == 0 marks a diagonal term: it contributes Coeff * (-1)^popcount(z&Sign)
// to the diagonal energy of basis state z. Flip != 0 marks an off-diagonal
// permutation term acting as P|z> = phi(z) |z XOR Flip| with
// phi(z) = (-1)^popcount(z&Sign).
type Term struct {
	Coeff float64
	Flip  uint64
	Sign  uint64
}

// Diagonal reports whether the term is a pure energy contribution.
func (t Term) Diagonal() bool { return t.Flip == 0 }

// Phase returns the sign contributed when the term is applied to state z:
// +1 or -1.
func (t Term) Phase(z uint64) float64 {
	if bits.OnesCount64(z&t.Sign)%2 == 1 {
		return -1
	}
	return 1
}

func (t Term) validate() error {
	if t.Coeff == 0 || math.IsNaN(t.Coeff) || math.IsInf(t.Coeff, 0) {
		return fmt.Errorf("%w: term has non-finite or zero coefficient %v", ErrMalformedHamiltonian, t.Coeff)
	}
	if !t.Diagonal() && bits.OnesCount64(t.Flip&t.Sign)%2 == 1 {
		// A real-coefficient permutation term is Hermitian only when the
		// number of qubits carrying both a flip and a sign is even.
		return fmt.Errorf("%w: off-diagonal term (flip=%#x sign=%#x) is not Hermitian", ErrMalformedHamiltonian, t.Flip, t.Sign)
	}
	return nil
}
