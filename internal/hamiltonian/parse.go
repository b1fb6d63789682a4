package hamiltonian

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// termSpec is the on-disk YAML form of a term. Masks are given as lists of
// qubit indices: flip lists the qubits the term permutes, sign the qubits
// contributing a -1 phase.
type termSpec struct {
	Coeff float64 `yaml:"coeff"`
	Flip  []int   `yaml:"flip,omitempty"`
	Sign  []int   `yaml:"sign,omitempty"`
}

type termFile struct {
	Terms []termSpec `yaml:"terms"`
}

// LoadFile reads a YAML term file and returns the term list, ready for Build.
func LoadFile(path string) ([]Term, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hamiltonian file: %w", err)
	}
	return ParseTerms(data)
}

// ParseTerms parses YAML term data.
func ParseTerms(data []byte) ([]Term, error) {
	var f termFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing terms: %v", ErrMalformedHamiltonian, err)
	}
	if len(f.Terms) == 0 {
		return nil, fmt.Errorf("%w: no terms in file", ErrMalformedHamiltonian)
	}
	terms := make([]Term, 0, len(f.Terms))
	for i, ts := range f.Terms {
		flip, err := maskFromQubits(ts.Flip)
		if err != nil {
			return nil, fmt.Errorf("%w: term %d flip: %v", ErrMalformedHamiltonian, i, err)
		}
		sign, err := maskFromQubits(ts.Sign)
		if err != nil {
			return nil, fmt.Errorf("%w: term %d sign: %v", ErrMalformedHamiltonian, i, err)
		}
		terms = append(terms, Term{Coeff: ts.Coeff, Flip: flip, Sign: sign})
	}
	return terms, nil
}

func maskFromQubits(qubits []int) (uint64, error) {
	var mask uint64
	for _, q := range qubits {
		if q < 0 || q > 63 {
			return 0, fmt.Errorf("qubit index %d out of range [0,63]", q)
		}
		mask |= 1 << uint(q)
	}
	return mask, nil
}
