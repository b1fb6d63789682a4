package hamiltonian

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/bits"
	"sort"
)

// CyclePolicy selects how thoroughly Build searches for closed operator
// cycles. Exhaustive search finds every cycle up to MaxCycleLen and gives the
// update engine more moves to propose (better mixing) at a higher build cost;
// restrictive search keeps only length-2 cycles.
type CyclePolicy string

const (
	CycleExhaustive  CyclePolicy = "exhaustive"
	CycleRestrictive CyclePolicy = "restrictive"
)

// DefaultMaxCycleLen bounds the cycle length enumerated by exhaustive search.
const DefaultMaxCycleLen = 4

// Options configure index construction.
type Options struct {
	CycleSearch CyclePolicy
	MaxCycleLen int
}

// Index is the immutable, precomputed description of a decomposed
// Hamiltonian: its diagonal part, its off-diagonal permutation terms
// addressed by stable integer indices, and the cycle table used by
// cycle-completion updates.
type Index struct {
	numQubits int
	diag      []Term
	off       []Term
	cycles    *CycleTable
	sha       string
}

// Build validates the term list and constructs the index. Terms with equal
// flip and sign masks are coalesced by summing coefficients; a coalesced
// coefficient that cancels to zero drops the term.
func Build(terms []Term, opts Options) (*Index, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: no terms", ErrMalformedHamiltonian)
	}
	if opts.CycleSearch == "" {
		opts.CycleSearch = CycleExhaustive
	}
	if opts.CycleSearch != CycleExhaustive && opts.CycleSearch != CycleRestrictive {
		return nil, fmt.Errorf("%w: unknown cycle search policy %q", ErrMalformedHamiltonian, opts.CycleSearch)
	}
	if opts.MaxCycleLen == 0 {
		opts.MaxCycleLen = DefaultMaxCycleLen
	}
	if opts.MaxCycleLen < 2 {
		return nil, fmt.Errorf("%w: max cycle length %d below 2", ErrMalformedHamiltonian, opts.MaxCycleLen)
	}

	coalesced := coalesce(terms)
	idx := &Index{}
	for _, t := range coalesced {
		if err := t.validate(); err != nil {
			return nil, err
		}
		idx.numQubits = max(idx.numQubits, 64-bits.LeadingZeros64(t.Flip|t.Sign))
		if t.Diagonal() {
			idx.diag = append(idx.diag, t)
		} else {
			idx.off = append(idx.off, t)
		}
	}
	if idx.numQubits == 0 {
		idx.numQubits = 1
	}

	idx.cycles = buildCycles(idx.off, opts)
	idx.sha = fingerprint(coalesced)
	return idx, nil
}

// coalesce merges terms with identical masks, preserving first-seen order.
func coalesce(terms []Term) []Term {
	type key struct{ flip, sign uint64 }
	pos := make(map[key]int, len(terms))
	var out []Term
	for _, t := range terms {
		k := key{t.Flip, t.Sign}
		if i, ok := pos[k]; ok {
			out[i].Coeff += t.Coeff
			continue
		}
		pos[k] = len(out)
		out = append(out, t)
	}
	kept := out[:0]
	for _, t := range out {
		if t.Coeff != 0 {
			kept = append(kept, t)
		}
	}
	return kept
}

func fingerprint(terms []Term) string {
	sorted := append([]Term(nil), terms...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Flip != sorted[j].Flip {
			return sorted[i].Flip < sorted[j].Flip
		}
		return sorted[i].Sign < sorted[j].Sign
	})
	h := sha256.New()
	var buf [24]byte
	for _, t := range sorted {
		binary.LittleEndian.PutUint64(buf[0:8], t.Flip)
		binary.LittleEndian.PutUint64(buf[8:16], t.Sign)
		binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(t.Coeff))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NumQubits returns the number of qubits spanned by the term masks.
func (x *Index) NumQubits() int { return x.numQubits }

// NumOffDiag returns the number of off-diagonal permutation terms.
func (x *Index) NumOffDiag() int { return len(x.off) }

// NumDiag returns the number of diagonal terms.
func (x *Index) NumDiag() int { return len(x.diag) }

// OffTerm returns the off-diagonal term with the given stable index.
func (x *Index) OffTerm(i int) Term { return x.off[i] }

// DiagonalEnergy returns the diagonal energy of basis state z.
func (x *Index) DiagonalEnergy(z uint64) float64 {
	var e float64
	for _, t := range x.diag {
		e += t.Coeff * t.Phase(z)
	}
	return e
}

// DiagonalRange returns the minimum and maximum diagonal energy attainable by
// any basis state, bounded by the sum of absolute diagonal coefficients.
func (x *Index) DiagonalRange() (lo, hi float64) {
	var s float64
	for _, t := range x.diag {
		s += math.Abs(t.Coeff)
	}
	return -s, s
}

// Cycles returns the read-only cycle table.
func (x *Index) Cycles() *CycleTable { return x.cycles }

// SHA256 returns a stable fingerprint of the coalesced term list, used to
// validate checkpoints against the Hamiltonian that produced them.
func (x *Index) SHA256() string { return x.sha }
