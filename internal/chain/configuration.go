// Package chain holds the live Markov-chain state: an ordered sequence of
// off-diagonal operator references separated by imaginary-time gaps, plus the
// cached partial weights that make move evaluation incremental. The total
// weight is kept in log space as an off-diagonal product part and a diagonal
// integral part; moves are evaluated dry-run first and applied only on
// acceptance, so a rejection never touches state.
package chain

import (
	"errors"
	"fmt"
	"math"

	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
)

// ErrCapacityExceeded signals that a move would grow the operator sequence
// past the configured maximum. The update engine consumes it as a rejection;
// it is never surfaced to callers as a fatal error.
var ErrCapacityExceeded = errors.New("sequence capacity exceeded")

// Configuration is one term of the series expansion of the imaginary-time
// propagator: a basis state, q operator references and q+1 gaps summing to
// beta. The net flip mask of the operator sequence is always zero (the basis
// state is periodic in imaginary time).
type Configuration struct {
	ham  *hamiltonian.Index
	beta float64
	qmax int

	state  uint64
	ops    []int
	gaps   []float64
	states []uint64 // states[k] is the basis state during gaps[k]

	// Cached partials, always consistent with Recompute().
	diagIntegral float64 // sum_k gaps[k] * E(states[k])
	logAbsProd   float64 // sum_k log|c_{ops[k]}|
	sign         float64 // sign of the full off-diagonal product
}

// New creates an empty configuration (no operators) on the given basis state.
func New(ham *hamiltonian.Index, beta float64, qmax int, state uint64) *Configuration {
	c := &Configuration{
		ham:    ham,
		beta:   beta,
		qmax:   qmax,
		state:  state,
		gaps:   []float64{beta},
		states: []uint64{state},
		sign:   1,
	}
	c.diagIntegral = beta * ham.DiagonalEnergy(state)
	return c
}

// Delta is the multiplicative weight change of a proposed move: exp(LogW) is
// the ratio |W'|/|W| and SignFlip the change in sign(W).
type Delta struct {
	LogW     float64
	SignFlip float64

	dDiag    float64
	dLogProd float64
}

// Beta returns the total imaginary-time extent.
func (c *Configuration) Beta() float64 { return c.beta }

// OpCount returns the current sequence length q.
func (c *Configuration) OpCount() int { return len(c.ops) }

// Qmax returns the configured maximum sequence length.
func (c *Configuration) Qmax() int { return c.qmax }

// State returns the basis state at imaginary time zero.
func (c *Configuration) State() uint64 { return c.state }

// Op returns the term index at sequence position k.
func (c *Configuration) Op(k int) int { return c.ops[k] }

// Gap returns the gap length at position k (0 <= k <= q).
func (c *Configuration) Gap(k int) float64 { return c.gaps[k] }

// LogAbsWeight returns log|W| of the current configuration.
func (c *Configuration) LogAbsWeight() float64 { return c.logAbsProd - c.diagIntegral }

// Sign returns sign(W), +1 or -1.
func (c *Configuration) Sign() float64 { return c.sign }

// DiagIntegral returns sum_k gaps[k]*E(states[k]), the imaginary-time
// integral of the diagonal energy.
func (c *Configuration) DiagIntegral() float64 { return c.diagIntegral }

// EachSegment calls f for every constant-state segment of the imaginary-time
// interval, in order.
func (c *Configuration) EachSegment(f func(z uint64, dur float64)) {
	for k, g := range c.gaps {
		f(c.states[k], g)
	}
}

// StateAtTime returns the basis state at imaginary time t in [0, beta].
func (c *Configuration) StateAtTime(t float64) uint64 {
	acc := 0.0
	for k, g := range c.gaps {
		acc += g
		if t < acc {
			return c.states[k]
		}
	}
	return c.states[len(c.states)-1]
}

// OpTimes returns the imaginary time of each operator, ascending.
func (c *Configuration) OpTimes() []float64 {
	times := make([]float64, len(c.ops))
	acc := 0.0
	for k := range c.ops {
		acc += c.gaps[k]
		times[k] = acc
	}
	return times
}

// EvalInsertBlock evaluates inserting the given closed term block into gap g
// at the sorted offsets points (each in [0, gaps[g]]). It returns
// ErrCapacityExceeded when the sequence bound would be violated.
func (c *Configuration) EvalInsertBlock(g int, terms []int, points []float64) (Delta, error) {
	L := len(terms)
	if len(c.ops)+L > c.qmax {
		return Delta{}, ErrCapacityExceeded
	}
	if len(points) != L {
		return Delta{}, fmt.Errorf("block of %d terms with %d points", L, len(points))
	}
	var mask uint64
	for _, t := range terms {
		mask ^= c.ham.OffTerm(t).Flip
	}
	if mask != 0 {
		return Delta{}, fmt.Errorf("block does not close: net flip mask %#x", mask)
	}

	d := Delta{SignFlip: 1}
	s := c.states[g]
	e0 := c.ham.DiagonalEnergy(s)
	prev := s
	for j, t := range terms {
		term := c.ham.OffTerm(t)
		d.dLogProd += math.Log(math.Abs(term.Coeff))
		if -term.Coeff*term.Phase(prev) < 0 {
			d.SignFlip = -d.SignFlip
		}
		prev ^= term.Flip
		// Segment following operator j, while the state is prev.
		var dur float64
		if j < L-1 {
			dur = points[j+1] - points[j]
		} else {
			dur = c.gaps[g] - points[L-1]
		}
		d.dDiag += dur * (c.ham.DiagonalEnergy(prev) - e0)
	}
	d.LogW = d.dLogProd - d.dDiag
	return d, nil
}

// ApplyInsertBlock commits a previously evaluated block insertion.
func (c *Configuration) ApplyInsertBlock(g int, terms []int, points []float64, d Delta) {
	L := len(terms)
	newGaps := make([]float64, 0, L+1)
	newStates := make([]uint64, 0, L)
	prevPoint := 0.0
	s := c.states[g]
	for j := 0; j < L; j++ {
		newGaps = append(newGaps, points[j]-prevPoint)
		prevPoint = points[j]
		s ^= c.ham.OffTerm(terms[j]).Flip
		newStates = append(newStates, s)
	}
	newGaps = append(newGaps, c.gaps[g]-prevPoint)

	c.ops = splice(c.ops, g, 0, terms...)
	c.gaps = splice(c.gaps, g, 1, newGaps...)
	c.states = splice(c.states, g+1, 0, newStates...)

	c.diagIntegral += d.dDiag
	c.logAbsProd += d.dLogProd
	c.sign *= d.SignFlip
}

// EvalRemoveBlock evaluates removing the L operators at positions
// [start, start+L). The block must close (net flip mask zero).
func (c *Configuration) EvalRemoveBlock(start, L int) (Delta, error) {
	if start < 0 || start+L > len(c.ops) {
		return Delta{}, fmt.Errorf("block [%d,%d) out of range q=%d", start, start+L, len(c.ops))
	}
	var mask uint64
	for k := start; k < start+L; k++ {
		mask ^= c.ham.OffTerm(c.ops[k]).Flip
	}
	if mask != 0 {
		return Delta{}, fmt.Errorf("block does not close: net flip mask %#x", mask)
	}

	d := Delta{SignFlip: 1}
	e0 := c.ham.DiagonalEnergy(c.states[start])
	for k := start; k < start+L; k++ {
		term := c.ham.OffTerm(c.ops[k])
		d.dLogProd -= math.Log(math.Abs(term.Coeff))
		if -term.Coeff*term.Phase(c.states[k]) < 0 {
			d.SignFlip = -d.SignFlip
		}
		d.dDiag += c.gaps[k+1] * (e0 - c.ham.DiagonalEnergy(c.states[k+1]))
	}
	d.LogW = d.dLogProd - d.dDiag
	return d, nil
}

// ApplyRemoveBlock commits a previously evaluated block removal.
func (c *Configuration) ApplyRemoveBlock(start, L int, d Delta) {
	merged := 0.0
	for k := start; k <= start+L; k++ {
		merged += c.gaps[k]
	}
	c.ops = splice(c.ops, start, L)
	c.gaps = splice(c.gaps, start, L+1, merged)
	c.states = splice(c.states, start+1, L)

	c.diagIntegral += d.dDiag
	c.logAbsProd += d.dLogProd
	c.sign *= d.SignFlip
}

// EvalShiftGap evaluates moving the boundary between gaps k and k+1 so that
// gap k has length u (the pair's total length is preserved).
func (c *Configuration) EvalShiftGap(k int, u float64) Delta {
	dDiag := (u - c.gaps[k]) * (c.ham.DiagonalEnergy(c.states[k]) - c.ham.DiagonalEnergy(c.states[k+1]))
	return Delta{LogW: -dDiag, SignFlip: 1, dDiag: dDiag}
}

// ApplyShiftGap commits a gap shift.
func (c *Configuration) ApplyShiftGap(k int, u float64, d Delta) {
	total := c.gaps[k] + c.gaps[k+1]
	c.gaps[k] = u
	c.gaps[k+1] = total - u
	c.diagIntegral += d.dDiag
}

// EvalFlipSpin evaluates flipping qubit bit in the basis state at every
// imaginary time (the whole trajectory shifts by one spin flip).
func (c *Configuration) EvalFlipSpin(bit int) Delta {
	m := uint64(1) << uint(bit)
	d := Delta{SignFlip: 1}
	for k, g := range c.gaps {
		d.dDiag += g * (c.ham.DiagonalEnergy(c.states[k]^m) - c.ham.DiagonalEnergy(c.states[k]))
	}
	for _, op := range c.ops {
		if c.ham.OffTerm(op).Sign&m != 0 {
			d.SignFlip = -d.SignFlip
		}
	}
	d.LogW = -d.dDiag
	return d
}

// ApplyFlipSpin commits a spin flip.
func (c *Configuration) ApplyFlipSpin(bit int, d Delta) {
	m := uint64(1) << uint(bit)
	c.state ^= m
	for k := range c.states {
		c.states[k] ^= m
	}
	c.diagIntegral += d.dDiag
	c.sign *= d.SignFlip
}

// Recompute rebuilds every cached partial from the raw sequence. Used after
// restore and by the numeric-instability watchdog.
func (c *Configuration) Recompute() {
	diag, logProd, sign := c.recomputed()
	c.diagIntegral = diag
	c.logAbsProd = logProd
	c.sign = sign
}

// Drift returns the relative divergence between the cached partials and a
// from-scratch recomputation. A sign mismatch reports as 1.
func (c *Configuration) Drift() float64 {
	diag, logProd, sign := c.recomputed()
	if sign != c.sign {
		return 1
	}
	dd := math.Abs(diag-c.diagIntegral) / (1 + math.Abs(diag))
	dp := math.Abs(logProd-c.logAbsProd) / (1 + math.Abs(logProd))
	return math.Max(dd, dp)
}

func (c *Configuration) recomputed() (diag, logProd, sign float64) {
	sign = 1
	s := c.state
	for k, op := range c.ops {
		diag += c.gaps[k] * c.ham.DiagonalEnergy(s)
		term := c.ham.OffTerm(op)
		logProd += math.Log(math.Abs(term.Coeff))
		if -term.Coeff*term.Phase(s) < 0 {
			sign = -sign
		}
		s ^= term.Flip
	}
	diag += c.gaps[len(c.gaps)-1] * c.ham.DiagonalEnergy(s)
	return diag, logProd, sign
}

// Snapshot is the serializable form of a configuration.
type Snapshot struct {
	State uint64    `json:"state"`
	Ops   []int     `json:"ops"`
	Gaps  []float64 `json:"gaps"`
}

// Snapshot exports the raw sequence (caches are rebuilt on restore).
func (c *Configuration) Snapshot() Snapshot {
	return Snapshot{
		State: c.state,
		Ops:   append([]int(nil), c.ops...),
		Gaps:  append([]float64(nil), c.gaps...),
	}
}

// Restore validates a snapshot against the index and run parameters and
// rebuilds the configuration, including all cached partials.
func Restore(ham *hamiltonian.Index, beta float64, qmax int, snap Snapshot) (*Configuration, error) {
	q := len(snap.Ops)
	if q > qmax {
		return nil, fmt.Errorf("snapshot sequence length %d exceeds qmax %d", q, qmax)
	}
	if len(snap.Gaps) != q+1 {
		return nil, fmt.Errorf("snapshot has %d gaps for %d operators", len(snap.Gaps), q)
	}
	var sum float64
	var mask uint64
	for _, g := range snap.Gaps {
		if g < 0 || math.IsNaN(g) {
			return nil, fmt.Errorf("snapshot gap %v is invalid", g)
		}
		sum += g
	}
	if math.Abs(sum-beta) > 1e-9*(1+beta) {
		return nil, fmt.Errorf("snapshot gaps sum to %v, want beta %v", sum, beta)
	}
	for _, op := range snap.Ops {
		if op < 0 || op >= ham.NumOffDiag() {
			return nil, fmt.Errorf("snapshot references unknown term %d", op)
		}
		mask ^= ham.OffTerm(op).Flip
	}
	if mask != 0 {
		return nil, fmt.Errorf("snapshot sequence does not close: net flip mask %#x", mask)
	}

	c := &Configuration{
		ham:   ham,
		beta:  beta,
		qmax:  qmax,
		state: snap.State,
		ops:   append([]int(nil), snap.Ops...),
		gaps:  append([]float64(nil), snap.Gaps...),
	}
	c.states = make([]uint64, q+1)
	s := snap.State
	c.states[0] = s
	for k, op := range c.ops {
		s ^= ham.OffTerm(op).Flip
		c.states[k+1] = s
	}
	c.Recompute()
	return c, nil
}

// Equal reports whether two configurations hold bit-identical sequences.
func (c *Configuration) Equal(o *Configuration) bool {
	if c.state != o.state || len(c.ops) != len(o.ops) {
		return false
	}
	for k := range c.ops {
		if c.ops[k] != o.ops[k] {
			return false
		}
	}
	for k := range c.gaps {
		if c.gaps[k] != o.gaps[k] {
			return false
		}
	}
	return true
}

// Clone returns an independent deep copy.
func (c *Configuration) Clone() *Configuration {
	cp := *c
	cp.ops = append([]int(nil), c.ops...)
	cp.gaps = append([]float64(nil), c.gaps...)
	cp.states = append([]uint64(nil), c.states...)
	return &cp
}

// splice removes del elements of s at position i and inserts ins there.
func splice[T any](s []T, i, del int, ins ...T) []T {
	out := make([]T, 0, len(s)-del+len(ins))
	out = append(out, s[:i]...)
	out = append(out, ins...)
	out = append(out, s[i+del:]...)
	return out
}
