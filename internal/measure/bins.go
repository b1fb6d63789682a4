package measure

import (
	"fmt"
	"math"
	"sort"

	"github.com/naezzell/advmeaPMRQMC/internal/chain"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
)

// Bin accumulates sign-weighted sums for one statistical bin.
type Bin struct {
	SumOS float64 `json:"sum_os"` // sum of observable * sign
	SumS  float64 `json:"sum_s"`  // sum of sign
	N     int     `json:"n"`
}

// Accumulator holds the fixed bins of one observable. Samples fill bins in
// order; a bin closes after SamplesPerBin samples. The final estimate is the
// mean over bin means with an inter-bin standard error, which absorbs
// autocorrelation that a naive sample variance would miss.
type Accumulator struct {
	Name          Observable `json:"name"`
	SamplesPerBin int        `json:"samples_per_bin"`
	Bins          []Bin      `json:"bins"`
	Cur           int        `json:"cur"`
}

// NewAccumulator creates an accumulator with nbins bins.
func NewAccumulator(name Observable, nbins, samplesPerBin int) *Accumulator {
	if samplesPerBin < 1 {
		samplesPerBin = 1
	}
	return &Accumulator{Name: name, SamplesPerBin: samplesPerBin, Bins: make([]Bin, nbins)}
}

// Add records one sign-weighted sample.
func (a *Accumulator) Add(value, sign float64) {
	if a.Bins[a.Cur].N >= a.SamplesPerBin && a.Cur+1 < len(a.Bins) {
		a.Cur++
	}
	b := &a.Bins[a.Cur]
	b.SumOS += value * sign
	b.SumS += sign
	b.N++
}

// Estimate is the finalized result for one observable.
type Estimate struct {
	Observable Observable `json:"observable"`
	Mean       float64    `json:"mean"`
	StdErr     float64    `json:"std_err"`
	Samples    int        `json:"samples"`
	Bins       int        `json:"bins"`
}

// Estimate finalizes the accumulator: the mean over non-empty bin means and
// the standard error from the inter-bin variance. Incomplete trailing bins
// still contribute as valid (smaller) samples.
func (a *Accumulator) Estimate() Estimate {
	var ratios []float64
	samples := 0
	for _, b := range a.Bins {
		if b.N == 0 || b.SumS == 0 {
			continue
		}
		ratios = append(ratios, b.SumOS/b.SumS)
		samples += b.N
	}
	est := Estimate{Observable: a.Name, Samples: samples, Bins: len(ratios)}
	if len(ratios) == 0 {
		est.Mean = math.NaN()
		return est
	}
	var mean float64
	for _, r := range ratios {
		mean += r
	}
	mean /= float64(len(ratios))
	est.Mean = mean
	if len(ratios) >= 2 {
		var ss float64
		for _, r := range ratios {
			ss += (r - mean) * (r - mean)
		}
		est.StdErr = math.Sqrt(ss / float64(len(ratios)*(len(ratios)-1)))
	}
	return est
}

// Merge adds another accumulator's bins into this one. Merging is
// commutative, so cross-replicate aggregation order is irrelevant.
func (a *Accumulator) Merge(o *Accumulator) error {
	if a.Name != o.Name || len(a.Bins) != len(o.Bins) {
		return fmt.Errorf("merging incompatible accumulators %s/%d and %s/%d",
			a.Name, len(a.Bins), o.Name, len(o.Bins))
	}
	for i := range a.Bins {
		a.Bins[i].SumOS += o.Bins[i].SumOS
		a.Bins[i].SumS += o.Bins[i].SumS
		a.Bins[i].N += o.Bins[i].N
	}
	return nil
}

// Set owns one accumulator per enabled observable plus the emergent
// diagnostics (mean sign is itself an observable; mean and max sequence
// length are tracked separately).
type Set struct {
	beta, tau float64
	abs       bool
	enabled   []Observable
	lookup    map[Observable]bool
	accs      map[Observable]*Accumulator

	SumQ int64 `json:"sum_q"`
	NumQ int64 `json:"num_q"`
	MaxQ int   `json:"max_q"`
}

// NewSet creates accumulators for the enabled observables.
func NewSet(enabled []Observable, nbins, samplesPerBin int, beta, tau float64, abs bool) *Set {
	s := &Set{
		beta: beta, tau: tau, abs: abs,
		enabled: append([]Observable(nil), enabled...),
		lookup:  make(map[Observable]bool, len(enabled)),
		accs:    make(map[Observable]*Accumulator, len(enabled)),
	}
	for _, o := range enabled {
		s.lookup[o] = true
		s.accs[o] = NewAccumulator(o, nbins, samplesPerBin)
	}
	return s
}

// Sample reads the configuration once and records one sample per enabled
// observable. It draws no random numbers.
func (s *Set) Sample(c *chain.Configuration, ham *hamiltonian.Index) {
	smp := takeSample(c, ham, s.lookup, s.beta, s.tau, s.abs)
	for _, o := range s.enabled {
		if o == ObsSign {
			s.accs[o].Add(smp.sign, 1)
			continue
		}
		s.accs[o].Add(smp.values[o], smp.sign)
	}
	q := c.OpCount()
	s.SumQ += int64(q)
	s.NumQ++
	if q > s.MaxQ {
		s.MaxQ = q
	}
}

// Estimates finalizes every enabled observable, in reporting order.
func (s *Set) Estimates() []Estimate {
	out := make([]Estimate, 0, len(s.enabled))
	for _, o := range s.enabled {
		out = append(out, s.accs[o].Estimate())
	}
	return out
}

// MeanQ returns the mean sequence length over all measurements.
func (s *Set) MeanQ() float64 {
	if s.NumQ == 0 {
		return 0
	}
	return float64(s.SumQ) / float64(s.NumQ)
}

// Merge folds another set's bins into this one (independent replicates,
// after both production phases have terminated).
func (s *Set) Merge(o *Set) error {
	if len(s.enabled) != len(o.enabled) {
		return fmt.Errorf("merging sets with %d and %d observables", len(s.enabled), len(o.enabled))
	}
	for _, obs := range s.enabled {
		other, ok := o.accs[obs]
		if !ok {
			return fmt.Errorf("merging sets: %s missing from other set", obs)
		}
		if err := s.accs[obs].Merge(other); err != nil {
			return err
		}
	}
	s.SumQ += o.SumQ
	s.NumQ += o.NumQ
	if o.MaxQ > s.MaxQ {
		s.MaxQ = o.MaxQ
	}
	return nil
}

// Snapshot is the serializable form of a Set.
type Snapshot struct {
	Enabled []Observable                `json:"enabled"`
	Accs    map[Observable]*Accumulator `json:"accumulators"`
	SumQ    int64                       `json:"sum_q"`
	NumQ    int64                       `json:"num_q"`
	MaxQ    int                         `json:"max_q"`
}

// Snapshot exports the set for checkpointing.
func (s *Set) Snapshot() Snapshot {
	accs := make(map[Observable]*Accumulator, len(s.accs))
	for o, a := range s.accs {
		cp := *a
		cp.Bins = append([]Bin(nil), a.Bins...)
		accs[o] = &cp
	}
	return Snapshot{
		Enabled: append([]Observable(nil), s.enabled...),
		Accs:    accs,
		SumQ:    s.SumQ, NumQ: s.NumQ, MaxQ: s.MaxQ,
	}
}

// RestoreSet rebuilds a Set from a snapshot.
func RestoreSet(snap Snapshot, beta, tau float64, abs bool) (*Set, error) {
	s := &Set{
		beta: beta, tau: tau, abs: abs,
		enabled: append([]Observable(nil), snap.Enabled...),
		lookup:  make(map[Observable]bool, len(snap.Enabled)),
		accs:    make(map[Observable]*Accumulator, len(snap.Enabled)),
		SumQ:    snap.SumQ, NumQ: snap.NumQ, MaxQ: snap.MaxQ,
	}
	for _, o := range snap.Enabled {
		a, ok := snap.Accs[o]
		if !ok {
			return nil, fmt.Errorf("snapshot missing accumulator for %s", o)
		}
		if !Known(o) {
			return nil, fmt.Errorf("snapshot has unknown observable %s", o)
		}
		s.lookup[o] = true
		cp := *a
		cp.Bins = append([]Bin(nil), a.Bins...)
		s.accs[o] = &cp
	}
	return s, nil
}

// BinCount returns the configured bin count (uniform across accumulators).
func (s *Set) BinCount() int {
	for _, a := range s.accs {
		return len(a.Bins)
	}
	return 0
}

// SortEstimates orders estimates by observable name, for stable output.
func SortEstimates(ests []Estimate) {
	sort.Slice(ests, func(i, j int) bool { return ests[i].Observable < ests[j].Observable })
}
