// Package measure samples observables from the chain configuration and
// aggregates them with binning analysis. Sampling is RNG-free by design:
// enabling or disabling an observable can never perturb the Markov chain.
package measure

import (
	"math"
	"math/bits"

	"github.com/naezzell/advmeaPMRQMC/internal/chain"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
)

// Observable names one tracked quantity.
type Observable string

const (
	ObsSign      Observable = "sign"
	ObsH         Observable = "h"
	ObsH2        Observable = "h2"
	ObsHDiag     Observable = "hdiag"
	ObsHDiag2    Observable = "hdiag2"
	ObsHOffdiag  Observable = "hoffdiag"
	ObsHOffdiag2 Observable = "hoffdiag2"
	ObsZMag      Observable = "zmag"

	// Time-displaced correlators at displacement tau, their integrals over
	// [0,tau] and their t-weighted integrals.
	ObsHDiagCorr    Observable = "hdiag_corr"
	ObsHDiagEInt    Observable = "hdiag_eint"
	ObsHDiagFInt    Observable = "hdiag_fint"
	ObsHOffdiagCorr Observable = "hoffdiag_corr"
	ObsHOffdiagEInt Observable = "hoffdiag_eint"
	ObsHOffdiagFInt Observable = "hoffdiag_fint"
)

// Standard returns every supported observable, in reporting order.
func Standard() []Observable {
	return []Observable{
		ObsSign, ObsH, ObsH2, ObsHDiag, ObsHDiag2, ObsHOffdiag, ObsHOffdiag2,
		ObsZMag, ObsHDiagCorr, ObsHDiagEInt, ObsHDiagFInt,
		ObsHOffdiagCorr, ObsHOffdiagEInt, ObsHOffdiagFInt,
	}
}

// Known reports whether name is a supported observable.
func Known(name Observable) bool {
	for _, o := range Standard() {
		if o == name {
			return true
		}
	}
	return false
}

// sample holds the per-configuration estimator values for one measurement.
type sample struct {
	values map[Observable]float64
	sign   float64
}

// takeSample evaluates every enabled estimator on the current configuration.
func takeSample(c *chain.Configuration, ham *hamiltonian.Index, enabled map[Observable]bool, beta, tau float64, abs bool) sample {
	s := c.Sign()
	if abs {
		s = 1
	}
	out := sample{values: make(map[Observable]float64, len(enabled)), sign: s}

	q := float64(c.OpCount())
	hdiag := c.DiagIntegral() / beta
	hoffdiag := -q / beta
	pairTerm := (q*q - q) / (beta * beta)

	put := func(o Observable, v float64) {
		if enabled[o] {
			out.values[o] = v
		}
	}
	put(ObsHDiag, hdiag)
	put(ObsHOffdiag, hoffdiag)
	put(ObsH, hdiag+hoffdiag)
	put(ObsHDiag2, hdiag*hdiag)
	put(ObsHOffdiag2, pairTerm)
	put(ObsH2, hdiag*hdiag+2*hdiag*hoffdiag+pairTerm)

	if enabled[ObsZMag] {
		nq := ham.NumQubits()
		var zm float64
		c.EachSegment(func(z uint64, dur float64) {
			up := bits.OnesCount64(z & ((1 << uint(nq)) - 1))
			zm += dur * float64(nq-2*up) / float64(nq)
		})
		put(ObsZMag, zm/beta)
	}

	if enabled[ObsHDiagCorr] || enabled[ObsHDiagEInt] || enabled[ObsHDiagFInt] {
		corr, eint, fint := diagCorrelators(c, ham, tau)
		put(ObsHDiagCorr, corr)
		put(ObsHDiagEInt, eint)
		put(ObsHDiagFInt, fint)
	}
	if enabled[ObsHOffdiagCorr] || enabled[ObsHOffdiagEInt] || enabled[ObsHOffdiagFInt] {
		corr, eint, fint := offdiagCorrelators(c, beta, tau)
		put(ObsHOffdiagCorr, corr)
		put(ObsHOffdiagEInt, eint)
		put(ObsHOffdiagFInt, fint)
	}
	return out
}

// diagCorrelators evaluates E(0)E(tau), its integral over [0,tau] and its
// t-weighted integral, exactly, from the piecewise-constant energy profile.
func diagCorrelators(c *chain.Configuration, ham *hamiltonian.Index, tau float64) (corr, eint, fint float64) {
	e0 := ham.DiagonalEnergy(c.StateAtTime(0))
	corr = e0 * ham.DiagonalEnergy(c.StateAtTime(tau))

	t := 0.0
	c.EachSegment(func(z uint64, dur float64) {
		if t >= tau {
			return
		}
		hi := math.Min(t+dur, tau)
		e := ham.DiagonalEnergy(z)
		eint += e0 * e * (hi - t)
		fint += e0 * e * (hi*hi - t*t) / 2
		t += dur
	})
	return corr, eint, fint
}

// offdiagCorrelators evaluates the operator pair-separation estimators: with
// S the number of ordered operator pairs whose cyclic imaginary-time
// separation lies in (0,tau] and F the sum of those separations,
// eint = S/beta, corr = S/(beta*tau) (the tau-averaged correlator) and
// fint = F/beta.
func offdiagCorrelators(c *chain.Configuration, beta, tau float64) (corr, eint, fint float64) {
	if tau <= 0 {
		return 0, 0, 0
	}
	times := c.OpTimes()
	var s, f float64
	for k := range times {
		for l := range times {
			if k == l {
				continue
			}
			sep := math.Mod(times[l]-times[k]+beta, beta)
			if sep > 0 && sep <= tau {
				s++
				f += sep
			}
		}
	}
	return s / (beta * tau), s / beta, f / beta
}
