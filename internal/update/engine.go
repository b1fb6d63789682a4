// Package update implements the Markov-chain moves: elementary gap shifts and
// spin flips, pair insertion/removal, table-driven cycle completion, and the
// composite update that chains sub-moves into one logical step. Every move is
// accepted with the Metropolis-Hastings probability min(1, weight ratio x
// proposal ratio) against |W|; rejections leave the configuration untouched
// because mutations are only committed after acceptance.
package update

import (
	"errors"

	"github.com/naezzell/advmeaPMRQMC/internal/chain"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
	"github.com/naezzell/advmeaPMRQMC/internal/logging"
	"github.com/naezzell/advmeaPMRQMC/internal/rng"
)

// Params are the update-engine knobs from the configuration bundle.
type Params struct {
	// GapGamma is the geometric-distribution parameter selecting the cycle
	// length class in cycle-completion moves; larger values favor longer
	// cycles.
	GapGamma float64
	// BreakProb is the probability of ending the composite update after each
	// sub-move.
	BreakProb float64
}

// KindCounter tracks proposals and acceptances for one move kind.
type KindCounter struct {
	Proposed int64 `json:"proposed"`
	Accepted int64 `json:"accepted"`
}

// Counters are the per-kind move diagnostics. They are checkpointed and
// merged into run reports; they never surface as errors.
type Counters struct {
	GapShift    KindCounter `json:"gap_shift"`
	SpinFlip    KindCounter `json:"spin_flip"`
	PairInsert  KindCounter `json:"pair_insert"`
	PairRemove  KindCounter `json:"pair_remove"`
	CycleInsert KindCounter `json:"cycle_insert"`
	CycleRemove KindCounter `json:"cycle_remove"`

	CapacityRejects int64 `json:"capacity_rejects"`
	CompositeSteps  int64 `json:"composite_steps"`
	SubMoves        int64 `json:"sub_moves"`
}

// Engine proposes and applies moves against a single configuration. It is
// strictly sequential: one chain, one engine, no shared mutable state.
type Engine struct {
	ham    *hamiltonian.Index
	params Params
	rng    *rng.Service
	ch     *chain.Configuration
	tracer *logging.MoveTracer

	counters Counters
}

// New creates an engine over an existing configuration.
func New(ham *hamiltonian.Index, params Params, r *rng.Service, ch *chain.Configuration, tracer *logging.MoveTracer) *Engine {
	return &Engine{ham: ham, params: params, rng: r, ch: ch, tracer: tracer}
}

// Chain returns the configuration the engine mutates.
func (e *Engine) Chain() *chain.Configuration { return e.ch }

// Counters returns a copy of the move diagnostics.
func (e *Engine) Counters() Counters { return e.counters }

// RestoreCounters reinstates checkpointed diagnostics.
func (e *Engine) RestoreCounters(c Counters) { e.counters = c }

// CompositeStep performs one logical Markov step: a chain of sub-moves, each
// followed by a break coin. The expedited callback is polled between
// sub-moves; when it reports true the remaining sub-moves are abandoned and
// CompositeStep returns true so the caller can checkpoint promptly.
func (e *Engine) CompositeStep(expedited func() bool) bool {
	e.counters.CompositeSteps++
	for {
		e.subMove()
		e.counters.SubMoves++
		if expedited != nil && expedited() {
			return true
		}
		if e.rng.Float64() < e.params.BreakProb {
			return false
		}
	}
}

const numKinds = 6

func (e *Engine) subMove() {
	switch e.rng.Intn(numKinds) {
	case 0:
		e.gapShift()
	case 1:
		e.spinFlip()
	case 2:
		e.pairInsert()
	case 3:
		e.pairRemove()
	case 4:
		e.cycleInsert()
	case 5:
		e.cycleRemove()
	}
}

// accept runs the Metropolis test on |W'|/|W| = exp(logW) times the proposal
// ratio.
func (e *Engine) accept(logW, propRatio float64) bool {
	a := metropolisRatio(logW, propRatio)
	if a >= 1 {
		return true
	}
	return e.rng.Float64() < a
}

func (e *Engine) trace(kind string, accepted bool, logW float64) {
	e.tracer.Log(map[string]any{
		"move":     kind,
		"accepted": accepted,
		"q":        e.ch.OpCount(),
		"dlogw":    logW,
	})
}

// isCapacity folds a capacity violation into a silent rejection.
func (e *Engine) isCapacity(err error) bool {
	if errors.Is(err, chain.ErrCapacityExceeded) {
		e.counters.CapacityRejects++
		return true
	}
	return false
}
