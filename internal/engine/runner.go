// Package engine orchestrates a single Markov chain: the equilibration phase,
// the measured production phase, cooperative interruption, the numeric
// instability watchdog, and checkpoint snapshots. A Runner owns its chain
// exclusively; independent replicates are separate Runners with independent
// RNG state, merged only after both production phases terminate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/naezzell/advmeaPMRQMC/internal/chain"
	"github.com/naezzell/advmeaPMRQMC/internal/checkpoint"
	"github.com/naezzell/advmeaPMRQMC/internal/config"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
	"github.com/naezzell/advmeaPMRQMC/internal/logging"
	"github.com/naezzell/advmeaPMRQMC/internal/measure"
	"github.com/naezzell/advmeaPMRQMC/internal/rng"
	"github.com/naezzell/advmeaPMRQMC/internal/update"
)

// ErrNumericInstability is returned when incremental weight tracking keeps
// drifting from the recomputed reference past the retry budget.
var ErrNumericInstability = errors.New("numeric instability")

// driftTolerance is the relative divergence at which the watchdog resyncs.
const driftTolerance = 1e-8

// watchdogInterval is the composite-step cadence of drift checks.
const watchdogInterval = 2000

// maxResyncs is the watchdog retry budget before the run aborts.
const maxResyncs = 3

// Token is the cooperative cancellation signal polled between composite-
// update sub-moves. Request asks for a checkpoint at the next step boundary;
// RequestExpedited additionally truncates the in-flight composite update.
type Token struct {
	requested atomic.Bool
	expedited atomic.Bool
}

// Request asks the runner to stop and checkpoint at the next step boundary.
func (t *Token) Request() { t.requested.Store(true) }

// RequestExpedited asks the runner to stop as soon as the current sub-move
// finishes.
func (t *Token) RequestExpedited() {
	t.requested.Store(true)
	t.expedited.Store(true)
}

// Requested reports whether any interruption was requested.
func (t *Token) Requested() bool { return t != nil && t.requested.Load() }

// Expedited reports whether an expedited interruption was requested.
func (t *Token) Expedited() bool { return t != nil && t.expedited.Load() }

// Result carries the per-observable estimates and run diagnostics.
type Result struct {
	RunID        string             `json:"run_id"`
	Estimates    []measure.Estimate `json:"estimates"`
	MeanQ        float64            `json:"mean_q"`
	MaxQ         int                `json:"max_q"`
	Counters     update.Counters    `json:"counters"`
	StepsDone    int64              `json:"steps_done"`
	Equilibrated bool               `json:"equilibrated"`
	Interrupted  bool               `json:"interrupted"`
}

// Runner drives one chain through its phases.
type Runner struct {
	cfg *config.Config
	ham *hamiltonian.Index
	log *slog.Logger

	rng  *rng.Service
	eng  *update.Engine
	bins *measure.Set

	runID        string
	stepsDone    int64 // steps completed within the current phase
	equilibrated bool
	resyncs      int
}

// New creates a fresh runner with an empty configuration on basis state 0.
func New(cfg *config.Config, ham *hamiltonian.Index, log *slog.Logger, tracer *logging.MoveTracer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	r := rng.New(cfg.RNG.Reproducible, cfg.RNG.Seed)
	ch := chain.New(ham, cfg.Run.Beta, cfg.Chain.Qmax, 0)
	eng := update.New(ham, updateParams(cfg), r, ch, tracer)
	return &Runner{
		cfg:   cfg,
		ham:   ham,
		log:   log,
		rng:   r,
		eng:   eng,
		bins:  newBins(cfg),
		runID: uuid.NewString(),
	}, nil
}

// Resume rebuilds a runner from a checkpoint payload, validating it against
// the current configuration and Hamiltonian first.
func Resume(cfg *config.Config, ham *hamiltonian.Index, p *checkpoint.Payload, log *slog.Logger, tracer *logging.MoveTracer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := p.Validate(Fingerprint(cfg, ham)); err != nil {
		return nil, err
	}
	r := rng.New(cfg.RNG.Reproducible, cfg.RNG.Seed)
	if err := r.Restore(p.RNGState); err != nil {
		return nil, fmt.Errorf("%w: %v", checkpoint.ErrCorruptCheckpoint, err)
	}
	ch, err := chain.Restore(ham, cfg.Run.Beta, cfg.Chain.Qmax, p.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", checkpoint.ErrCorruptCheckpoint, err)
	}
	bins, err := measure.RestoreSet(p.Bins, cfg.Run.Beta, cfg.Run.Tau, cfg.Chain.WeightPolicy == config.WeightAbs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", checkpoint.ErrCorruptCheckpoint, err)
	}
	eng := update.New(ham, updateParams(cfg), r, ch, tracer)
	eng.RestoreCounters(p.Counters)
	return &Runner{
		cfg:          cfg,
		ham:          ham,
		log:          log,
		rng:          r,
		eng:          eng,
		bins:         bins,
		runID:        p.RunID,
		stepsDone:    p.StepsDone,
		equilibrated: p.Equilibrated,
	}, nil
}

func updateParams(cfg *config.Config) update.Params {
	return update.Params{
		GapGamma:  cfg.Updates.GapGeometricParameter,
		BreakProb: cfg.Updates.CompositeBreakProbability,
	}
}

func newBins(cfg *config.Config) *measure.Set {
	planned := cfg.Run.ProductionSteps / cfg.Run.StepsPerMeasurement
	perBin := int(planned) / cfg.Measure.Bins
	if perBin < 1 {
		perBin = 1
	}
	return measure.NewSet(cfg.EnabledObservables(), cfg.Measure.Bins, perBin,
		cfg.Run.Beta, cfg.Run.Tau, cfg.Chain.WeightPolicy == config.WeightAbs)
}

// Fingerprint derives the checkpoint fingerprint for a config/Hamiltonian
// pair.
func Fingerprint(cfg *config.Config, ham *hamiltonian.Index) checkpoint.Fingerprint {
	return checkpoint.Fingerprint{
		Beta:           cfg.Run.Beta,
		Tau:            cfg.Run.Tau,
		Qmax:           cfg.Chain.Qmax,
		Bins:           cfg.Measure.Bins,
		WeightPolicy:   cfg.Chain.WeightPolicy,
		HamiltonianSHA: ham.SHA256(),
	}
}

// Run executes the remaining phases. It returns early with a partial Result
// when ctx is cancelled or the token requests interruption; partial bins are
// still valid statistical samples. The only fatal in-run failure is
// persistent numeric instability.
func (r *Runner) Run(ctx context.Context, tok *Token) (*Result, error) {
	if !r.equilibrated {
		for r.stepsDone < r.cfg.Run.EquilibrationSteps {
			interrupted, err := r.step(ctx, tok)
			if err != nil {
				return nil, err
			}
			if interrupted {
				return r.result(true), nil
			}
		}
		r.equilibrated = true
		r.stepsDone = 0
		r.log.Debug("equilibration complete", "steps", r.cfg.Run.EquilibrationSteps)
	}

	for r.stepsDone < r.cfg.Run.ProductionSteps {
		interrupted, err := r.step(ctx, tok)
		if err != nil {
			return nil, err
		}
		if r.stepsDone%r.cfg.Run.StepsPerMeasurement == 0 {
			r.bins.Sample(r.eng.Chain(), r.ham)
		}
		if interrupted {
			return r.result(true), nil
		}
	}
	return r.result(false), nil
}

// step performs one composite update plus bookkeeping. It reports whether the
// run should stop after this step.
func (r *Runner) step(ctx context.Context, tok *Token) (bool, error) {
	truncated := r.eng.CompositeStep(tok.Expedited)
	r.stepsDone++
	if r.stepsDone%watchdogInterval == 0 {
		if err := r.checkDrift(); err != nil {
			return false, err
		}
	}
	if truncated || tok.Requested() || ctx.Err() != nil {
		return true, nil
	}
	return false, nil
}

// checkDrift compares the cached weight partials to a full recomputation,
// resyncing on drift. Recurring drift past the retry budget is fatal.
func (r *Runner) checkDrift() error {
	drift := r.eng.Chain().Drift()
	if drift <= driftTolerance {
		return nil
	}
	r.resyncs++
	r.log.Warn("incremental weight drift, recomputing",
		"drift", drift, "resyncs", r.resyncs)
	r.eng.Chain().Recompute()
	if r.resyncs > maxResyncs {
		return fmt.Errorf("%w: drift %v recurred %d times", ErrNumericInstability, drift, r.resyncs)
	}
	return nil
}

func (r *Runner) result(interrupted bool) *Result {
	return &Result{
		RunID:        r.runID,
		Estimates:    r.bins.Estimates(),
		MeanQ:        r.bins.MeanQ(),
		MaxQ:         r.bins.MaxQ,
		Counters:     r.eng.Counters(),
		StepsDone:    r.stepsDone,
		Equilibrated: r.equilibrated,
		Interrupted:  interrupted,
	}
}

// RunID returns the stable identifier for this run (preserved across
// checkpoint resume).
func (r *Runner) RunID() string { return r.runID }

// Bins exposes the accumulator set for post-run merging of independent
// replicates.
func (r *Runner) Bins() *measure.Set { return r.bins }

// Payload snapshots the full resumable state.
func (r *Runner) Payload() (*checkpoint.Payload, error) {
	rngState, err := r.rng.Snapshot()
	if err != nil {
		return nil, err
	}
	return &checkpoint.Payload{
		RunID:        r.runID,
		Fingerprint:  Fingerprint(r.cfg, r.ham),
		RNGState:     rngState,
		Chain:        r.eng.Chain().Snapshot(),
		Bins:         r.bins.Snapshot(),
		Counters:     r.eng.Counters(),
		StepsDone:    r.stepsDone,
		Equilibrated: r.equilibrated,
	}, nil
}

// WriteCheckpoint snapshots and persists the runner state.
func (r *Runner) WriteCheckpoint(path string) error {
	p, err := r.Payload()
	if err != nil {
		return fmt.Errorf("snapshotting state: %w", err)
	}
	if err := checkpoint.Write(path, p); err != nil {
		return err
	}
	r.log.Info("checkpoint written", "path", path, "steps_done", r.stepsDone, "equilibrated", r.equilibrated)
	return nil
}
