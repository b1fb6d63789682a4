package simulation

import (
	"context"
	"io"
	"testing"

	"github.com/naezzell/advmeaPMRQMC/internal/config"
	"github.com/naezzell/advmeaPMRQMC/internal/engine"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
	"github.com/naezzell/advmeaPMRQMC/internal/logging"
	"github.com/naezzell/advmeaPMRQMC/internal/measure"
)

// Runner executes scenarios against the real engine.
type Runner struct {
	t *testing.T
}

// NewRunner creates a scenario runner.
func NewRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{t: t}
}

// Run builds the scenario's Hamiltonian and configuration and drives the
// engine through both phases.
func (r *Runner) Run(s Scenario) *engine.Result {
	r.t.Helper()
	res, _ := r.run(s, nil)
	return res
}

// RunWithToken is Run with a caller-controlled interrupt token.
func (r *Runner) RunWithToken(s Scenario, tok *engine.Token) *engine.Result {
	r.t.Helper()
	res, _ := r.run(s, tok)
	return res
}

// NewEngine builds a runner for the scenario without stepping it, for tests
// that drive phases manually (checkpoint round-trips).
func (r *Runner) NewEngine(s Scenario) (*engine.Runner, *config.Config, *hamiltonian.Index) {
	r.t.Helper()
	cfg := config.Default()
	cfg.RNG.Reproducible = true
	if s.Configure != nil {
		s.Configure(cfg)
	}
	idx, err := hamiltonian.Build(s.Terms, hamiltonian.Options{
		CycleSearch: hamiltonian.CyclePolicy(cfg.Updates.CycleSearch),
	})
	if err != nil {
		r.t.Fatalf("scenario %s: building hamiltonian: %v", s.Name, err)
	}
	logger := logging.NewLogger("info", io.Discard)
	runner, err := engine.New(cfg, idx, logger, nil)
	if err != nil {
		r.t.Fatalf("scenario %s: creating runner: %v", s.Name, err)
	}
	return runner, cfg, idx
}

func (r *Runner) run(s Scenario, tok *engine.Token) (*engine.Result, *engine.Runner) {
	r.t.Helper()
	runner, _, _ := r.NewEngine(s)
	res, err := runner.Run(context.Background(), tok)
	if err != nil {
		r.t.Fatalf("scenario %s: run failed: %v", s.Name, err)
	}
	return res, runner
}

// Estimate extracts one observable's estimate from a result, failing the test
// when it is absent.
func (r *Runner) Estimate(res *engine.Result, obs measure.Observable) measure.Estimate {
	r.t.Helper()
	for _, e := range res.Estimates {
		if e.Observable == obs {
			return e
		}
	}
	r.t.Fatalf("observable %s missing from result", obs)
	return measure.Estimate{}
}
