package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/naezzell/advmeaPMRQMC/internal/checkpoint"
	"github.com/naezzell/advmeaPMRQMC/internal/config"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
	"github.com/naezzell/advmeaPMRQMC/internal/logging"
	"github.com/naezzell/advmeaPMRQMC/internal/measure"
)

func testIndex(t *testing.T) *hamiltonian.Index {
	t.Helper()
	idx, err := hamiltonian.Build([]hamiltonian.Term{
		{Coeff: 1.0, Sign: 1},
		{Coeff: 0.5, Flip: 1},
		{Coeff: 0.25, Flip: 2},
	}, hamiltonian.Options{CycleSearch: hamiltonian.CycleExhaustive})
	if err != nil {
		t.Fatalf("building fixture: %v", err)
	}
	return idx
}

// testConfig keeps the run small and fully reproducible. Bins exceed the
// number of planned measurements so every bin holds at most one sample and a
// run split by a checkpoint bins identically to an uninterrupted one.
func testConfig(seed uint64) *config.Config {
	cfg := config.Default()
	cfg.Run.EquilibrationSteps = 20
	cfg.Run.ProductionSteps = 400
	cfg.Run.StepsPerMeasurement = 10
	cfg.Run.Beta = 0.5
	cfg.Run.Tau = 0.25
	cfg.Chain.Qmax = 50
	cfg.Measure.Bins = 50
	cfg.RNG.Reproducible = true
	cfg.RNG.Seed = seed
	return cfg
}

func newTestRunner(t *testing.T, cfg *config.Config) *Runner {
	t.Helper()
	r, err := New(cfg, testIndex(t), logging.NewLogger("info", io.Discard), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

func TestRunProducesEstimates(t *testing.T) {
	cfg := testConfig(42)
	r := newTestRunner(t, cfg)

	res, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Interrupted {
		t.Error("Interrupted = true on a complete run")
	}
	if !res.Equilibrated {
		t.Error("Equilibrated = false after full run")
	}
	if res.StepsDone != cfg.Run.ProductionSteps {
		t.Errorf("StepsDone = %d, want %d", res.StepsDone, cfg.Run.ProductionSteps)
	}
	wantSteps := cfg.Run.EquilibrationSteps + cfg.Run.ProductionSteps
	if res.Counters.CompositeSteps != wantSteps {
		t.Errorf("CompositeSteps = %d, want %d", res.Counters.CompositeSteps, wantSteps)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}

	var h measure.Estimate
	found := false
	for _, e := range res.Estimates {
		if e.Observable == measure.ObsH {
			h, found = e, true
		}
	}
	if !found {
		t.Fatal("h missing from estimates")
	}
	if math.IsNaN(h.Mean) || math.IsInf(h.Mean, 0) {
		t.Errorf("h mean = %v, want finite", h.Mean)
	}
	if h.StdErr < 0 {
		t.Errorf("h std err = %v, want non-negative", h.StdErr)
	}
	wantSamples := int(cfg.Run.ProductionSteps / cfg.Run.StepsPerMeasurement)
	if h.Samples != wantSamples {
		t.Errorf("h samples = %d, want %d", h.Samples, wantSamples)
	}
}

func TestRunIsReproducible(t *testing.T) {
	resA, err := newTestRunner(t, testConfig(7)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	resB, err := newTestRunner(t, testConfig(7)).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(resA.Estimates, resB.Estimates) {
		t.Error("estimates differ between identically seeded runs")
	}
	if resA.Counters != resB.Counters {
		t.Errorf("counters differ: %+v vs %+v", resA.Counters, resB.Counters)
	}
}

func TestTokenInterruptsRun(t *testing.T) {
	r := newTestRunner(t, testConfig(3))
	tok := &Token{}
	tok.Request()

	res, err := r.Run(context.Background(), tok)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Interrupted {
		t.Error("Interrupted = false after token request")
	}
	if res.StepsDone != 1 {
		t.Errorf("StepsDone = %d, want 1 (stop at first step boundary)", res.StepsDone)
	}
	if res.Equilibrated {
		t.Error("Equilibrated = true after interrupting equilibration")
	}
}

func TestContextCancelInterruptsRun(t *testing.T) {
	r := newTestRunner(t, testConfig(4))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Interrupted {
		t.Error("Interrupted = false after context cancellation")
	}
}

func TestCheckpointResumeMatchesUninterruptedRun(t *testing.T) {
	const seed = 11

	// Uninterrupted reference run.
	full := newTestRunner(t, testConfig(seed))
	if _, err := full.Run(context.Background(), nil); err != nil {
		t.Fatalf("full Run() error = %v", err)
	}
	wantPayload, err := full.Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}

	// Same run split in half by a checkpoint.
	half := testConfig(seed)
	half.Run.ProductionSteps = 200
	first := newTestRunner(t, half)
	if _, err := first.Run(context.Background(), nil); err != nil {
		t.Fatalf("first half Run() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "chk.pmrqmc")
	if err := first.WriteCheckpoint(path); err != nil {
		t.Fatalf("WriteCheckpoint() error = %v", err)
	}

	p, err := checkpoint.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	resumed, err := Resume(testConfig(seed), testIndex(t), p, logging.NewLogger("info", io.Discard), nil)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.RunID() != first.RunID() {
		t.Errorf("resumed RunID = %s, want %s", resumed.RunID(), first.RunID())
	}
	res, err := resumed.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if res.Interrupted {
		t.Error("resumed run reported interruption")
	}

	gotPayload, err := resumed.Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}

	// Everything except the run identity must match the reference bit for bit.
	if !bytes.Equal(gotPayload.RNGState, wantPayload.RNGState) {
		t.Error("RNG state diverged from uninterrupted run")
	}
	if !reflect.DeepEqual(gotPayload.Chain, wantPayload.Chain) {
		t.Error("chain state diverged from uninterrupted run")
	}
	if !reflect.DeepEqual(gotPayload.Bins, wantPayload.Bins) {
		t.Error("bin contents diverged from uninterrupted run")
	}
	if gotPayload.Counters != wantPayload.Counters {
		t.Errorf("counters diverged: %+v vs %+v", gotPayload.Counters, wantPayload.Counters)
	}
	if gotPayload.StepsDone != wantPayload.StepsDone {
		t.Errorf("StepsDone = %d, want %d", gotPayload.StepsDone, wantPayload.StepsDone)
	}
}

func TestResumeRejectsMismatchedParameters(t *testing.T) {
	r := newTestRunner(t, testConfig(5))
	if _, err := r.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	p, err := r.Payload()
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}

	cfg := testConfig(5)
	cfg.Run.Beta = 0.7
	cfg.Run.Tau = 0.1
	_, err = Resume(cfg, testIndex(t), p, logging.NewLogger("info", io.Discard), nil)
	if !errors.Is(err, checkpoint.ErrCorruptCheckpoint) {
		t.Errorf("Resume() error = %v, want ErrCorruptCheckpoint", err)
	}

	// A different Hamiltonian must also be rejected.
	other, err := hamiltonian.Build([]hamiltonian.Term{
		{Coeff: 2.0, Sign: 1},
		{Coeff: 0.5, Flip: 1},
	}, hamiltonian.Options{})
	if err != nil {
		t.Fatalf("building second fixture: %v", err)
	}
	_, err = Resume(testConfig(5), other, p, logging.NewLogger("info", io.Discard), nil)
	if !errors.Is(err, checkpoint.ErrCorruptCheckpoint) {
		t.Errorf("Resume() error = %v on hamiltonian mismatch, want ErrCorruptCheckpoint", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(1)
	cfg.Run.Beta = -1
	if _, err := New(cfg, testIndex(t), logging.NewLogger("info", io.Discard), nil); err == nil {
		t.Error("New() accepted an invalid config")
	}
}

func TestFingerprintDependsOnHamiltonian(t *testing.T) {
	cfg := testConfig(1)
	a := Fingerprint(cfg, testIndex(t))
	idx, err := hamiltonian.Build([]hamiltonian.Term{
		{Coeff: 2.0, Sign: 1},
		{Coeff: 0.5, Flip: 1},
	}, hamiltonian.Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	b := Fingerprint(cfg, idx)
	if a == b {
		t.Error("fingerprints equal for different Hamiltonians")
	}
}
