package chain

import (
	"errors"
	"math"
	"testing"

	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
)

// testIndex builds a two-qubit fixture: one diagonal term on qubit 0 and two
// single-qubit flips.
func testIndex(t *testing.T) *hamiltonian.Index {
	t.Helper()
	idx, err := hamiltonian.Build([]hamiltonian.Term{
		{Coeff: 1.0, Sign: 1},
		{Coeff: 0.5, Flip: 1},
		{Coeff: 0.25, Flip: 2},
	}, hamiltonian.Options{})
	if err != nil {
		t.Fatalf("building fixture: %v", err)
	}
	return idx
}

func gapSum(c *Configuration) float64 {
	sum := 0.0
	for k := 0; k <= c.OpCount(); k++ {
		sum += c.Gap(k)
	}
	return sum
}

func TestNewEmptyConfiguration(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)

	if c.OpCount() != 0 {
		t.Errorf("OpCount() = %d, want 0", c.OpCount())
	}
	if got := c.Gap(0); got != 1.0 {
		t.Errorf("Gap(0) = %v, want beta", got)
	}
	// Empty sequence: weight is exp(-beta*E(z)).
	if got, want := c.LogAbsWeight(), -1.0; math.Abs(got-want) > 1e-15 {
		t.Errorf("LogAbsWeight() = %v, want %v", got, want)
	}
	if c.Sign() != 1 {
		t.Errorf("Sign() = %v, want 1", c.Sign())
	}
}

func TestInsertBlockWeights(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)

	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	wantLogW := 2*math.Log(0.5) + 0.5
	if math.Abs(d.LogW-wantLogW) > 1e-12 {
		t.Errorf("Delta.LogW = %v, want %v", d.LogW, wantLogW)
	}
	if d.SignFlip != 1 {
		t.Errorf("Delta.SignFlip = %v, want 1", d.SignFlip)
	}

	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)
	if c.OpCount() != 2 {
		t.Fatalf("OpCount() = %d, want 2", c.OpCount())
	}
	wantGaps := []float64{0.25, 0.25, 0.5}
	for k, w := range wantGaps {
		if got := c.Gap(k); math.Abs(got-w) > 1e-15 {
			t.Errorf("Gap(%d) = %v, want %v", k, got, w)
		}
	}
	if got, want := c.LogAbsWeight(), 2*math.Log(0.5)-0.5; math.Abs(got-want) > 1e-12 {
		t.Errorf("LogAbsWeight() = %v, want %v", got, want)
	}
	if got := c.DiagIntegral(); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("DiagIntegral() = %v, want 0.5", got)
	}
}

func TestRemoveBlockInvertsInsert(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)
	before := c.Clone()

	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)

	d2, err := c.EvalRemoveBlock(0, 2)
	if err != nil {
		t.Fatalf("EvalRemoveBlock() error = %v", err)
	}
	if math.Abs(d2.LogW+d.LogW) > 1e-12 {
		t.Errorf("remove LogW = %v, want %v", d2.LogW, -d.LogW)
	}
	c.ApplyRemoveBlock(0, 2, d2)

	if !c.Equal(before) {
		t.Error("remove did not restore the original sequence")
	}
	if math.Abs(c.LogAbsWeight()-before.LogAbsWeight()) > 1e-12 {
		t.Errorf("LogAbsWeight() = %v, want %v", c.LogAbsWeight(), before.LogAbsWeight())
	}
}

func TestEvalDoesNotMutate(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)
	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)
	before := c.Clone()

	if _, err := c.EvalInsertBlock(1, []int{1, 1}, []float64{0.1, 0.2}); err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	if _, err := c.EvalRemoveBlock(0, 2); err != nil {
		t.Fatalf("EvalRemoveBlock() error = %v", err)
	}
	c.EvalShiftGap(0, 0.1)
	c.EvalFlipSpin(0)

	if !c.Equal(before) {
		t.Error("evaluation mutated the sequence")
	}
	if c.LogAbsWeight() != before.LogAbsWeight() || c.Sign() != before.Sign() {
		t.Error("evaluation mutated the cached weight")
	}
}

func TestInsertBlockCapacity(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 2, 0)

	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)

	_, err = c.EvalInsertBlock(0, []int{1, 1}, []float64{0.05, 0.1})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("EvalInsertBlock() error = %v, want ErrCapacityExceeded", err)
	}
}

func TestInsertBlockRejectsOpenBlock(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)
	_, err := c.EvalInsertBlock(0, []int{0, 1}, []float64{0.25, 0.5})
	if err == nil {
		t.Fatal("EvalInsertBlock() accepted a non-closing block")
	}
	if errors.Is(err, ErrCapacityExceeded) {
		t.Error("non-closing block misreported as capacity")
	}
}

func TestShiftGapPreservesTotal(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)
	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)

	ds := c.EvalShiftGap(0, 0.1)
	c.ApplyShiftGap(0, 0.1, ds)

	if got := c.Gap(0); math.Abs(got-0.1) > 1e-15 {
		t.Errorf("Gap(0) = %v, want 0.1", got)
	}
	if got := c.Gap(1); math.Abs(got-0.4) > 1e-15 {
		t.Errorf("Gap(1) = %v, want 0.4", got)
	}
	if got := gapSum(c); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("gap sum = %v, want beta", got)
	}
	if drift := c.Drift(); drift > 1e-12 {
		t.Errorf("Drift() = %v after shift, want ~0", drift)
	}
}

func TestFlipSpinIsInvolution(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)
	d, err := c.EvalInsertBlock(0, []int{1, 1}, []float64{0.3, 0.6})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{1, 1}, []float64{0.3, 0.6}, d)
	before := c.Clone()

	df := c.EvalFlipSpin(0)
	c.ApplyFlipSpin(0, df)
	if c.State() != 1 {
		t.Errorf("State() = %d after flip, want 1", c.State())
	}
	if drift := c.Drift(); drift > 1e-12 {
		t.Errorf("Drift() = %v after flip, want ~0", drift)
	}

	df2 := c.EvalFlipSpin(0)
	if math.Abs(df2.LogW+df.LogW) > 1e-12 {
		t.Errorf("second flip LogW = %v, want %v", df2.LogW, -df.LogW)
	}
	c.ApplyFlipSpin(0, df2)
	if !c.Equal(before) {
		t.Error("double flip did not restore the configuration")
	}
}

func TestStateAtTimeAndOpTimes(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)
	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)

	times := c.OpTimes()
	want := []float64{0.25, 0.5}
	for i := range want {
		if math.Abs(times[i]-want[i]) > 1e-15 {
			t.Errorf("OpTimes()[%d] = %v, want %v", i, times[i], want[i])
		}
	}

	tests := []struct {
		t    float64
		want uint64
	}{
		{0.0, 0},
		{0.1, 0},
		{0.3, 1},
		{0.9, 0},
		{1.0, 0},
	}
	for _, tt := range tests {
		if got := c.StateAtTime(tt.t); got != tt.want {
			t.Errorf("StateAtTime(%v) = %d, want %d", tt.t, got, tt.want)
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 2)
	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)

	snap := c.Snapshot()
	restored, err := Restore(ham, 1.0, 10, snap)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !restored.Equal(c) {
		t.Error("restored configuration differs from original")
	}
	if math.Abs(restored.LogAbsWeight()-c.LogAbsWeight()) > 1e-12 {
		t.Errorf("restored LogAbsWeight() = %v, want %v", restored.LogAbsWeight(), c.LogAbsWeight())
	}
	if restored.Sign() != c.Sign() {
		t.Errorf("restored Sign() = %v, want %v", restored.Sign(), c.Sign())
	}
}

func TestRestoreValidation(t *testing.T) {
	ham := testIndex(t)
	tests := []struct {
		name string
		snap Snapshot
	}{
		{
			name: "gaps do not sum to beta",
			snap: Snapshot{Ops: []int{0, 0}, Gaps: []float64{0.25, 0.25, 0.25}},
		},
		{
			name: "negative gap",
			snap: Snapshot{Ops: []int{0, 0}, Gaps: []float64{0.5, -0.1, 0.6}},
		},
		{
			name: "gap count mismatch",
			snap: Snapshot{Ops: []int{0, 0}, Gaps: []float64{0.5, 0.5}},
		},
		{
			name: "unknown term index",
			snap: Snapshot{Ops: []int{0, 9}, Gaps: []float64{0.3, 0.3, 0.4}},
		},
		{
			name: "non-closing sequence",
			snap: Snapshot{Ops: []int{0, 1}, Gaps: []float64{0.3, 0.3, 0.4}},
		},
		{
			name: "sequence over qmax",
			snap: Snapshot{Ops: []int{0, 0, 0, 0}, Gaps: []float64{0.2, 0.2, 0.2, 0.2, 0.2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qmax := 10
			if tt.name == "sequence over qmax" {
				qmax = 3
			}
			if _, err := Restore(ham, 1.0, qmax, tt.snap); err == nil {
				t.Error("Restore() accepted an invalid snapshot")
			}
		})
	}
}

func TestDriftAfterManualCorruption(t *testing.T) {
	ham := testIndex(t)
	c := New(ham, 1.0, 10, 0)
	d, err := c.EvalInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5})
	if err != nil {
		t.Fatalf("EvalInsertBlock() error = %v", err)
	}
	c.ApplyInsertBlock(0, []int{0, 0}, []float64{0.25, 0.5}, d)

	if drift := c.Drift(); drift > 1e-12 {
		t.Fatalf("Drift() = %v on consistent state", drift)
	}
	c.diagIntegral += 0.5
	if drift := c.Drift(); drift < 0.1 {
		t.Errorf("Drift() = %v after corruption, want large", drift)
	}
	c.Recompute()
	if drift := c.Drift(); drift > 1e-12 {
		t.Errorf("Drift() = %v after Recompute, want ~0", drift)
	}
}
