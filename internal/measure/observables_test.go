package measure

import (
	"math"
	"reflect"
	"testing"

	"github.com/naezzell/advmeaPMRQMC/internal/chain"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
)

// fixtureChain builds a single-qubit Hamiltonian (diagonal on qubit 0, one
// flip) and a hand-laid configuration with two operators at times 0.25 and
// 0.5 of a beta=1 trajectory.
func fixtureChain(t *testing.T) (*chain.Configuration, *hamiltonian.Index) {
	t.Helper()
	idx, err := hamiltonian.Build([]hamiltonian.Term{
		{Coeff: 1.0, Sign: 1},
		{Coeff: 0.5, Flip: 1},
	}, hamiltonian.Options{})
	if err != nil {
		t.Fatalf("building fixture: %v", err)
	}
	c, err := chain.Restore(idx, 1.0, 100, chain.Snapshot{
		State: 0,
		Ops:   []int{0, 0},
		Gaps:  []float64{0.25, 0.25, 0.5},
	})
	if err != nil {
		t.Fatalf("restoring fixture chain: %v", err)
	}
	return c, idx
}

func enabledAll() map[Observable]bool {
	m := make(map[Observable]bool)
	for _, o := range Standard() {
		m[o] = true
	}
	return m
}

func TestTakeSampleValues(t *testing.T) {
	c, idx := fixtureChain(t)
	const beta, tau = 1.0, 0.3
	smp := takeSample(c, idx, enabledAll(), beta, tau, false)

	if smp.sign != 1 {
		t.Errorf("sign = %v, want 1", smp.sign)
	}

	// Energy profile: E=+1 on [0,0.25), E=-1 on [0.25,0.5), E=+1 on [0.5,1).
	tests := []struct {
		obs  Observable
		want float64
	}{
		{ObsHDiag, 0.5},
		{ObsHOffdiag, -2.0},
		{ObsH, -1.5},
		{ObsHDiag2, 0.25},
		{ObsHOffdiag2, 2.0},
		{ObsH2, 0.25},
		{ObsZMag, 0.5},
		{ObsHDiagCorr, -1.0},
		{ObsHDiagEInt, 0.2},
		{ObsHDiagFInt, 0.0175},
		// One ordered operator pair with cyclic separation 0.25 <= tau.
		{ObsHOffdiagCorr, 1 / 0.3},
		{ObsHOffdiagEInt, 1.0},
		{ObsHOffdiagFInt, 0.25},
	}
	for _, tt := range tests {
		t.Run(string(tt.obs), func(t *testing.T) {
			got, ok := smp.values[tt.obs]
			if !ok {
				t.Fatalf("%s missing from sample", tt.obs)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("%s = %v, want %v", tt.obs, got, tt.want)
			}
		})
	}
}

func TestTakeSampleAbsPolicy(t *testing.T) {
	c, idx := fixtureChain(t)
	smp := takeSample(c, idx, enabledAll(), 1.0, 0.3, true)
	if smp.sign != 1 {
		t.Errorf("sign = %v under abs policy, want 1", smp.sign)
	}
}

func TestTakeSampleGatesDisabled(t *testing.T) {
	c, idx := fixtureChain(t)
	enabled := map[Observable]bool{ObsH: true}
	smp := takeSample(c, idx, enabled, 1.0, 0.3, false)
	if len(smp.values) != 1 {
		t.Errorf("sample has %d values, want 1", len(smp.values))
	}
	if _, ok := smp.values[ObsZMag]; ok {
		t.Error("disabled observable present in sample")
	}
}

func TestSetSampleTracksSequenceLength(t *testing.T) {
	c, idx := fixtureChain(t)
	s := NewSet([]Observable{ObsH, ObsSign}, 4, 1, 1.0, 0.3, false)
	s.Sample(c, idx)
	s.Sample(c, idx)

	if got := s.MeanQ(); got != 2.0 {
		t.Errorf("MeanQ() = %v, want 2", got)
	}
	if s.MaxQ != 2 {
		t.Errorf("MaxQ = %d, want 2", s.MaxQ)
	}
	if s.NumQ != 2 {
		t.Errorf("NumQ = %d, want 2", s.NumQ)
	}
}

func TestSetSignObservable(t *testing.T) {
	c, idx := fixtureChain(t)
	s := NewSet([]Observable{ObsSign}, 2, 4, 1.0, 0.3, false)
	for i := 0; i < 4; i++ {
		s.Sample(c, idx)
	}
	ests := s.Estimates()
	if len(ests) != 1 {
		t.Fatalf("Estimates() returned %d, want 1", len(ests))
	}
	if ests[0].Mean != 1.0 {
		t.Errorf("mean sign = %v, want 1", ests[0].Mean)
	}
}

func TestSetSnapshotRestore(t *testing.T) {
	c, idx := fixtureChain(t)
	s := NewSet([]Observable{ObsH, ObsHDiag, ObsSign}, 4, 2, 1.0, 0.3, false)
	for i := 0; i < 5; i++ {
		s.Sample(c, idx)
	}

	snap := s.Snapshot()
	restored, err := RestoreSet(snap, 1.0, 0.3, false)
	if err != nil {
		t.Fatalf("RestoreSet() error = %v", err)
	}
	if !reflect.DeepEqual(restored.Estimates(), s.Estimates()) {
		t.Error("restored estimates differ from original")
	}
	if restored.MeanQ() != s.MeanQ() || restored.MaxQ != s.MaxQ {
		t.Error("restored sequence-length diagnostics differ")
	}

	// Mutating the restored set must not touch the snapshot source.
	restored.Sample(c, idx)
	if restored.NumQ == s.NumQ {
		t.Error("restored set shares state with the original")
	}
}

func TestRestoreSetRejectsBadSnapshots(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
	}{
		{
			name: "missing accumulator",
			snap: Snapshot{Enabled: []Observable{ObsH}, Accs: map[Observable]*Accumulator{}},
		},
		{
			name: "unknown observable",
			snap: Snapshot{
				Enabled: []Observable{"entropy"},
				Accs:    map[Observable]*Accumulator{"entropy": NewAccumulator("entropy", 2, 1)},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RestoreSet(tt.snap, 1.0, 0.3, false); err == nil {
				t.Error("RestoreSet() accepted an invalid snapshot")
			}
		})
	}
}

func TestSetMerge(t *testing.T) {
	c, idx := fixtureChain(t)
	build := func(n int) *Set {
		s := NewSet([]Observable{ObsH, ObsSign}, 4, 2, 1.0, 0.3, false)
		for i := 0; i < n; i++ {
			s.Sample(c, idx)
		}
		return s
	}

	a := build(3)
	if err := a.Merge(build(5)); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if a.NumQ != 8 {
		t.Errorf("merged NumQ = %d, want 8", a.NumQ)
	}

	if err := a.Merge(NewSet([]Observable{ObsH}, 4, 2, 1.0, 0.3, false)); err == nil {
		t.Error("Merge() accepted sets with different observables")
	}
}

func TestKnownObservables(t *testing.T) {
	for _, o := range Standard() {
		if !Known(o) {
			t.Errorf("Known(%s) = false for a standard observable", o)
		}
	}
	if Known("entropy") {
		t.Error(`Known("entropy") = true, want false`)
	}
}
