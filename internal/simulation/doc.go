// Package simulation provides an end-to-end test harness for the Monte Carlo
// engine.
//
// Scenarios exercise the real Runner, update engine, chain state, and binning
// accumulators, with no mocks. A scenario is a Go builder that constructs a
// Hamiltonian from term specs, overrides configuration knobs, and runs the
// full equilibration/production cycle, returning the Result for
// property-based assertions.
//
// Reproducible-seed mode makes scenario outcomes deterministic, so tests can
// assert exact equality between runs (for example, that disabling
// observables does not change the surviving estimates).
package simulation
