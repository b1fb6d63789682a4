// Package config provides unified configuration loading for pmrqmc.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
	"github.com/naezzell/advmeaPMRQMC/internal/measure"
)

// Weight-sign policies. Signed sampling divides each estimate by the mean
// configuration sign; abs ignores signs entirely.
const (
	WeightSigned = "signed"
	WeightAbs    = "abs"
)

// Config is the full configuration bundle for one run.
type Config struct {
	Run     RunConfig     `yaml:"run"`
	Chain   ChainConfig   `yaml:"chain"`
	Updates UpdateConfig  `yaml:"updates"`
	Measure MeasureConfig `yaml:"measure"`
	RNG     RNGConfig     `yaml:"rng"`
	Logging LoggingConfig `yaml:"logging"`
}

// RunConfig sets the phase lengths and physical parameters.
type RunConfig struct {
	// EquilibrationSteps is the number of composite updates before any
	// measurement starts.
	EquilibrationSteps int64 `yaml:"equilibration_steps"`

	// ProductionSteps is the number of composite updates in the measured
	// phase.
	ProductionSteps int64 `yaml:"production_steps"`

	// StepsPerMeasurement is the measurement cadence, in composite updates.
	StepsPerMeasurement int64 `yaml:"steps_per_measurement"`

	// Beta is the inverse temperature: the total imaginary-time extent of a
	// configuration.
	Beta float64 `yaml:"beta"`

	// Tau is the imaginary-time displacement used by the time-displaced
	// correlator observables. Must lie in [0, Beta].
	Tau float64 `yaml:"tau"`
}

// ChainConfig bounds the configuration state.
type ChainConfig struct {
	// Qmax is the upper bound for the operator-sequence length; proposals
	// that would exceed it are rejected, never fatal.
	Qmax int `yaml:"qmax"`

	// WeightPolicy is "signed" or "abs".
	WeightPolicy string `yaml:"weight_policy"`
}

// UpdateConfig tunes the move proposals.
type UpdateConfig struct {
	// CycleSearch is "exhaustive" or "restrictive".
	CycleSearch string `yaml:"cycle_search"`

	// GapGeometricParameter is the geometric-distribution parameter used to
	// select cycle lengths in cycle-completion updates. In (0,1).
	GapGeometricParameter float64 `yaml:"gap_geometric_parameter"`

	// CompositeBreakProbability ends the composite update after each
	// sub-move with this probability. In (0,1].
	CompositeBreakProbability float64 `yaml:"composite_break_probability"`
}

// MeasureConfig selects the observables and binning layout.
type MeasureConfig struct {
	// Bins is the number of bins for the binning-analysis error estimate.
	Bins int `yaml:"bins"`

	// Observables lists the enabled observables by name. Empty enables the
	// full standard set.
	Observables []string `yaml:"observables"`
}

// RNGConfig selects reproducible or entropy seeding.
type RNGConfig struct {
	// Reproducible fixes the seed so repeated runs produce identical chains.
	Reproducible bool `yaml:"reproducible"`

	// Seed is used only in reproducible mode.
	Seed uint64 `yaml:"seed"`
}

// LoggingConfig configures the operational logger and move tracer.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "trace" additionally writes per-move JSONL diagnostics.
	Level string `yaml:"level"`
}

// Default returns the configuration used by the original program's quick
// self-test: tiny step counts, beta 0.1, tau 0.05, all observables enabled.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			EquilibrationSteps:  1,
			ProductionSteps:     2500,
			StepsPerMeasurement: 10,
			Beta:                0.1,
			Tau:                 0.05,
		},
		Chain: ChainConfig{
			Qmax:         1000,
			WeightPolicy: WeightSigned,
		},
		Updates: UpdateConfig{
			CycleSearch:               string(hamiltonian.CycleExhaustive),
			GapGeometricParameter:     0.8,
			CompositeBreakProbability: 0.9,
		},
		Measure: MeasureConfig{
			Bins: 250,
		},
		RNG: RNGConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults and
// applies environment overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Load returns the defaults with environment overrides applied.
func Load() *Config {
	cfg := Default()
	applyEnvOverrides(cfg)
	return cfg
}

// Validate checks the full behavioral matrix once at startup.
func (c *Config) Validate() error {
	if c.Run.EquilibrationSteps < 0 {
		return fmt.Errorf("equilibration_steps must be non-negative, got %d", c.Run.EquilibrationSteps)
	}
	if c.Run.ProductionSteps < 0 {
		return fmt.Errorf("production_steps must be non-negative, got %d", c.Run.ProductionSteps)
	}
	if c.Run.StepsPerMeasurement < 1 {
		return fmt.Errorf("steps_per_measurement must be at least 1, got %d", c.Run.StepsPerMeasurement)
	}
	if c.Run.Beta <= 0 {
		return fmt.Errorf("beta must be positive, got %v", c.Run.Beta)
	}
	if c.Run.Tau < 0 || c.Run.Tau > c.Run.Beta {
		return fmt.Errorf("tau must lie in [0, beta], got %v", c.Run.Tau)
	}
	if c.Chain.Qmax < 2 {
		return fmt.Errorf("qmax must be at least 2, got %d", c.Chain.Qmax)
	}
	if c.Chain.WeightPolicy != WeightSigned && c.Chain.WeightPolicy != WeightAbs {
		return fmt.Errorf("invalid weight_policy: %s (valid: signed, abs)", c.Chain.WeightPolicy)
	}
	cs := hamiltonian.CyclePolicy(c.Updates.CycleSearch)
	if cs != hamiltonian.CycleExhaustive && cs != hamiltonian.CycleRestrictive {
		return fmt.Errorf("invalid cycle_search: %s (valid: exhaustive, restrictive)", c.Updates.CycleSearch)
	}
	if g := c.Updates.GapGeometricParameter; g <= 0 || g >= 1 {
		return fmt.Errorf("gap_geometric_parameter must lie in (0,1), got %v", g)
	}
	if p := c.Updates.CompositeBreakProbability; p <= 0 || p > 1 {
		return fmt.Errorf("composite_break_probability must lie in (0,1], got %v", p)
	}
	if c.Measure.Bins < 2 {
		return fmt.Errorf("bins must be at least 2, got %d", c.Measure.Bins)
	}
	for _, name := range c.Measure.Observables {
		if !measure.Known(measure.Observable(name)) {
			return fmt.Errorf("unknown observable: %s", name)
		}
	}
	validLevels := map[string]bool{"": true, "info": true, "debug": true, "trace": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace)", c.Logging.Level)
	}
	return nil
}

// EnabledObservables resolves the observable list; empty means the full
// standard set.
func (c *Config) EnabledObservables() []measure.Observable {
	if len(c.Measure.Observables) == 0 {
		return measure.Standard()
	}
	out := make([]measure.Observable, 0, len(c.Measure.Observables))
	for _, name := range c.Measure.Observables {
		out = append(out, measure.Observable(name))
	}
	return out
}

// applyEnvOverrides applies PMRQMC_* environment overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PMRQMC_BETA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Run.Beta = f
		}
	}
	if v := os.Getenv("PMRQMC_TAU"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Run.Tau = f
		}
	}
	if v := os.Getenv("PMRQMC_PRODUCTION_STEPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Run.ProductionSteps = n
		}
	}
	if v := os.Getenv("PMRQMC_EQUILIBRATION_STEPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Run.EquilibrationSteps = n
		}
	}
	if v := os.Getenv("PMRQMC_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.RNG.Seed = n
			cfg.RNG.Reproducible = true
		}
	}
	if v := os.Getenv("PMRQMC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
