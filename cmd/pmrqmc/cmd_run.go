package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/naezzell/advmeaPMRQMC/internal/config"
	"github.com/naezzell/advmeaPMRQMC/internal/engine"
	"github.com/naezzell/advmeaPMRQMC/internal/hamiltonian"
	"github.com/naezzell/advmeaPMRQMC/internal/logging"
	"github.com/naezzell/advmeaPMRQMC/internal/results"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a Monte Carlo simulation from scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ham, err := loadHamiltonian(cmd, cfg)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			tracer := logging.NewMoveTracer(".pmrqmc", cfg.Logging.Level)
			defer tracer.Close()

			runner, err := engine.New(cfg, ham, logger, tracer)
			if err != nil {
				return err
			}
			return executeRun(cmd, cfg, runner, logger)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to YAML config file (defaults apply when omitted)")
	cmd.Flags().String("hamiltonian", "", "Path to YAML Hamiltonian term file (required)")
	cmd.Flags().String("checkpoint", "", "Checkpoint file path (written on completion or interruption)")
	cmd.Flags().String("results", "", "SQLite results database to record estimates into")
	cmd.Flags().Bool("hurry", false, "Treat the first interrupt signal as expedited (truncate the in-flight composite update)")
	cmd.MarkFlagRequired("hamiltonian")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func loadHamiltonian(cmd *cobra.Command, cfg *config.Config) (*hamiltonian.Index, error) {
	path, _ := cmd.Flags().GetString("hamiltonian")
	terms, err := hamiltonian.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return hamiltonian.Build(terms, hamiltonian.Options{
		CycleSearch: hamiltonian.CyclePolicy(cfg.Updates.CycleSearch),
	})
}

// executeRun drives a runner to completion or interruption, then writes the
// checkpoint and results the flags ask for.
func executeRun(cmd *cobra.Command, cfg *config.Config, runner *engine.Runner, logger *slog.Logger) error {
	checkpointPath, _ := cmd.Flags().GetString("checkpoint")
	resultsPath, _ := cmd.Flags().GetString("results")
	hurry, _ := cmd.Flags().GetBool("hurry")

	tok := &engine.Token{}
	sig := make(chan os.Signal, 1)
	notifySignals(sig)
	go func() {
		for range sig {
			if hurry || tok.Requested() {
				logger.Info("expedited interrupt requested")
				tok.RequestExpedited()
			} else {
				logger.Info("interrupt requested, stopping at next step boundary")
				tok.Request()
			}
		}
	}()

	start := time.Now()
	res, err := runner.Run(context.Background(), tok)
	if err != nil {
		return err
	}
	logger.Info("run finished",
		"run_id", res.RunID,
		"steps_done", res.StepsDone,
		"interrupted", res.Interrupted,
		"elapsed", time.Since(start))

	if checkpointPath != "" {
		if err := runner.WriteCheckpoint(checkpointPath); err != nil {
			return fmt.Errorf("writing checkpoint: %w", err)
		}
	}
	if resultsPath != "" && !res.Interrupted {
		store, err := results.Open(resultsPath)
		if err != nil {
			return err
		}
		defer store.Close()
		rec := results.RunRecord{
			RunID:       res.RunID,
			CreatedAt:   time.Now(),
			Params:      cfg,
			MeanQ:       res.MeanQ,
			MaxQ:        res.MaxQ,
			Interrupted: res.Interrupted,
		}
		if err := store.Record(context.Background(), rec, res.Estimates); err != nil {
			return fmt.Errorf("recording results: %w", err)
		}
	}
	return printResult(cmd, res)
}

func printResult(cmd *cobra.Command, res *engine.Result) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(res)
	}
	fmt.Printf("run %s\n", res.RunID)
	if res.Interrupted {
		fmt.Printf("interrupted after %d steps (partial bins reported)\n", res.StepsDone)
	}
	fmt.Printf("mean sequence length: %.3f (max %d)\n\n", res.MeanQ, res.MaxQ)
	for _, e := range res.Estimates {
		fmt.Printf("%-16s % .10g +/- %.3g  (%d samples, %d bins)\n",
			e.Observable, e.Mean, e.StdErr, e.Samples, e.Bins)
	}
	return nil
}
