package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/naezzell/advmeaPMRQMC/internal/checkpoint"
	"github.com/naezzell/advmeaPMRQMC/internal/engine"
	"github.com/naezzell/advmeaPMRQMC/internal/logging"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a simulation from a checkpoint",
		Long: `resume validates the checkpoint against the supplied configuration and
Hamiltonian and continues the Markov chain. In reproducible-seed mode the
continuation is bit-identical to an uninterrupted run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ham, err := loadHamiltonian(cmd, cfg)
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString("checkpoint")
			payload, err := checkpoint.Load(path)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging.Level, os.Stderr)
			tracer := logging.NewMoveTracer(".pmrqmc", cfg.Logging.Level)
			defer tracer.Close()

			runner, err := engine.Resume(cfg, ham, payload, logger, tracer)
			if err != nil {
				return err
			}
			logger.Info("resuming run",
				"run_id", runner.RunID(),
				"steps_done", payload.StepsDone,
				"equilibrated", payload.Equilibrated)
			return executeRun(cmd, cfg, runner, logger)
		},
	}
	addRunFlags(cmd)
	cmd.MarkFlagRequired("checkpoint")
	return cmd
}
