package main

import (
	"fmt"

	"streamgate/internal/core/services"
	"streamgate/internal/core/session"
	"streamgate/internal/infrastructure/process"
	"streamgate/internal/infrastructure/repositories"
	"streamgate/pkg/logger"

	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Kill engine processes left behind by a previous run and clean their output",
	Long: `reap reads the process ledger, terminates every engine process still
recorded there and removes session output directories under the output
root. With a Redis ledger it refuses to run while a server on this host
holds the ledger; otherwise run it only while no server is using the same
ledger.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
		defer zapLogger.Sync()
		log := zapLogger.Sugar()

		repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
		if err != nil {
			return fmt.Errorf("create repository factory: %w", err)
		}
		defer repoFactory.Close()

		releaseLedger, err := acquireLedgerLock(cmd.Context(), repoFactory, log)
		if err != nil {
			return err
		}
		defer releaseLedger()

		// an empty registry owns nothing, so every directory is an orphan
		registry := session.NewRegistry(nil, nil, nil, session.Options{}, 0, log)
		reaper := services.NewReaper(registry, repoFactory.CreateProcessLedger(), process.KillOrphan, nil, reaperConfigFrom(cfg), log)

		res, err := reaper.RecoverOrphans(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "killed %d, cleared %d ledger records, removed %d directories\n",
			res.Killed, res.Cleared, res.DirsRemoved)
		return err
	},
}
