package main

import (
	"github.com/spf13/cobra"

	"github.com/openmusicplayer/ingestd/internal/config"
	"github.com/openmusicplayer/ingestd/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "ingestd",
	Short:         "Media ingestion service: uploads, transcoding and stream URLs",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		log = logger.New(&logger.Config{
			Level:      logger.ParseLevel(cfg.Log.Level),
			FilePath:   cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   true,
		})
		logger.SetDefault(log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, tokenCmd, queueCmd, trackCmd)
}
