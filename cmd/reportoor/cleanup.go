package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/reportoor/pkg/preview"
)

var cleanupMaxAge time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale report previews from the scratch directory",
	Long: `Remove extracted report previews older than the configured max age.
This runs the same pruning the server schedules, once, and is useful when the
scheduled cleanup is disabled or the server is not running.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 0,
		"Override preview.cleanup.max_age (e.g. 6h)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	maxAge, err := cfg.Preview.MaxAge()
	if err != nil {
		return err
	}

	if cleanupMaxAge > 0 {
		maxAge = cleanupMaxAge
	}

	owner, err := cfg.Preview.ParsedOwner()
	if err != nil {
		return err
	}

	// A running server may share the scratch dir, so its staging dirs are
	// left alone here.
	cache := preview.NewCache(log, cfg.Preview.ScratchDir, owner)
	if err := cache.EnsureRoot(); err != nil {
		return fmt.Errorf("initializing preview cache: %w", err)
	}

	removed, err := preview.NewCleaner(
		log, cache, cfg.Preview.Cleanup.Schedule, maxAge,
	).RunOnce()
	if err != nil {
		return fmt.Errorf("pruning previews: %w", err)
	}

	log.WithField("removed", removed).
		WithField("max_age", maxAge.String()).
		Info("Preview cleanup complete")

	return nil
}
