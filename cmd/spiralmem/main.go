// Package main provides the spiralmem CLI entry point: cron-friendly
// wrappers around the store's migrate, repair, health and gc operations.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/spiralmem/pkg/config"
	"github.com/orneryd/spiralmem/pkg/migrate"
	"github.com/orneryd/spiralmem/pkg/spiralmem"
	"github.com/orneryd/spiralmem/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Exit codes for schedulers. exitCorrected lets cron distinguish "ran and
// fixed something" from "ran and found nothing".
const (
	exitOK        = 0
	exitFailure   = 1
	exitCorrected = 3
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spiralmem",
		Short: "Spiral Memory Store - content-addressed memory engine",
		Long: `Spiral Memory Store organizes memory nodes into topological spirals,
persists them through interchangeable backends, evicts stale entries
under a bounded budget and answers similarity queries over derived
resonance patterns.

Backends: memory, badger, redis, redis-cluster
Configuration: SPIRALMEM_* environment variables or --config YAML file`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("spiralmem v%s (%s)\n", version, commit)
		},
	})

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate serialized records into the configured backend",
		Long: `Migrate reads record files from SPIRALMEM_MIGRATE_SOURCE (or --source),
validates each one, and writes it into the backend selected by the
SPIRALMEM_STORAGE_* variables. Failures are accumulated per file and
reported at the end; any failed record or verification mismatch exits
non-zero.`,
		RunE: runMigrate,
	}
	migrateCmd.Flags().String("source", "", "Source directory (overrides SPIRALMEM_MIGRATE_SOURCE)")
	migrateCmd.Flags().Bool("dry-run", false, "Validate and report without writing to the target")
	migrateCmd.Flags().String("backup", "", "Copy source files into this directory before writing")
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "repair",
		Short: "Rebuild spiral statistics and report drift",
		Long: `Repair re-derives every spiral's aggregate statistics from its member
nodes. Exit 0 when nothing drifted, exit 3 when corrections were
applied, exit 1 on unexpected failure.`,
		RunE: runRepair,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check backend connectivity and structural invariants",
		RunE:  runHealth,
	})

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Run manual eviction cycles",
		RunE:  runGC,
	}
	gcCmd.Flags().Int("cycles", 1, "Number of garbage-collection cycles to run")
	rootCmd.AddCommand(gcCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailure)
	}
}

// loadConfig builds the configuration from the environment, overlaid by the
// --config file when given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path, _ = cmd.InheritedFlags().GetString("config")
	}

	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.LoadFromEnv()
}

func openStore(cmd *cobra.Command) (*spiralmem.DB, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return spiralmem.Open(cmd.Context(), cfg, nil)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backup, _ := cmd.Flags().GetString("backup")

	if source == "" {
		source = os.Getenv("SPIRALMEM_MIGRATE_SOURCE")
	}
	if source == "" {
		return errors.New("no source directory: set SPIRALMEM_MIGRATE_SOURCE or pass --source")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	target, err := storage.Open(storage.Options{
		Kind:      storage.Kind(cfg.Storage.Kind),
		DataDir:   cfg.Storage.DataDir,
		Addr:      cfg.Storage.Addr,
		Addrs:     cfg.Storage.Addrs,
		Password:  cfg.Storage.Password,
		DB:        cfg.Storage.DB,
		OpTimeout: cfg.Storage.OpTimeout.Std(),
	})
	if err != nil {
		return err
	}
	defer target.Close()

	fmt.Printf("Migrating records from %s to %s backend", source, cfg.Storage.Kind)
	if dryRun {
		fmt.Print(" (dry run)")
	}
	fmt.Println()

	report, err := migrate.Migrate(cmd.Context(), source, target, migrate.Options{
		DryRun:        dryRun,
		BackupDir:     backup,
		RetryAttempts: cfg.Storage.RetryAttempts,
		RetryBackoff:  cfg.Storage.RetryBackoff.Std(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Migrated: %d\n", report.Migrated)
	fmt.Printf("Failed:   %d\n", report.Failed)
	fmt.Printf("Skipped:  %d\n", report.Skipped)
	for _, f := range report.Failures {
		fmt.Printf("  %s: %s\n", f.File, f.Reason)
	}

	if !dryRun {
		if err := migrate.Verify(cmd.Context(), target, int64(report.Migrated)); err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(exitFailure)
		}
		fmt.Printf("Verified: target holds %d records\n", report.Migrated)
	}

	// Partial success is reported above, but a non-zero failure count is a
	// hard exit signal to the invoking process.
	if report.Failed > 0 {
		os.Exit(exitFailure)
	}
	return nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := db.RebuildSpiralStats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Spirals checked:   %d\n", report.SpiralsChecked)
	fmt.Printf("Spirals corrected: %d\n", len(report.Corrected))
	for _, c := range report.Corrected {
		fmt.Printf("  %s: node count %d -> %d\n", c.SpiralID, c.PrevNodeCount, c.NodeCount)
	}

	if len(report.Corrected) > 0 {
		db.Close()
		os.Exit(exitCorrected)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.CheckStorageHealth(cmd.Context()); err != nil {
		return err
	}

	stats := db.Stats()
	fmt.Println("Storage healthy")
	fmt.Printf("  Spirals:    %d\n", stats.Spirals)
	fmt.Printf("  Indexed:    %d\n", stats.IndexedPatterns)
	fmt.Printf("  GC backlog: %d\n", stats.GCBacklog)
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	cycles, _ := cmd.Flags().GetInt("cycles")
	if cycles < 1 {
		cycles = 1
	}

	db, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	totalCollected := 0
	for i := 0; i < cycles; i++ {
		stats, err := db.TriggerGC(ctx)
		if err != nil {
			return err
		}
		totalCollected += stats.Collected
		fmt.Printf("Cycle %d: examined=%d collected=%d requeued=%d\n",
			i+1, stats.Examined, stats.Collected, stats.Requeued)
	}

	final := db.Stats()
	fmt.Printf("Collected %d nodes, backlog %d remaining\n", totalCollected, final.GCBacklog)
	return nil
}
