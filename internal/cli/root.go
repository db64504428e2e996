package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mergegate/mergegate/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "mergegate",
	Short: "Governance gate for code changes",
	Long:  "Decides whether a proposed change may merge: evaluates analyzer findings against policy, runs the gating pipeline, and records tamper-evident evidence of every decision.",
}

var (
	flagDataDir string
	flagVerbose bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (default ~/.mergegate)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// dataDir resolves the data directory, creating it if needed.
func dataDir() (string, error) {
	dir := flagDataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".mergegate")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("cannot create data directory: %w", err)
	}
	return dir, nil
}

// openStore opens the record store under the data directory.
func openStore() (*store.Store, string, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, "", err
	}
	st, err := store.Open(store.Config{
		Path:   filepath.Join(dir, "mergegate.db"),
		Logger: newLogger(),
	})
	if err != nil {
		return nil, "", err
	}
	return st, dir, nil
}

// chainPath returns the evidence chain file under the data directory.
func chainPath(dir string) string {
	return filepath.Join(dir, "evidence.jsonl")
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
