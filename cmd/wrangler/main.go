// Package main is the entry point for the Wrangler CLI
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/wrangler/internal/config"
	"github.com/cloud-shuttle/wrangler/internal/db"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "wrangler",
		Short: "Drive an objective to completion with parallel coding agents",
		Long: `Wrangler runs an objective through repeated iterations. Each iteration a
planner picks work items, one agent per item works in its own git worktree,
finished branches are merged serially into an integration branch and a
verifier checks the result. The loop stops when the planner declares the
objective done or stuck, when the iteration limit is hit, or when you pause
or abort it.`,
		Version:      "0.1.0",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		initCmd(),
		runCmd(),
		resumeCmd(),
		statusCmd(),
		pauseCmd(),
		abortCmd(),
		commentCmd(),
		cleanupCmd(),
		historyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// findProjectDir locates the wrangler project root by searching upward
func findProjectDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, config.StateDirName)); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a wrangler project (or any parent up to root); run 'wrangler init' first")
		}
		dir = parent
	}
}

// requireProject ensures we're in a wrangler project and opens its store
func requireProject() (string, *db.Store, error) {
	dir, err := findProjectDir()
	if err != nil {
		return "", nil, err
	}

	// Projects initialized before the state dir was ignored get it now
	if err := config.EnsureStateDir(dir); err != nil {
		return "", nil, err
	}

	store, err := db.Open(filepath.Join(dir, config.StateDirName, "wrangler.db"))
	if err != nil {
		return "", nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return "", nil, fmt.Errorf("initializing schema: %w", err)
	}
	if err := store.MigrateSchema(); err != nil {
		store.Close()
		return "", nil, fmt.Errorf("migrating schema: %w", err)
	}

	return dir, store, nil
}
