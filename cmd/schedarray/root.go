// Command schedarray is the CLI front-end for the job scheduler: submit,
// inspect, and manage jobs against a shared SQLite or Postgres database, and
// control the worker-pool service that actually runs them.
package main

import (
	"fmt"
	"os"

	"github.com/schedarray/schedarray/internal/config"
	"github.com/schedarray/schedarray/internal/errs"
	"github.com/schedarray/schedarray/internal/scheduler"
	"github.com/schedarray/schedarray/internal/store"
	"github.com/spf13/cobra"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "schedarray",
	Short: "A single-host job scheduler",
	Long: `schedarray submits shell commands to a priority queue backed by a
shared database and runs them under a local worker pool.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "path to the schedarray database (default: $SCHEDARRAY_DB or ~/.schedarray/schedarray.db)")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(countsCmd)
	rootCmd.AddCommand(serviceCmd)
}

// resolvedDBPath returns the effective database path: --db-path wins, then
// SCHEDARRAY_DB, then the config package default.
func resolvedDBPath() (string, error) {
	if dbPath != "" {
		return dbPath, nil
	}
	cfg, err := config.Load("")
	if err != nil {
		return "", err
	}
	return cfg.DBPath, nil
}

// openScheduler opens the store at the resolved DB path and wraps it in a
// Scheduler. Callers must Close the returned store when done.
func openScheduler() (*scheduler.Scheduler, store.Store, error) {
	path, err := resolvedDBPath()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return scheduler.New(st, nil), st, nil
}

// exitCode maps a SchedArray error kind to the process exit code spec.md §7
// assigns it: validation/usage problems are 2, everything else recoverable
// is 1. Errors cobra raises itself (unknown flag, wrong arg count) never
// carry a *errs.Error and are usage errors too.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errs.Is(err, errs.Validation) {
		return 2
	}
	if _, ok := err.(*errs.Error); !ok {
		return 2
	}
	return 1
}

func printCLIError(err error) {
	kind := errs.Kind("usage")
	if e, ok := err.(*errs.Error); ok {
		kind = e.Kind
	}
	fmt.Fprintf(os.Stderr, "error: %s: %s\n", kind, err.Error())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printCLIError(err)
		os.Exit(exitCode(err))
	}
}
