package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/schedarray/schedarray/internal/models"
	"github.com/spf13/cobra"
)

var (
	cleanupCompleted bool
	cleanupFailed    bool
	cleanupCancelled bool
	cleanupTimeout   bool
	cleanupOlderDays int
	cleanupJSON      bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old terminal job records (and their logs)",
	RunE:  runCleanup,
}

func init() {
	f := cleanupCmd.Flags()
	f.BoolVar(&cleanupCompleted, "completed", false, "include completed jobs")
	f.BoolVar(&cleanupFailed, "failed", false, "include failed jobs")
	f.BoolVar(&cleanupCancelled, "cancelled", false, "include cancelled jobs")
	f.BoolVar(&cleanupTimeout, "timeout", false, "include timed-out jobs")
	f.IntVar(&cleanupOlderDays, "older-than-days", 7, "only remove jobs whose end_time is older than this many days")
	f.BoolVar(&cleanupJSON, "json", false, "output the removed count as JSON")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	var states []models.State
	if cleanupCompleted {
		states = append(states, models.StateCompleted)
	}
	if cleanupFailed {
		states = append(states, models.StateFailed)
	}
	if cleanupCancelled {
		states = append(states, models.StateCancelled)
	}
	if cleanupTimeout {
		states = append(states, models.StateTimeout)
	}

	sched, st, err := openScheduler()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := sched.Cleanup(cmd.Context(), time.Duration(cleanupOlderDays)*24*time.Hour, states...)
	if err != nil {
		return err
	}

	if cleanupJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]int{"removed": n})
	}
	fmt.Printf("removed %d job(s)\n", n)
	return nil
}
