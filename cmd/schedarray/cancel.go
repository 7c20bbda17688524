package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Cancel a pending or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	sched, st, err := openScheduler()
	if err != nil {
		return err
	}
	defer st.Close()

	jobID := resolveJobID(args[0])
	if err := sched.CancelJob(cmd.Context(), jobID); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", jobID)
	return nil
}
