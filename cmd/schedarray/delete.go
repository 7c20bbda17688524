package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a terminal job's record",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	sched, st, err := openScheduler()
	if err != nil {
		return err
	}
	defer st.Close()

	jobID := resolveJobID(args[0])
	if err := sched.DeleteJob(cmd.Context(), jobID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", jobID)
	return nil
}
