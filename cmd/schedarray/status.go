package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a single job's status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	sched, st, err := openScheduler()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := sched.GetJobStatus(cmd.Context(), resolveJobID(args[0]))
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "job_id:\t%s\n", job.JobID)
	fmt.Fprintf(w, "job_name:\t%s\n", job.JobName)
	fmt.Fprintf(w, "state:\t%s\n", job.State)
	fmt.Fprintf(w, "command:\t%s\n", job.Command)
	fmt.Fprintf(w, "user:\t%s\n", job.User)
	fmt.Fprintf(w, "priority:\t%d\n", job.Priority)
	fmt.Fprintf(w, "worker_id:\t%s\n", job.WorkerID)
	if job.ReturnCode != nil {
		fmt.Fprintf(w, "return_code:\t%d\n", *job.ReturnCode)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(w, "error_message:\t%s\n", job.ErrorMessage)
	}
	fmt.Fprintf(w, "stdout_path:\t%s\n", job.StdoutPath)
	fmt.Fprintf(w, "stderr_path:\t%s\n", job.StderrPath)
	return nil
}
