package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schedarray/schedarray/internal/models"
	"github.com/spf13/cobra"
)

var (
	listState string
	listUser  string
	listLimit int
	listJSON  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runList,
}

func init() {
	f := listCmd.Flags()
	f.StringVar(&listState, "state", "", "filter by state (pending, running, completed, failed, cancelled, timeout)")
	f.StringVar(&listUser, "user", "", "filter by submitting user")
	f.IntVar(&listLimit, "limit", 0, "maximum number of jobs to return (0 = unlimited)")
	f.BoolVar(&listJSON, "json", false, "output as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	filter := models.Filter{User: listUser, Limit: listLimit}
	if listState != "" {
		st := models.State(listState)
		if !st.IsValid() {
			return cmdUsageError("unknown state %q", listState)
		}
		filter.State = st
	}

	sched, st, err := openScheduler()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := sched.ListJobs(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "JOB ID\tNAME\tSTATE\tPRIORITY\tUSER\tSUBMITTED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			j.JobID, j.JobName, j.State, j.Priority, j.User, j.SubmitTime.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}
