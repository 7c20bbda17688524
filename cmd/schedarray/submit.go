package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/schedarray/schedarray/internal/models"
	"github.com/spf13/cobra"
)

var (
	submitCommand    string
	submitScript     string
	submitJobName    string
	submitWorkingDir string
	submitCPUs       int
	submitMemory     string
	submitTimeout    int
	submitPriority   int
	submitOutput     string
	submitError      string
	submitJSON       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	RunE:  runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVarP(&submitCommand, "command", "c", "", "shell command to run")
	f.StringVarP(&submitScript, "script", "s", "", "path to a script to run instead of --command")
	f.StringVarP(&submitJobName, "job-name", "J", "", "human-readable job name")
	f.StringVarP(&submitWorkingDir, "working-dir", "d", "", "working directory for the command")
	f.IntVarP(&submitCPUs, "cpus", "n", 0, "cpus requested (informational, default 1)")
	f.StringVarP(&submitMemory, "memory", "m", "", `memory requested, e.g. "512M"`)
	f.IntVarP(&submitTimeout, "timeout", "t", 0, "timeout in seconds (0 = no timeout)")
	f.IntVarP(&submitPriority, "priority", "p", 0, "scheduling priority, higher runs first")
	f.StringVarP(&submitOutput, "output", "o", "", "accepted but ignored: stdout always goes to the worker's own log file")
	f.StringVarP(&submitError, "error", "e", "", "accepted but ignored: stderr always goes to the worker's own log file")
	f.BoolVar(&submitJSON, "json", false, "output the submitted job as JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	command := submitCommand
	if submitScript != "" {
		if command != "" {
			return cmdUsageError("--command and --script are mutually exclusive")
		}
		command = submitScript
	}

	sched, st, err := openScheduler()
	if err != nil {
		return err
	}
	defer st.Close()

	job, err := sched.SubmitJob(cmd.Context(), models.SubmitRequest{
		JobName:        submitJobName,
		Command:        command,
		WorkingDir:     submitWorkingDir,
		CPUs:           submitCPUs,
		Memory:         submitMemory,
		TimeoutSeconds: submitTimeout,
		Priority:       submitPriority,
	})
	if err != nil {
		return err
	}

	if submitJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	fmt.Println(job.JobID)
	return nil
}
