package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var countsJSON bool

var countsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Show job counts by state",
	RunE:  runCounts,
}

func init() {
	countsCmd.Flags().BoolVar(&countsJSON, "json", false, "output as JSON")
}

func runCounts(cmd *cobra.Command, args []string) error {
	sched, st, err := openScheduler()
	if err != nil {
		return err
	}
	defer st.Close()

	counts, err := sched.CountByState(cmd.Context())
	if err != nil {
		return err
	}

	if countsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "STATE\tCOUNT")
	for state, n := range counts {
		fmt.Fprintf(w, "%s\t%d\n", state, n)
	}
	return nil
}
