package store

import (
	"database/sql"
	"fmt"

	"github.com/schedarray/schedarray/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s. Used for
// nullable text columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroInt returns nil if n is zero, otherwise returns n, for nullable
// integer columns where zero is not a meaningful value. No statement in this
// package calls it at present.
func nilIfZeroInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job_queue row in the fixed column order used by
// every SELECT in this package:
//
//	job_id, job_name, command, working_dir, cpus, memory, timeout_seconds,
//	priority, user, state, return_code, stdout_path, stderr_path,
//	submit_time, start_time, end_time, worker_id, pid, error_message
func scanJob(r rowScanner) (*models.Job, error) {
	var j models.Job
	var jobID int64
	var workingDir, memory, stdoutPath, stderrPath, workerID, errorMessage sql.NullString
	var returnCode sql.NullInt64
	var pid sql.NullInt64
	var startTime, endTime sql.NullTime

	err := r.Scan(
		&jobID, &j.JobName, &j.Command, &workingDir, &j.CPUs, &memory, &j.TimeoutSeconds,
		&j.Priority, &j.User, &j.State, &returnCode, &stdoutPath, &stderrPath,
		&j.SubmitTime, &startTime, &endTime, &workerID, &pid, &errorMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	j.JobID = fmt.Sprintf("job_%d", jobID)
	j.WorkingDir = workingDir.String
	j.Memory = memory.String
	j.StdoutPath = stdoutPath.String
	j.StderrPath = stderrPath.String
	j.WorkerID = workerID.String
	j.ErrorMessage = errorMessage.String
	if returnCode.Valid {
		rc := int(returnCode.Int64)
		j.ReturnCode = &rc
	}
	if pid.Valid {
		j.PID = int(pid.Int64)
	}
	if startTime.Valid {
		t := startTime.Time
		j.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		j.EndTime = &t
	}
	return &j, nil
}

const jobColumns = `job_id, job_name, command, working_dir, cpus, memory, timeout_seconds,
		priority, "user", state, return_code, stdout_path, stderr_path,
		submit_time, start_time, end_time, worker_id, pid, error_message`

// numericJobID strips the "job_" prefix SchedArray presents externally and
// returns the underlying row id used by both backends as their primary key.
func numericJobID(jobID string) (int64, error) {
	var n int64
	if _, err := fmt.Sscanf(jobID, "job_%d", &n); err != nil {
		return 0, fmt.Errorf("malformed job id %q: %w", jobID, err)
	}
	return n, nil
}

func joinComma(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
