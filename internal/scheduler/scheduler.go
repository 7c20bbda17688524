// Package scheduler implements the job-lifecycle operations SchedArray
// exposes to the CLI and worker pool: submission, status lookup,
// cancellation, listing, counting, deletion, and cleanup, plus the
// pool-internal claim/update primitives.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schedarray/schedarray/internal/errs"
	"github.com/schedarray/schedarray/internal/models"
	"github.com/schedarray/schedarray/internal/store"
	"go.uber.org/zap"
)

// DefaultCPUs is applied to a SubmitRequest when the caller leaves cpus at
// its zero value.
const DefaultCPUs = 1

// Option configures optional Scheduler behavior.
type Option func(*Scheduler)

// WithLogDir enables Cleanup's log-file removal: when a terminal job's row
// is deleted, its <job_id>.* files under dir are removed too. Leaving this
// unset skips log cleanup entirely, which is correct when logs are
// redirected somewhere Cleanup has no business touching.
func WithLogDir(dir string) Option {
	return func(s *Scheduler) { s.logDir = dir }
}

// Scheduler is the job-lifecycle façade over a Store. It is safe for
// concurrent use; all transition guards are enforced by the Store's guarded
// UPDATE statements, not by in-process locking.
type Scheduler struct {
	store store.Store
	log   *zap.Logger

	logDir string
}

// New constructs a Scheduler backed by the given Store.
func New(st store.Store, log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{store: st, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// registry holds the process-wide default Scheduler, set by internal/service
// (or any caller) via SetDefault, and fetched by library code that does not
// carry its own reference.
var registry *Scheduler

// SetDefault installs s as the process-wide default Scheduler.
func SetDefault(s *Scheduler) { registry = s }

// Default returns the process-wide default Scheduler, or nil if none has
// been installed.
func Default() *Scheduler { return registry }

// SubmitJob validates req, applies defaults, and persists a new pending
// job.
func (s *Scheduler) SubmitJob(ctx context.Context, req models.SubmitRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, errs.ValidationErrorf("%s", err.Error())
	}

	job := &models.Job{
		JobName:        req.JobName,
		Command:        req.Command,
		WorkingDir:     req.WorkingDir,
		CPUs:           req.CPUs,
		Memory:         req.Memory,
		TimeoutSeconds: req.TimeoutSeconds,
		Priority:       req.Priority,
		User:           req.User,
	}
	if job.JobName == "" {
		job.JobName = fmt.Sprintf("job_%d", time.Now().UTC().UnixNano())
	}
	if job.CPUs == 0 {
		job.CPUs = DefaultCPUs
	}
	if job.User == "" {
		job.User = "unknown"
	}

	if err := s.store.Insert(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("job submitted", zap.String("job_id", job.JobID), zap.String("command", job.Command))
	return job, nil
}

// GetJobStatus returns the current row for jobID.
func (s *Scheduler) GetJobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.Get(ctx, jobID)
}

// cancelSentinel is written into error_message to flag a running job for
// asynchronous cancellation; the worker pool's supervisor goroutine polls
// for it and performs the actual kill.
const cancelSentinel = "__cancel_requested__"

// CancelJob marks a job cancelled. A pending job is cancelled synchronously
// right here; a running job is only flagged — the worker pool observes the
// flag and performs the kill, then transitions the row to cancelled itself.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.State {
	case models.StatePending:
		now := time.Now().UTC()
		return s.store.UpdateState(ctx, jobID, []models.State{models.StatePending}, models.StateCancelled, store.StatePatch{
			EndTime: &now,
		})
	case models.StateRunning:
		msg := cancelSentinel
		return s.store.UpdateState(ctx, jobID, []models.State{models.StateRunning}, models.StateRunning, store.StatePatch{
			ErrorMessage: &msg,
		})
	default:
		return errs.IllegalTransitionf("job %s is in terminal state %s, cannot cancel", jobID, job.State)
	}
}

// CancelRequested reports whether job carries the async-cancel sentinel a
// prior CancelJob call wrote.
func CancelRequested(job *models.Job) bool {
	return job.ErrorMessage == cancelSentinel
}

// ListJobs returns jobs matching filter, highest priority first and FIFO
// within a priority tier.
func (s *Scheduler) ListJobs(ctx context.Context, filter models.Filter) ([]*models.Job, error) {
	return s.store.Query(ctx, filter)
}

// CountByState returns the number of jobs in each state.
func (s *Scheduler) CountByState(ctx context.Context) (map[models.State]int, error) {
	return s.store.CountByState(ctx)
}

// DeleteJob removes a job's row. Pending and running jobs cannot be deleted.
func (s *Scheduler) DeleteJob(ctx context.Context, jobID string) error {
	return s.store.Delete(ctx, jobID)
}

// allTerminalStates is the default state set Cleanup targets when the
// caller does not narrow it.
var allTerminalStates = []models.State{models.StateCompleted, models.StateFailed, models.StateCancelled, models.StateTimeout}

// Cleanup deletes jobs in states (or every terminal state, if states is
// empty) whose EndTime is older than olderThan, and removes their
// stdout/stderr log files when WithLogDir was given.
func (s *Scheduler) Cleanup(ctx context.Context, olderThan time.Duration, states ...models.State) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	if len(states) == 0 {
		states = allTerminalStates
	}

	var staleIDs []string
	if s.logDir != "" {
		for _, st := range states {
			rows, err := s.store.Query(ctx, models.Filter{State: st})
			if err != nil {
				return 0, err
			}
			for _, job := range rows {
				if job.EndTime != nil && job.EndTime.Before(cutoff) {
					staleIDs = append(staleIDs, job.JobID)
				}
			}
		}
	}

	n, err := s.store.Cleanup(ctx, states, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("cleanup removed terminal jobs", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}

	for _, id := range staleIDs {
		s.removeJobLogs(id)
	}
	return n, nil
}

// removeJobLogs globs <logDir>/<job_id>.* and removes every match, logging
// (but not failing Cleanup on) individual removal errors.
func (s *Scheduler) removeJobLogs(jobID string) {
	pattern := filepath.Join(s.logDir, jobID+".*")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		s.log.Warn("failed to glob job logs", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			s.log.Warn("failed to remove job log", zap.String("path", m), zap.Error(err))
		}
	}
}

// ClaimNext atomically claims the highest-priority, earliest-submitted
// pending job for workerID. Returns nil, nil if none is available.
func (s *Scheduler) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	return s.store.ClaimOne(ctx, workerID)
}

// UpdateJobState applies a guarded transition with the given patch fields.
func (s *Scheduler) UpdateJobState(ctx context.Context, jobID string, from []models.State, to models.State, patch store.StatePatch) error {
	return s.store.UpdateState(ctx, jobID, from, to, patch)
}

// RecoverOrphans transitions running jobs whose worker_id does not appear
// in liveWorkers to failed with error_message "orphaned by restart". It is
// called once by the worker pool on Start, before any new job is claimed.
func (s *Scheduler) RecoverOrphans(ctx context.Context, liveWorkers map[string]bool) (int, error) {
	running, err := s.store.Query(ctx, models.Filter{State: models.StateRunning})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range running {
		if liveWorkers[job.WorkerID] {
			continue
		}
		msg := "orphaned by restart"
		now := time.Now().UTC()
		rc := -1
		err := s.store.UpdateState(ctx, job.JobID, []models.State{models.StateRunning}, models.StateFailed, store.StatePatch{
			ErrorMessage: &msg,
			EndTime:      &now,
			ReturnCode:   &rc,
		})
		if err != nil {
			s.log.Warn("failed to mark orphan as failed", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("recovered orphaned jobs", zap.Int("count", n))
	}
	return n, nil
}
