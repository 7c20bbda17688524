package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schedarray/schedarray/internal/errs"
	"github.com/schedarray/schedarray/internal/models"
	"github.com/schedarray/schedarray/internal/store"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "schedarray.db")
	st, err := store.NewSQLiteStore(store.WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func TestSubmitJobDefaultsAndValidation(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	job, err := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if job.JobID == "" {
		t.Fatalf("expected assigned job id")
	}
	if job.State != models.StatePending {
		t.Errorf("expected pending state, got %s", job.State)
	}
	if job.CPUs != DefaultCPUs {
		t.Errorf("expected default cpus %d, got %d", DefaultCPUs, job.CPUs)
	}

	if _, err := s.SubmitJob(ctx, models.SubmitRequest{Command: ""}); !errs.Is(err, errs.Validation) {
		t.Errorf("expected validation error for empty command, got %v", err)
	}
}

func TestClaimNextOrdersByPriorityThenFIFO(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	low, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo low", Priority: 0})
	high, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo high", Priority: 10})
	highLater, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo high later", Priority: 10})
	_ = low

	claimed, err := s.ClaimNext(ctx, "worker_1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.JobID != high.JobID {
		t.Fatalf("expected to claim the high priority job first, got %+v", claimed)
	}
	if claimed.State != models.StateRunning {
		t.Errorf("expected claimed job to be running, got %s", claimed.State)
	}

	second, err := s.ClaimNext(ctx, "worker_1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second == nil || second.JobID != highLater.JobID {
		t.Fatalf("expected the later same-priority job second, got %+v", second)
	}
	third, err := s.ClaimNext(ctx, "worker_1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if third == nil || third.JobID != low.JobID {
		t.Fatalf("expected the low priority job last, got %+v", third)
	}
}

func TestClaimNextNoneAvailable(t *testing.T) {
	s := newTestScheduler(t)
	job, err := s.ClaimNext(context.Background(), "worker_1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Errorf("expected no job to claim, got %+v", job)
	}
}

func TestClaimNextExactlyOnceUnderConcurrency(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo job"}); err != nil {
			t.Fatalf("SubmitJob: %v", err)
		}
	}

	results := make(chan *models.Job, n*2)
	errsCh := make(chan error, n*2)
	var wg sync.WaitGroup
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.ClaimNext(ctx, "worker")
			if err != nil {
				errsCh <- err
				return
			}
			results <- job
		}(i)
	}
	wg.Wait()
	close(results)
	close(errsCh)

	for err := range errsCh {
		t.Fatalf("unexpected claim error: %v", err)
	}

	seen := map[string]bool{}
	claimed := 0
	for job := range results {
		if job == nil {
			continue
		}
		claimed++
		if seen[job.JobID] {
			t.Fatalf("job %s claimed more than once", job.JobID)
		}
		seen[job.JobID] = true
	}
	if claimed != n {
		t.Fatalf("expected exactly %d distinct claims, got %d", n, claimed)
	}
}

func TestCancelPendingJobIsSynchronous(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	job, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})

	if err := s.CancelJob(ctx, job.JobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	got, err := s.GetJobStatus(ctx, job.JobID)
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if got.State != models.StateCancelled {
		t.Errorf("expected cancelled, got %s", got.State)
	}
}

func TestCancelRunningJobIsFlaggedNotImmediatelyTransitioned(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	running, _ := s.ClaimNext(ctx, "worker_1")

	if err := s.CancelJob(ctx, running.JobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	got, err := s.GetJobStatus(ctx, running.JobID)
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if got.State != models.StateRunning {
		t.Errorf("expected job to remain running until worker confirms, got %s", got.State)
	}
	if !CancelRequested(got) {
		t.Errorf("expected cancel sentinel to be set")
	}
}

func TestCancelTerminalJobIsIllegal(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	job, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	running, _ := s.ClaimNext(ctx, "worker_1")
	rc := 0
	if err := s.UpdateJobState(ctx, running.JobID, []models.State{models.StateRunning}, models.StateCompleted, store.StatePatch{ReturnCode: &rc}); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}

	if err := s.CancelJob(ctx, job.JobID); !errs.Is(err, errs.IllegalTransition) {
		t.Errorf("expected illegal transition error, got %v", err)
	}
}

func TestDeleteRunningJobRefused(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	running, _ := s.ClaimNext(ctx, "worker_1")

	if err := s.DeleteJob(ctx, running.JobID); !errs.Is(err, errs.IllegalTransition) {
		t.Errorf("expected illegal transition error deleting running job, got %v", err)
	}
}

func TestCleanupRemovesOnlyOldTerminalJobs(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()

	job, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	running, _ := s.ClaimNext(ctx, "worker_1")
	rc := 0
	past := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.UpdateJobState(ctx, running.JobID, []models.State{models.StateRunning}, models.StateCompleted, store.StatePatch{ReturnCode: &rc, EndTime: &past}); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}

	fresh, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo fresh"})
	freshRunning, _ := s.ClaimNext(ctx, "worker_1")
	now := time.Now().UTC()
	if err := s.UpdateJobState(ctx, freshRunning.JobID, []models.State{models.StateRunning}, models.StateCompleted, store.StatePatch{ReturnCode: &rc, EndTime: &now}); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}
	_ = fresh

	n, err := s.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected to remove exactly 1 stale job, removed %d", n)
	}
	if _, err := s.GetJobStatus(ctx, job.JobID); !errs.Is(err, errs.NotFound) {
		t.Errorf("expected stale job to be gone, got err %v", err)
	}
	if _, err := s.GetJobStatus(ctx, fresh.JobID); err != nil {
		t.Errorf("expected fresh job to remain, got err %v", err)
	}
}

func TestRecoverOrphansMarksRunningWithoutLiveWorkerAsFailed(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	running, _ := s.ClaimNext(ctx, "worker_dead")

	n, err := s.RecoverOrphans(ctx, map[string]bool{"worker_alive": true})
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan recovered, got %d", n)
	}
	got, err := s.GetJobStatus(ctx, running.JobID)
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if got.State != models.StateFailed {
		t.Errorf("expected failed, got %s", got.State)
	}
	if got.ErrorMessage != "orphaned by restart" {
		t.Errorf("expected orphan error message, got %q", got.ErrorMessage)
	}
	if got.ReturnCode == nil || *got.ReturnCode != -1 {
		t.Errorf("expected return_code -1 for orphaned job, got %v", got.ReturnCode)
	}
	if got.WorkerID != "" || got.PID != 0 {
		t.Errorf("expected worker_id/pid cleared on orphan recovery, got worker_id=%q pid=%d", got.WorkerID, got.PID)
	}
}

func TestDeletePendingJobRefused(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	job, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})

	if err := s.DeleteJob(ctx, job.JobID); !errs.Is(err, errs.IllegalTransition) {
		t.Errorf("expected illegal transition error deleting pending job, got %v", err)
	}
}

func TestCancelPendingJobSetsEndTimeAndIsReapable(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	job, _ := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})

	if err := s.CancelJob(ctx, job.JobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	got, err := s.GetJobStatus(ctx, job.JobID)
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if got.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	if got.EndTime == nil {
		t.Fatalf("expected end_time set on pending->cancelled transition")
	}

	// A row with end_time set is reapable by Cleanup once it ages past the
	// cutoff; a zero-duration cutoff is already past any just-set end_time.
	n, err := s.Cleanup(ctx, 0, models.StateCancelled)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected cancelled-pending row to be reaped, removed %d", n)
	}
}

func TestTerminalTransitionClearsWorkerIDAndPID(t *testing.T) {
	s := newTestScheduler(t)
	ctx := context.Background()
	s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	running, err := s.ClaimNext(ctx, "worker_1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if running.WorkerID == "" {
		t.Fatalf("expected claimed job to have a worker_id")
	}

	rc := 0
	if err := s.UpdateJobState(ctx, running.JobID, []models.State{models.StateRunning}, models.StateCompleted, store.StatePatch{ReturnCode: &rc}); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}
	got, err := s.GetJobStatus(ctx, running.JobID)
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if got.WorkerID != "" {
		t.Errorf("expected worker_id cleared on completion, got %q", got.WorkerID)
	}
	if got.PID != 0 {
		t.Errorf("expected pid cleared on completion, got %d", got.PID)
	}
}

func TestCleanupRemovesLogFilesWhenLogDirConfigured(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "schedarray.db")
	st, err := store.NewSQLiteStore(store.WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logDir := t.TempDir()
	s := New(st, nil, WithLogDir(logDir))
	ctx := context.Background()

	job, err := s.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	running, err := s.ClaimNext(ctx, "worker_1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	stdoutPath := filepath.Join(logDir, job.JobID+".stdout.log")
	stderrPath := filepath.Join(logDir, job.JobID+".stderr.log")
	if err := os.WriteFile(stdoutPath, []byte("hi\n"), 0644); err != nil {
		t.Fatalf("write stdout fixture: %v", err)
	}
	if err := os.WriteFile(stderrPath, []byte(""), 0644); err != nil {
		t.Fatalf("write stderr fixture: %v", err)
	}

	rc := 0
	past := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.UpdateJobState(ctx, running.JobID, []models.State{models.StateRunning}, models.StateCompleted, store.StatePatch{ReturnCode: &rc, EndTime: &past}); err != nil {
		t.Fatalf("UpdateJobState: %v", err)
	}

	n, err := s.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job removed, got %d", n)
	}
	if _, err := os.Stat(stdoutPath); !os.IsNotExist(err) {
		t.Errorf("expected stdout log to be removed, stat err = %v", err)
	}
	if _, err := os.Stat(stderrPath); !os.IsNotExist(err) {
		t.Errorf("expected stderr log to be removed, stat err = %v", err)
	}
}

func TestDefaultRegistry(t *testing.T) {
	s := newTestScheduler(t)
	SetDefault(s)
	if Default() != s {
		t.Errorf("expected Default() to return the installed scheduler")
	}
}

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
