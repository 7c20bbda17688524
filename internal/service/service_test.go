package service

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/schedarray/schedarray/internal/models"
	"github.com/schedarray/schedarray/internal/scheduler"
	"github.com/schedarray/schedarray/internal/store"
	"github.com/schedarray/schedarray/internal/workerpool"
)

func newTestService(t *testing.T) (*Service, *scheduler.Scheduler) {
	t.Helper()
	stateDir := t.TempDir()
	dsn := filepath.Join(stateDir, "schedarray.db")
	st, err := store.NewSQLiteStore(store.WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(st, nil)
	pool := workerpool.New(sched,
		workerpool.WithSize(1),
		workerpool.WithPollInterval(20*time.Millisecond),
		workerpool.WithLogDir(filepath.Join(stateDir, "logs")),
	)
	svc := New(sched, pool, stateDir, WithCleanupInterval(time.Hour))
	t.Cleanup(func() { svc.Stop() })
	return svc, sched
}

func TestServiceStartAcquiresLockAndStartsPool(t *testing.T) {
	svc, sched := newTestService(t)
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	job, err := sched.SubmitJob(ctx, models.SubmitRequest{Command: "echo hi"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := sched.GetJobStatus(ctx, job.JobID)
		if err != nil {
			t.Fatalf("GetJobStatus: %v", err)
		}
		if got.State.Terminal() {
			if got.State != models.StateCompleted {
				t.Errorf("expected completed, got %s", got.State)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job submitted after service start never completed")
}

func TestServiceStartRefusesSecondInstance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	other, _ := newTestServiceSharingDir(t, svc.stateDir)
	if err := other.Start(ctx); err == nil {
		t.Fatal("expected second Start against the same state dir to fail")
	}
}

func newTestServiceSharingDir(t *testing.T, stateDir string) (*Service, *scheduler.Scheduler) {
	t.Helper()
	dsn := filepath.Join(stateDir, "schedarray.db")
	st, err := store.NewSQLiteStore(store.WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sched := scheduler.New(st, nil)
	pool := workerpool.New(sched, workerpool.WithSize(1), workerpool.WithLogDir(filepath.Join(stateDir, "logs")))
	return New(sched, pool, stateDir), sched
}

func TestStatusHandlerReportsCounts(t *testing.T) {
	svc, sched := newTestService(t)
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := sched.SubmitJob(ctx, models.SubmitRequest{Command: "sleep 5"}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	svc.statusRouter().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got Status
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if !got.Running {
		t.Error("expected running=true")
	}
	if got.WorkerCount != 1 {
		t.Errorf("expected 1 worker, got %d", got.WorkerCount)
	}
	total := 0
	for _, n := range got.CountsByState {
		total += n
	}
	if total != 1 {
		t.Errorf("expected counts_by_state to total 1 job, got %d", total)
	}
}

func TestCountsHandler(t *testing.T) {
	svc, sched := newTestService(t)
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := sched.SubmitJob(ctx, models.SubmitRequest{Command: "sleep 5"}); err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}

	req := httptest.NewRequest("GET", "/counts", nil)
	rr := httptest.NewRecorder()
	svc.statusRouter().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var counts map[string]int
	if err := json.NewDecoder(rr.Body).Decode(&counts); err != nil {
		t.Fatalf("decode counts response: %v", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 1 {
		t.Errorf("expected 1 job total, got %d", total)
	}
}
