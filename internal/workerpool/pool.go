// Package workerpool runs a fixed-size pool of goroutines that claim
// pending jobs from a scheduler.Scheduler and execute them as shell
// subprocesses, enforcing per-job timeouts and cooperative cancellation.
package workerpool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/schedarray/schedarray/internal/errs"
	"github.com/schedarray/schedarray/internal/models"
	"github.com/schedarray/schedarray/internal/scheduler"
	"github.com/schedarray/schedarray/internal/store"
	"github.com/schedarray/schedarray/internal/util"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultPollInterval is how often an idle worker checks for a claimable
// job, and how often a running job's supervisor checks for a pending
// cancellation request, when not overridden by WithPollInterval.
const DefaultPollInterval = time.Second

// DefaultKillGrace is how long a process group is given to exit after
// SIGTERM before the pool escalates to SIGKILL.
const DefaultKillGrace = 2 * time.Second

// WorkerStatus is a point-in-time snapshot of one worker slot.
type WorkerStatus struct {
	WorkerID     string
	Busy         bool
	CurrentJobID string
}

// Opts collects Pool construction options.
type Opts struct {
	Size         int
	PollInterval time.Duration
	LogDir       string
	KillGrace    time.Duration
	Logger       *zap.Logger
}

// Option mutates Opts.
type Option func(*Opts)

func WithSize(n int) Option             { return func(o *Opts) { o.Size = n } }
func WithPollInterval(d time.Duration) Option { return func(o *Opts) { o.PollInterval = d } }
func WithLogDir(dir string) Option      { return func(o *Opts) { o.LogDir = dir } }
func WithKillGrace(d time.Duration) Option { return func(o *Opts) { o.KillGrace = d } }
func WithLogger(l *zap.Logger) Option   { return func(o *Opts) { o.Logger = l } }

// Pool supervises a fixed number of worker goroutines against a shared
// scheduler.Scheduler.
type Pool struct {
	sched        *scheduler.Scheduler
	size         int
	pollInterval time.Duration
	logDir       string
	killGrace    time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	workers map[string]*WorkerStatus

	stopCh    chan struct{}
	forceKill chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Pool bound to sched. At least one of WithSize must be
// given a positive value; Start returns an error otherwise.
func New(sched *scheduler.Scheduler, opts ...Option) *Pool {
	cfg := Opts{
		PollInterval: DefaultPollInterval,
		LogDir:       "logs",
		KillGrace:    DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		sched:        sched,
		size:         cfg.Size,
		pollInterval: cfg.PollInterval,
		logDir:       cfg.LogDir,
		killGrace:    cfg.KillGrace,
		log:          log,
		workers:      make(map[string]*WorkerStatus),
	}
}

// Start performs orphan-sweep crash recovery and launches size worker
// goroutines. It returns once the workers are running; it does not block.
func (p *Pool) Start(ctx context.Context) error {
	if p.size <= 0 {
		return errs.New(errs.Validation, "worker pool size must be positive")
	}
	if err := os.MkdirAll(p.logDir, 0755); err != nil {
		return errs.StoreErrorf(err, "create log directory %s", p.logDir)
	}

	p.stopCh = make(chan struct{})
	p.forceKill = make(chan struct{})
	p.mu.Lock()
	for i := 1; i <= p.size; i++ {
		id := util.GenerateWorkerID(i)
		p.workers[id] = &WorkerStatus{WorkerID: id}
	}
	live := make(map[string]bool, len(p.workers))
	for id := range p.workers {
		live[id] = true
	}
	p.mu.Unlock()

	if n, err := p.sched.RecoverOrphans(ctx, live); err != nil {
		p.log.Warn("orphan recovery failed", zap.Error(err))
	} else if n > 0 {
		p.log.Info("orphan recovery complete", zap.Int("recovered", n))
	}

	for id := range p.workers {
		p.wg.Add(1)
		go p.workerLoop(ctx, id)
	}
	p.log.Info("worker pool started", zap.Int("size", p.size))
	return nil
}

// Stop signals all workers to stop claiming new jobs. If drain is true it
// waits up to timeout for in-flight jobs to finish naturally; otherwise
// (or once timeout elapses) in-flight jobs are killed.
func (p *Pool) Stop(drain bool, timeout time.Duration) error {
	if p.stopCh == nil {
		return nil
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if !drain {
		close(p.forceKill)
		<-done
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		p.log.Warn("worker pool drain timed out, killing in-flight jobs", zap.Duration("timeout", timeout))
		close(p.forceKill)
		<-done
		return nil
	}
}

// WorkerStatus returns a snapshot of every worker slot.
func (p *Pool) WorkerStatus() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, *w)
	}
	return out
}

func (p *Pool) setBusy(workerID, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		w.Busy = true
		w.CurrentJobID = jobID
	}
}

func (p *Pool) setIdle(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		w.Busy = false
		w.CurrentJobID = ""
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	limiter := rate.NewLimiter(rate.Every(p.pollInterval), 1)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.sched.ClaimNext(ctx, workerID)
		if err != nil {
			p.log.Error("claim failed", zap.String("worker_id", workerID), zap.Error(err))
			continue
		}
		if job == nil {
			continue
		}

		p.setBusy(workerID, job.JobID)
		p.execute(ctx, workerID, job)
		p.setIdle(workerID)
	}
}

// execute spawns job's command and supervises it to completion, timeout,
// or cancellation.
func (p *Pool) execute(ctx context.Context, workerID string, job *models.Job) {
	stdoutPath, stderrPath := p.logPaths(job.JobID)
	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		p.fail(ctx, job.JobID, errs.ProcessSpawnErrorf(err, "create stdout log").Error())
		return
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		p.fail(ctx, job.JobID, errs.ProcessSpawnErrorf(err, "create stderr log").Error())
		return
	}
	defer stderrFile.Close()

	cmd := shellCommand(job.Command)
	cmd.Dir = job.WorkingDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		p.fail(ctx, job.JobID, errs.ProcessSpawnErrorf(err, "start command").Error())
		return
	}

	pid := cmd.Process.Pid
	p.log.Debug("spawned job", zap.String("job_id", job.JobID), zap.String("worker_id", workerID), zap.Int("pid", pid))
	if err := p.sched.UpdateJobState(ctx, job.JobID, []models.State{models.StateRunning}, models.StateRunning, store.StatePatch{
		PID: &pid, StdoutPath: &stdoutPath, StderrPath: &stderrPath,
	}); err != nil {
		p.log.Warn("failed to record pid and log paths", zap.String("job_id", job.JobID), zap.Error(err))
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if job.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(job.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutC = timer.C
	}

	cancelTicker := time.NewTicker(p.pollInterval)
	defer cancelTicker.Stop()

	for {
		select {
		case waitErr := <-waitDone:
			p.finish(ctx, job, cmd, waitErr)
			return

		case <-timeoutC:
			killProcessGroup(pid, p.killGrace)
			<-waitDone
			rc := -1
			msg := "timeout"
			now := time.Now().UTC()
			if err := p.sched.UpdateJobState(ctx, job.JobID, []models.State{models.StateRunning}, models.StateTimeout, store.StatePatch{
				ReturnCode: &rc, ErrorMessage: &msg, EndTime: &now,
			}); err != nil {
				p.log.Error("failed to record timeout", zap.String("job_id", job.JobID), zap.Error(err))
			}
			return

		case <-cancelTicker.C:
			current, err := p.sched.GetJobStatus(ctx, job.JobID)
			if err != nil {
				continue
			}
			if !scheduler.CancelRequested(current) {
				continue
			}
			killProcessGroup(pid, p.killGrace)
			<-waitDone
			now := time.Now().UTC()
			msg := "cancelled"
			if err := p.sched.UpdateJobState(ctx, job.JobID, []models.State{models.StateRunning}, models.StateCancelled, store.StatePatch{
				ErrorMessage: &msg, EndTime: &now,
			}); err != nil {
				p.log.Error("failed to record cancellation", zap.String("job_id", job.JobID), zap.Error(err))
			}
			return

		case <-p.forceKill:
			killProcessGroup(pid, p.killGrace)
			<-waitDone
			now := time.Now().UTC()
			msg := "killed during service shutdown"
			rc := -1
			if err := p.sched.UpdateJobState(ctx, job.JobID, []models.State{models.StateRunning}, models.StateFailed, store.StatePatch{
				ErrorMessage: &msg, EndTime: &now, ReturnCode: &rc,
			}); err != nil {
				p.log.Error("failed to record shutdown kill", zap.String("job_id", job.JobID), zap.Error(err))
			}
			return
		}
	}
}

func (p *Pool) finish(ctx context.Context, job *models.Job, cmd *exec.Cmd, waitErr error) {
	now := time.Now().UTC()
	rc := cmd.ProcessState.ExitCode()
	to := models.StateCompleted
	var errMsg *string
	if rc != 0 {
		to = models.StateFailed
		m := fmt.Sprintf("exited with code %d", rc)
		if waitErr != nil && rc < 0 {
			m = waitErr.Error()
		}
		errMsg = &m
	}
	patch := store.StatePatch{ReturnCode: &rc, EndTime: &now}
	if errMsg != nil {
		patch.ErrorMessage = errMsg
	}
	if err := p.sched.UpdateJobState(ctx, job.JobID, []models.State{models.StateRunning}, to, patch); err != nil {
		p.log.Error("failed to record job completion", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (p *Pool) fail(ctx context.Context, jobID, message string) {
	now := time.Now().UTC()
	rc := -1
	if err := p.sched.UpdateJobState(ctx, jobID, []models.State{models.StateRunning}, models.StateFailed, store.StatePatch{
		ErrorMessage: &message, EndTime: &now, ReturnCode: &rc,
	}); err != nil {
		p.log.Error("failed to record spawn failure", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (p *Pool) logPaths(jobID string) (stdout, stderr string) {
	return filepath.Join(p.logDir, jobID+".stdout.log"), filepath.Join(p.logDir, jobID+".stderr.log")
}

func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("sh", "-c", command)
}

func setProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS == "windows" {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the process group rooted at pid, waits
// up to grace for it to exit, then escalates to SIGKILL.
func killProcessGroup(pid int, grace time.Duration) {
	if runtime.GOOS == "windows" {
		if proc, err := os.FindProcess(pid); err == nil {
			proc.Kill()
		}
		return
	}
	syscall.Kill(-pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
