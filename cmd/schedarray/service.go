package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/schedarray/schedarray/internal/config"
	"github.com/schedarray/schedarray/internal/errs"
	"github.com/schedarray/schedarray/internal/lockfile"
	"github.com/schedarray/schedarray/internal/scheduler"
	"github.com/schedarray/schedarray/internal/service"
	"github.com/schedarray/schedarray/internal/store"
	"github.com/schedarray/schedarray/internal/workerpool"
	"github.com/spf13/cobra"
)

var (
	serviceMaxWorkers   int
	servicePollInterval time.Duration
	serviceStatusJSON   bool
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Control the worker-pool service",
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the worker pool in the foreground until a shutdown signal arrives",
	RunE:  runServiceStart,
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running service instance to shut down",
	RunE:  runServiceStop,
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a service instance is running",
	RunE:  runServiceStatus,
}

func init() {
	serviceStartCmd.Flags().IntVar(&serviceMaxWorkers, "max-workers", 0, "number of worker slots (default from config)")
	serviceStartCmd.Flags().DurationVar(&servicePollInterval, "poll-interval", 0, "worker idle poll interval (default from config)")
	serviceStatusCmd.Flags().BoolVar(&serviceStatusJSON, "json", false, "output as JSON")

	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

func stateDirFor(dbPath string) string {
	return filepath.Dir(dbPath)
}

func runServiceStart(cmd *cobra.Command, args []string) error {
	path, err := resolvedDBPath()
	if err != nil {
		return err
	}
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if serviceMaxWorkers > 0 {
		cfg.MaxWorkers = serviceMaxWorkers
	}
	if servicePollInterval > 0 {
		cfg.PollInterval = servicePollInterval
	}

	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	sched := scheduler.New(st, nil, scheduler.WithLogDir(cfg.LogDir))
	pool := workerpool.New(sched,
		workerpool.WithSize(cfg.MaxWorkers),
		workerpool.WithPollInterval(cfg.PollInterval),
		workerpool.WithKillGrace(cfg.KillGrace),
		workerpool.WithLogDir(cfg.LogDir),
	)
	svc := service.New(sched, pool, stateDirFor(path),
		service.WithCleanupInterval(cfg.CleanupInterval),
		service.WithCleanupOlderBy(cfg.CleanupOlderBy),
		service.WithStatusAddr(cfg.StatusAddr),
	)

	fmt.Printf("starting schedarray service (db=%s, workers=%d)\n", path, cfg.MaxWorkers)
	return svc.Run(context.Background())
}

var pidPattern = regexp.MustCompile(`PID (\d+)`)

func runningServicePID(stateDir string) (int, bool) {
	lock, err := lockfile.AcquireLock(stateDir, nil)
	if err == nil {
		lock.Release()
		return 0, false
	}
	lockErr, ok := err.(*lockfile.LockError)
	if !ok {
		return 0, false
	}
	m := pidPattern.FindStringSubmatch(lockErr.ExistingInfo)
	if m == nil {
		return 0, false
	}
	pid, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return pid, isProcessAlive(pid)
}

func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func runServiceStop(cmd *cobra.Command, args []string) error {
	path, err := resolvedDBPath()
	if err != nil {
		return err
	}
	pid, alive := runningServicePID(stateDirFor(path))
	if !alive {
		return serviceNotRunningError(path)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}

func runServiceStatus(cmd *cobra.Command, args []string) error {
	path, err := resolvedDBPath()
	if err != nil {
		return err
	}
	pid, alive := runningServicePID(stateDirFor(path))
	if !alive {
		return serviceNotRunningError(path)
	}

	if serviceStatusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"running": alive, "pid": pid})
	}
	fmt.Printf("running (pid %d)\n", pid)
	return nil
}

func serviceNotRunningError(dbPath string) error {
	return errs.NotFoundf("no running schedarray service found for %s", dbPath)
}
