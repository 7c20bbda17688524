// Package lockfile provides directory-based locking to prevent multiple
// SchedArray service instances from running against the same state
// directory at once.
//
// This package implements a robust file locking mechanism using syscall-level
// locks that are automatically released when the process exits (gracefully or
// not).
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "schedarray.lock"

// Lock represents an active directory lock.
type Lock struct {
	file       *os.File
	path       string
	acquired   bool
	log        *zap.Logger
	instanceID string
}

// InstanceID returns the random identifier generated for this lock's
// lifetime, distinct from the OS pid so a restarted process under a reused
// pid is never mistaken for the instance that wrote the lock.
func (l *Lock) InstanceID() string { return l.instanceID }

// AcquireLock attempts to acquire an exclusive lock on the state directory.
// Returns a Lock instance if successful, or an error with detailed
// information about the conflicting process if the lock is already held.
func AcquireLock(stateDir string, log *zap.Logger) (*Lock, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	log.Debug("attempting to acquire lock", zap.String("lock_path", lockPath))

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()

		lockInfo := readExistingLockInfo(lockPath)
		log.Error("failed to acquire lock; another schedarray instance is running",
			zap.String("lock_path", lockPath), zap.String("existing_lock_info", lockInfo))

		return nil, &LockError{
			LockPath:     lockPath,
			ExistingInfo: lockInfo,
			Cause:        err,
		}
	}

	// Only the lock holder may clear the previous record; truncating before
	// flock would erase a live holder's pid for everyone else.
	if err := file.Truncate(0); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to truncate lock file %s: %w", lockPath, err)
	}

	instanceID := uuid.New().String()
	lockInfo := fmt.Sprintf("pid=%d\ninstance_id=%s\n", os.Getpid(), instanceID)
	if _, err := file.WriteString(lockInfo); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	if err := file.Sync(); err != nil {
		log.Warn("failed to sync lock file", zap.Error(err))
	}

	lock := &Lock{file: file, path: lockPath, acquired: true, log: log, instanceID: instanceID}
	log.Info("acquired state directory lock",
		zap.String("lock_path", lockPath), zap.Int("pid", os.Getpid()), zap.String("instance_id", instanceID))
	return lock, nil
}

// Release releases the lock and removes the lock file. Safe to call
// multiple times.
func (l *Lock) Release() error {
	if !l.acquired || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.log.Error("failed to release flock", zap.Error(err))
	}
	if err := l.file.Close(); err != nil {
		l.log.Error("failed to close lock file", zap.Error(err))
	}
	if err := os.Remove(l.path); err != nil {
		l.log.Error("failed to remove lock file", zap.Error(err))
	}

	l.acquired = false
	l.file = nil
	l.log.Info("released state directory lock", zap.String("lock_path", l.path))
	return nil
}

// LockError represents a failure to acquire a lock because another process
// holds it.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another schedarray instance is already running against this state directory.\n\nLock file: %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += fmt.Sprintf("\nExisting process: %s", e.ExistingInfo)
	}
	msg += "\n\nIf you're certain no other instance is running, the lock file may be stale. Remove it with:\n" +
		fmt.Sprintf("  rm %s", e.LockPath)
	return msg
}

func (e *LockError) Unwrap() error { return e.Cause }

func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return "lock file exists but contains no process information"
	}
	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running - stale lock)", pid)
	}
	return fmt.Sprintf("process information: %s", content)
}

func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	idx := strings.Index(content, pidPrefix)
	if idx == -1 {
		return 0
	}
	start := idx + len(pidPrefix)
	end := start
	for end < len(content) && content[end] >= '0' && content[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	pid, err := strconv.Atoi(content[start:end])
	if err != nil {
		return 0
	}
	return pid
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
