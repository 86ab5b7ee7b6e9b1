// Package lockfile guards a PeerMatch state directory so only one engine
// process at a time opens the SQLite request store kept there.
//
// The lock is an flock(2) on a file in the directory, so the kernel drops it
// when the holding process exits, cleanly or not.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "peermatch.lock"

// ErrLocked is matched by every LockError.
var ErrLocked = errors.New("state directory locked by another PeerMatch instance")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID     int
	Host    string
	Started time.Time
}

func (o Owner) String() string {
	if o.PID == 0 {
		return "unknown owner"
	}
	status := "not running, stale"
	if isProcessRunning(o.PID) {
		status = "running"
	}
	s := fmt.Sprintf("pid %d (%s)", o.PID, status)
	if o.Host != "" {
		s += " on " + o.Host
	}
	if !o.Started.IsZero() {
		s += " since " + o.Started.Format(time.RFC3339)
	}
	return s
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath string
	Owner    Owner
	Cause    error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%v: %s held by %s; remove the file only if that process is gone", ErrLocked, e.LockPath, e.Owner)
}

func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// Acquire takes an exclusive, non-blocking lock on dir, creating it if needed.
func Acquire(dir string) (*Lock, error) {
	lockPath := filepath.Join(dir, LockFileName)
	slog.Debug("lockfile.Acquire", "lock_path", lockPath)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		owner := readOwner(lockPath)
		slog.Error("lockfile.Acquire: state directory busy", "lock_path", lockPath, "owner", owner.String())
		return nil, &LockError{LockPath: lockPath, Owner: owner, Cause: err}
	}

	if err := writeOwner(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("State directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process never sees
	// our record after we let go.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove lock file", "error", err, "lock_path", l.path)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Failed to release flock", "error", err, "lock_path", l.path)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("State directory unlocked", "lock_path", l.path)
	return err
}

func writeOwner(f *os.File) error {
	host, _ := os.Hostname()
	record := fmt.Sprintf("pid=%d\nhost=%s\nstarted=%s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err)
	}
	return nil
}

// readOwner parses a lock record. Missing or malformed fields stay zero.
func readOwner(lockPath string) Owner {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Owner{}
	}
	return parseOwner(string(data))
}

func parseOwner(content string) Owner {
	var o Owner
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				o.PID = pid
			}
		case "host":
			o.Host = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				o.Started = t
			}
		}
	}
	return o
}

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
