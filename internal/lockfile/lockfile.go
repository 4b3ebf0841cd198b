// Package lockfile guards a RelayPipe state directory against a second relay process.
//
// Two relays sharing one dedup snapshot would each read the same high-water
// marks and forward the same posts. The lock is an flock on a file inside the
// state directory; the kernel drops it when the process exits, however it exits.
package lockfile

import (
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
const LockFileName = "relaypipe.lock"

// Holder describes the process that wrote a lock file.
type Holder struct {
	PID     int
	Host    string
	Started time.Time
}

func (h Holder) String() string {
	var parts []string
	if h.PID > 0 {
		state := "not running, stale lock"
		if isProcessRunning(h.PID) {
			state = "running"
		}
		parts = append(parts, fmt.Sprintf("PID %d (%s)", h.PID, state))
	}
	if h.Host != "" {
		parts = append(parts, "host "+h.Host)
	}
	if !h.Started.IsZero() {
		parts = append(parts, "since "+h.Started.Format(time.RFC3339))
	}
	return strings.Join(parts, ", ")
}

// encode renders h in the key=value line format stored in the lock file.
func (h Holder) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	if h.Host != "" {
		fmt.Fprintf(&b, "host=%s\n", h.Host)
	}
	if !h.Started.IsZero() {
		fmt.Fprintf(&b, "started=%s\n", h.Started.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// parseHolder reads the key=value lines written by encode. Unknown keys and
// malformed values are ignored.
func parseHolder(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "host":
			h.Host = value
		case "started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = t
			}
		}
	}
	return h
}

// Lock represents an acquired state directory lock
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// AcquireLock takes an exclusive lock on stateDir, creating the directory if
// needed. If another relay holds it, the returned *LockError names that process.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("AcquireLock: acquiring", "lockPath", lockPath)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's details before we know we own the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := readHolder(lockPath)
		slog.Error("AcquireLock: state directory in use by another relay", "lockPath", lockPath, "holder", holder.String(), "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	host, _ := os.Hostname()
	self := Holder{PID: os.Getpid(), Host: host, Started: time.Now()}
	if err := writeHolder(file, self); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lockPath", lockPath, "pid", self.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("writeHolder: sync failed", "path", file.Name(), "error", err)
	}
	return nil
}

// Release drops the lock and removes the lock file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: unlock failed", "lockPath", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: close failed", "lockPath", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: could not remove lock file", "lockPath", l.path, "error", err)
	}
	l.file = nil

	slog.Info("Lock.Release: state directory unlocked", "lockPath", l.path)
	return nil
}

// LockError is returned when another process holds the state directory lock.
type LockError struct {
	LockPath string
	Holder   Holder
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Another RelayPipe instance is already running using the same state directory.\n\nLock file: %s", e.LockPath)
	if desc := e.Holder.String(); desc != "" {
		fmt.Fprintf(&b, "\nExisting process: %s", desc)
	}
	fmt.Fprintf(&b, "\n\nTwo relays on one state directory would forward every post twice.\n"+
		"If the process above is gone, remove the stale lock with:\n  rm %s", e.LockPath)
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func readHolder(lockPath string) Holder {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}
	}
	return parseHolder(string(data))
}

// isProcessRunning sends signal 0, which checks for existence without delivering anything.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
