package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFile keeps a second server from opening the same database. It lives
// next to the database file.
type PIDFile struct {
	path string
}

// NewPIDFile creates a PIDFile for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// PIDPathFor returns the lock file used for a database path.
func PIDPathFor(dbPath string) string {
	return dbPath + ".pid"
}

// Path returns the file location.
func (p *PIDFile) Path() string {
	return p.path
}

// Acquire records the current PID. It fails when a live process already
// holds the file; a stale file is replaced.
func (p *PIDFile) Acquire() error {
	pid, err := ReadPID(p.path)
	switch {
	case err == nil && pid != os.Getpid() && IsProcessRunning(pid):
		return fmt.Errorf("server already running with PID %d (%s)", pid, p.path)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		// Unreadable content is treated as stale.
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Release removes the PID file.
// Safe to call multiple times.
func (p *PIDFile) Release() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 checks for existence without delivering anything
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ReadPID reads the PID stored at path.
func ReadPID(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(content))
	if pidStr == "" {
		return 0, fmt.Errorf("PID file %s is empty", path)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}
	return pid, nil
}
