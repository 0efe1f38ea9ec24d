// Package pidfile keeps a single fieldtrackd instance per data directory.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Create when a live process owns the file
var ErrRunning = errors.New("another instance is running")

// PIDFile is a PID file owned by the current process
type PIDFile struct {
	path string
	pid  int
}

// New returns a PIDFile for path. Nothing is written until Create.
func New(path string) *PIDFile {
	return &PIDFile{path: path, pid: os.Getpid()}
}

// Path returns the file location
func (p *PIDFile) Path() string { return p.path }

// Create writes the PID file. A stale file left by a dead process is
// replaced; a live owner yields ErrRunning.
func (p *PIDFile) Create() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", p.pid)
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("failed to write pid file: %w", werr)
			}
			return cerr
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create pid file: %w", err)
		}

		running, pid, cerr := p.CheckRunning()
		if cerr != nil {
			return cerr
		}
		if running {
			return fmt.Errorf("%w: pid %d", ErrRunning, pid)
		}
		if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale pid file: %w", err)
		}
	}
	return fmt.Errorf("failed to create pid file %s: lost race with another instance", p.path)
}

// CheckRunning reports whether the PID recorded in the file belongs to a live
// process. A missing file is not an error. An unreadable PID is treated as
// stale.
func (p *PIDFile) CheckRunning() (bool, int, error) {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, nil
	}
	if pid == p.pid {
		return false, pid, nil
	}
	return alive(pid), pid, nil
}

// Remove deletes the file if it still holds our PID
func (p *PIDFile) Remove() error {
	pid, err := p.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil && pid != p.pid {
		return fmt.Errorf("pid file owned by %d, not removing", pid)
	}
	return os.Remove(p.path)
}

// ForceRemove deletes the file regardless of owner
func (p *PIDFile) ForceRemove() error {
	err := os.Remove(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (p *PIDFile) read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid in %s", p.path)
	}
	return pid, nil
}

// alive probes pid with signal 0. EPERM means the process exists under
// another user.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
