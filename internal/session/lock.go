package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// ErrStoreLocked is returned when the snapshot lock is held by a live process.
var ErrStoreLocked = errors.New("session store is locked by another process")

// lockInfo is the content of the snapshot lock file.
type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// fileLock is a short-lived exclusive lock held around snapshot
// read-modify-write cycles so a CLI command and a long-running watcher do
// not lose each other's updates.
type fileLock struct {
	path string
	pid  int
}

// acquireLock creates path with O_EXCL, retrying until ctx is done. A lock
// left behind by a dead process is removed.
func acquireLock(ctx context.Context, path string, retry time.Duration) (*fileLock, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	info := lockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock: %w", err)
	}

	for {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			return &fileLock{path: path, pid: info.PID}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		if holder, rerr := readLock(path); rerr == nil && !isProcessAlive(holder.PID) {
			// Stale lock from a crashed process.
			_ = os.Remove(path)
			continue
		}

		select {
		case <-ctx.Done():
			if holder, rerr := readLock(path); rerr == nil {
				return nil, fmt.Errorf("%w: PID %d on %s", ErrStoreLocked, holder.PID, holder.Hostname)
			}
			return nil, ErrStoreLocked
		case <-time.After(retry):
		}
	}
}

// release removes the lock file if this process still owns it.
func (l *fileLock) release() error {
	if l == nil {
		return nil
	}
	holder, err := readLock(l.path)
	if err != nil || holder.PID != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func readLock(path string) (*lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without affecting the process.
	return process.Signal(syscall.Signal(0)) == nil
}
