package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lockFileName = ".instance.lock"

// InstanceLock holds exclusive ownership of a state directory. Client order
// id and nonce generation are only monotonic within one process, so two
// connectors must never share a wallet state dir.
type InstanceLock struct {
	path string
}

type LockOptions struct {
	TakeoverEnabled bool
	StaleAfter      time.Duration
	Now             func() time.Time
}

type lockMeta struct {
	pid       int
	startedAt time.Time
}

func (m lockMeta) encode() string {
	return fmt.Sprintf("pid=%d\nstarted_at=%s\n", m.pid, m.startedAt.UTC().Format(time.RFC3339))
}

func decodeLockMeta(data []byte) lockMeta {
	var m lockMeta
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				m.pid = pid
			}
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				m.startedAt = ts.UTC()
			}
		}
	}
	return m
}

// AcquireInstanceLock claims root for this process. An existing lock blocks
// the claim unless takeover is enabled and the lock is provably abandoned.
func AcquireInstanceLock(root string, opts LockOptions) (*InstanceLock, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	path := filepath.Join(root, lockFileName)

	for attempt := 0; attempt < 3; attempt++ {
		err := tryClaim(path, lockMeta{pid: os.Getpid(), startedAt: now().UTC()})
		if err == nil {
			return &InstanceLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.TakeoverEnabled {
			return nil, fmt.Errorf("instance lock exists: %s", path)
		}
		reason, abandoned := lockAbandoned(path, now().UTC(), opts.StaleAfter)
		if !abandoned {
			return nil, fmt.Errorf("instance lock exists: %s (%s)", path, reason)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, rmErr
		}
	}
	return nil, fmt.Errorf("instance lock exists: %s", path)
}

func tryClaim(path string, meta lockMeta) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := f.WriteString(meta.encode())
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(path)
	}
	return writeErr
}

// lockAbandoned reports whether the lock at path may be taken over, with a
// reason for the refusal when it may not.
func lockAbandoned(path string, now time.Time, staleAfter time.Duration) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "lock_disappeared", true
		}
		return "stale check failed: " + err.Error(), false
	}
	meta := decodeLockMeta(data)
	if meta.pid > 0 {
		if processAlive(meta.pid) {
			return "owner_process_running", false
		}
		return "owner_process_not_running", true
	}
	if staleAfter > 0 && !meta.startedAt.IsZero() && now.Sub(meta.startedAt) >= staleAfter {
		return "lock_age_exceeded", true
	}
	return "lock_not_stale", false
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM still means the pid exists, just under another user
	return errors.Is(err, syscall.EPERM)
}

// Release drops the lock. Safe to call twice.
func (l *InstanceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	l.path = ""
	return nil
}
