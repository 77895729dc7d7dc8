package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"idex-connector/internal/orders"
)

// TrackingSnapshot is the persisted set of in-flight orders, written on
// shutdown and after lifecycle changes so a restart resumes tracking without
// double-counting fills.
type TrackingSnapshot struct {
	SnapshotID string                  `json:"snapshot_id,omitempty"`
	Orders     map[string]orders.State `json:"orders"`
	UpdatedAt  time.Time               `json:"updated_at,omitempty"`
}

type RuntimeStatus struct {
	Domain     string    `json:"domain"`
	Wallet     string    `json:"wallet,omitempty"`
	InstanceID string    `json:"instance_id"`
	PID        int       `json:"pid"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastError  string    `json:"last_error,omitempty"`
}

type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) SaveTracking(states map[string]orders.State) error {
	now := time.Now().UTC()
	snapshot := TrackingSnapshot{
		SnapshotID: newSnapshotID(now),
		Orders:     states,
		UpdatedAt:  now,
	}
	if snapshot.Orders == nil {
		snapshot.Orders = make(map[string]orders.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.trackingPath(), snapshot)
}

func (s *Store) LoadTracking() (map[string]orders.State, bool, error) {
	data, err := os.ReadFile(s.trackingPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var snapshot TrackingSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, false, err
	}
	if snapshot.Orders == nil {
		snapshot.Orders = make(map[string]orders.State)
	}
	return snapshot.Orders, true, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) trackingPath() string {
	return filepath.Join(s.root, "tracked_orders.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func newSnapshotID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return strconv.FormatInt(now.UnixNano(), 36)
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return fsyncDirBestEffort(dir, path)
}

func fsyncDirBestEffort(dir, path string) error {
	// Best-effort directory fsync to improve rename durability across crashes.
	d, err := os.Open(dir)
	if err != nil {
		log.Printf("level=WARN event=store_dir_fsync_skipped reason=%q dir=%q target=%q", err.Error(), dir, path)
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Printf("level=WARN event=store_dir_fsync_failed reason=%q dir=%q target=%q", err.Error(), dir, path)
		return nil
	}
	return nil
}
