package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"idex-connector/internal/core"
	"idex-connector/internal/orders"
)

func TestTrackingRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	states := map[string]orders.State{
		"cid-1": {
			ClientOrderID:   "cid-1",
			ExchangeOrderID: "ex-1",
			Market:          "ETH-USD",
			Side:            core.Buy,
			Type:            core.Limit,
			Price:           decimal.RequireFromString("2000"),
			Quantity:        decimal.RequireFromString("1.5"),
			Status:          core.OrderPartiallyFilled,
			ExecutedBase:    decimal.RequireFromString("0.5"),
			ExecutedQuote:   decimal.RequireFromString("1000"),
			AppliedFills:    []string{"f-1", "f-2"},
		},
	}
	if err := s.SaveTracking(states); err != nil {
		t.Fatalf("SaveTracking() error = %v", err)
	}
	loaded, ok, err := s.LoadTracking()
	if err != nil {
		t.Fatalf("LoadTracking() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadTracking() ok = false, want true")
	}
	state, ok := loaded["cid-1"]
	if !ok {
		t.Fatal("loaded snapshot missing cid-1")
	}
	if state.ExchangeOrderID != "ex-1" || state.Status != core.OrderPartiallyFilled {
		t.Fatalf("state = %+v, want ex-1 partiallyFilled", state)
	}
	if !state.ExecutedBase.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("ExecutedBase = %s, want 0.5", state.ExecutedBase)
	}
	if len(state.AppliedFills) != 2 {
		t.Fatalf("AppliedFills = %v, want 2 ids", state.AppliedFills)
	}
}

func TestLoadTrackingMissingFile(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, ok, err := s.LoadTracking()
	if err != nil {
		t.Fatalf("LoadTracking() error = %v", err)
	}
	if ok {
		t.Fatal("LoadTracking() ok = true for missing file")
	}
}

func TestRuntimeStatusRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.SaveRuntimeStatus(RuntimeStatus{
		Domain:     "sandbox_matic",
		InstanceID: "ic",
		PID:        123,
		State:      "running",
		StartedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveRuntimeStatus() error = %v", err)
	}
	status, ok, err := s.LoadRuntimeStatus()
	if err != nil {
		t.Fatalf("LoadRuntimeStatus() error = %v", err)
	}
	if !ok {
		t.Fatal("LoadRuntimeStatus() ok = false")
	}
	if status.State != "running" || status.PID != 123 {
		t.Fatalf("status = %+v, want running pid 123", status)
	}
	if status.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not defaulted on save")
	}
}

func TestInstanceLockExclusive(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireInstanceLock(dir, LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if _, err := AcquireInstanceLock(dir, LockOptions{}); err == nil {
		t.Fatal("second acquire succeeded, want error")
	}
	// takeover must refuse while the owning process is alive
	if _, err := AcquireInstanceLock(dir, LockOptions{TakeoverEnabled: true}); err == nil {
		t.Fatal("takeover succeeded against live owner, want error")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	relock, err := AcquireInstanceLock(dir, LockOptions{})
	if err != nil {
		t.Fatalf("reacquire after release error = %v", err)
	}
	_ = relock.Release()
}
