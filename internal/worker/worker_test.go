package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/testutil"
)

func TestWorkerRunsOnInterval(t *testing.T) {
	var calls atomic.Int32
	w := New("test", 5*time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, testutil.Logger())

	w.Start(context.Background())
	if !w.IsRunning() {
		t.Fatal("worker not running after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if calls.Load() < 3 {
		t.Fatalf("calls = %d, want at least 3", calls.Load())
	}
	if w.IsRunning() {
		t.Error("worker running after Stop")
	}
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Error("task ran after Stop")
	}
}

func TestWorkerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New("test", time.Hour, func(ctx context.Context) error { return nil }, testutil.Logger())
	w.Start(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit on context cancel")
	}
}

func TestRunOnceReturnsTaskError(t *testing.T) {
	want := domain.Transient("correlating", errors.New("connection reset"))
	w := New("test", time.Hour, func(ctx context.Context) error { return want }, testutil.Logger())

	err := w.RunOnce(context.Background())
	if !errors.Is(err, want) || !domain.IsTransient(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	w := New("test", time.Hour, func(ctx context.Context) error { return nil }, testutil.Logger())
	w.Stop()
	if w.IsRunning() {
		t.Fatal("running")
	}
}
