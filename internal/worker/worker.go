package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warlog-ledger/internal/domain"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Worker runs a task on a fixed interval until stopped or its context ends
type Worker struct {
	name     string
	interval time.Duration
	task     Task
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// New creates a new periodic worker
func New(name string, interval time.Duration, task Task, logger *slog.Logger) *Worker {
	return &Worker{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With("worker", name),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background loop
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("worker started", "interval", w.interval)

	go w.run(ctx)
}

// Stop stops the background loop and waits for the running cycle to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Done is closed when the loop exits
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single cycle and logs its outcome (useful for manual triggers)
func (w *Worker) RunOnce(ctx context.Context) error {
	start := time.Now()
	err := w.task(ctx)
	duration := time.Since(start)

	switch {
	case err == nil:
		w.logger.Debug("cycle completed", "duration", duration)
	case domain.IsTransient(err):
		w.logger.Warn("cycle failed, retrying next tick", "duration", duration, "error", err)
	default:
		w.logger.Error("cycle failed", "duration", duration, "error", err)
	}
	return err
}

// IsRunning returns whether the worker is currently running
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
