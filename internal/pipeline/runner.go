package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned when the run queue cannot accept another file.
var ErrQueueFull = errors.New("run queue is full")

// ErrRunnerClosed is returned when work is enqueued after Shutdown.
var ErrRunnerClosed = errors.New("runner is shut down")

// Runner executes pipeline runs from a bounded queue. Files run
// concurrently with each other, bounded by the worker limit; each file is
// processed strictly in sequence internally.
type Runner struct {
	service *Service
	queue   chan uuid.UUID
	group   *errgroup.Group
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a runner with the given worker limit and queue depth.
func NewRunner(service *Service, workers, queueDepth int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}

	group := &errgroup.Group{}
	group.SetLimit(workers)

	return &Runner{
		service: service,
		queue:   make(chan uuid.UUID, queueDepth),
		group:   group,
		done:    make(chan struct{}),
	}
}

// Start begins dispatching queued runs until the queue is closed. The
// context is handed to every run; cancelling it stops in-flight runs at
// their next batch boundary.
func (r *Runner) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for fileID := range r.queue {
			id := fileID
			r.group.Go(func() error {
				if err := r.service.Process(ctx, id); err != nil {
					slog.Error("pipeline run failed", "file_id", id, "error", err)
				}
				// Run failures are recorded against the file, never
				// propagated; one bad file must not stop the others.
				return nil
			})
		}
	}()
}

// Enqueue schedules a file for processing.
func (r *Runner) Enqueue(fileID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}

	select {
	case r.queue <- fileID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting work and waits for in-flight runs to finish or
// the context to expire. Safe to call more than once.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		<-r.done
		_ = r.group.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
