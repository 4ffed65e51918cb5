// Package supervisor owns the lifecycle of long-running background
// workers. A worker is a function that runs until its context is
// cancelled; the supervisor splits shutdown into an explicit stop
// request and a bounded wait so the kernel can order teardown
// deterministically.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"repricer/pkg/logx"
)

// Worker is a long-running task. It must return promptly once its
// context is cancelled; returning context.Canceled counts as a clean
// stop.
type Worker func(ctx context.Context) error

// ErrAlreadyStarted is returned by Start while the worker is running.
var ErrAlreadyStarted = errors.New("worker already started")

// Supervisor runs one named worker goroutine with a three-phase
// lifecycle: Start launches it, RequestStop cancels its context,
// AwaitStopped blocks until it has returned. A stopped supervisor can
// be started again.
type Supervisor struct {
	name   string
	logger *logx.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	err     error
}

// New creates a supervisor for a named worker.
func New(name string) *Supervisor {
	return &Supervisor{
		name:   name,
		logger: logx.NewLogger("supervisor"),
	}
}

// Start launches the worker goroutine. The worker's context is a child
// of ctx, so cancelling either stops it.
func (s *Supervisor) Start(ctx context.Context, worker Worker) error {
	if worker == nil {
		return fmt.Errorf("supervisor %s: nil worker", s.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor %s: %w", s.name, ErrAlreadyStarted)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.started = true
	s.err = nil

	s.logger.Info("Worker %s starting", s.name)
	go func() {
		err := worker(workerCtx)

		s.mu.Lock()
		// Only the current generation updates shared state; a restart
		// may already own the fields.
		if s.done == done {
			s.err = err
			s.started = false
		}
		s.mu.Unlock()
		close(done)

		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Worker %s exited: %v", s.name, err)
		} else {
			s.logger.Info("Worker %s stopped", s.name)
		}
	}()
	return nil
}

// RequestStop asks the worker to stop by cancelling its context. It
// does not wait; pair with AwaitStopped. Idempotent, safe before Start.
func (s *Supervisor) RequestStop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// AwaitStopped blocks until the worker has returned or ctx expires. It
// reports the worker's terminal error; context.Canceled from an
// ordinary stop is not an error. Returns nil when the worker was never
// started.
func (s *Supervisor) AwaitStopped(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker %s to stop: %w", s.name, ctx.Err())
	}
}

// Stop requests a stop and waits for it under ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.RequestStop()
	return s.AwaitStopped(ctx)
}

// Running reports whether the worker goroutine is currently alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
