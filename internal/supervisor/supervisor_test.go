package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

// blockingWorker returns a worker that signals entry and runs until its
// context is cancelled.
func blockingWorker(entered chan<- struct{}) Worker {
	return func(ctx context.Context) error {
		if entered != nil {
			close(entered)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

func awaitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSupervisorLifecycle(t *testing.T) {
	s := New("scheduler")
	if s.Running() {
		t.Error("Supervisor should not be running before Start")
	}

	entered := make(chan struct{})
	if err := s.Start(context.Background(), blockingWorker(entered)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.Running() {
		t.Error("Supervisor should be running after Start")
	}

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Worker never entered")
	}

	// Starting a running supervisor must be refused.
	err := s.Start(context.Background(), blockingWorker(nil))
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}

	s.RequestStop()
	if err := s.AwaitStopped(awaitCtx(t)); err != nil {
		t.Errorf("Clean cancellation should not surface as an error, got %v", err)
	}
	if s.Running() {
		t.Error("Supervisor should not be running after AwaitStopped")
	}
}

func TestSupervisorReportsWorkerError(t *testing.T) {
	s := New("scheduler")

	workerErr := errors.New("db unreachable")
	if err := s.Start(context.Background(), func(context.Context) error {
		return workerErr
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := s.AwaitStopped(awaitCtx(t)); !errors.Is(err, workerErr) {
		t.Errorf("Expected the worker's terminal error, got %v", err)
	}
	if s.Running() {
		t.Error("Supervisor should not be running after the worker exited")
	}
}

func TestSupervisorAwaitTimeout(t *testing.T) {
	s := New("scheduler")

	release := make(chan struct{})
	if err := s.Start(context.Background(), func(context.Context) error {
		// Ignores cancellation until released, simulating a stuck worker.
		<-release
		return nil
	}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	s.RequestStop()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.AwaitStopped(ctx); err == nil {
		t.Error("AwaitStopped should report a timeout for a stuck worker")
	}

	close(release)
	if err := s.AwaitStopped(awaitCtx(t)); err != nil {
		t.Errorf("AwaitStopped after release failed: %v", err)
	}
}

func TestSupervisorStopBeforeStart(t *testing.T) {
	s := New("scheduler")

	// Neither call may panic or block on a never-started worker.
	s.RequestStop()
	if err := s.AwaitStopped(awaitCtx(t)); err != nil {
		t.Errorf("AwaitStopped before Start should be a no-op, got %v", err)
	}
}

func TestSupervisorRestart(t *testing.T) {
	s := New("scheduler")

	if err := s.Start(context.Background(), blockingWorker(nil)); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if err := s.Stop(awaitCtx(t)); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	entered := make(chan struct{})
	if err := s.Start(context.Background(), blockingWorker(entered)); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("Restarted worker never entered")
	}
	if err := s.Stop(awaitCtx(t)); err != nil {
		t.Errorf("Stop after restart failed: %v", err)
	}
}

func TestSupervisorParentContextCancels(t *testing.T) {
	s := New("scheduler")

	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{})
	if err := s.Start(ctx, blockingWorker(entered)); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-entered

	cancel()
	if err := s.AwaitStopped(awaitCtx(t)); err != nil {
		t.Errorf("Parent cancellation should stop the worker cleanly, got %v", err)
	}
}

func TestSupervisorNilWorker(t *testing.T) {
	s := New("scheduler")
	if err := s.Start(context.Background(), nil); err == nil {
		t.Error("Start with a nil worker should fail")
	}
}
