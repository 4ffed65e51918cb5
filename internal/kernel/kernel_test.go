package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"repricer/pkg/config"
	"repricer/pkg/persistence"
	"repricer/pkg/proto"
)

// createTestConfig returns a config that keeps the kernel local: journal in
// a temp dir, ephemeral HTTP port, one target, no Redis, no Prometheus.
func createTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv(config.EnvOpenAIAPIKey, "test-key")

	cfg := config.DefaultConfig()
	cfg.Persistence.DBPath = filepath.Join(t.TempDir(), "journal.db")
	cfg.Web.ListenAddr = "127.0.0.1:0"
	cfg.Targets.SKUs = "1"
	cfg.Targets.Stores = "1"
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewKernel(t *testing.T) {
	cfg := createTestConfig(t)

	kernel, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}

	if kernel.Database == nil {
		t.Error("Kernel database is nil")
	}
	if kernel.JournalChannel == nil {
		t.Error("Kernel journal channel is nil")
	}
	if kernel.JournalOps == nil {
		t.Error("Kernel journal operations are nil")
	}
	if kernel.Invoker == nil {
		t.Error("Kernel tool invoker is nil")
	}
	if kernel.LLM == nil {
		t.Error("Kernel LLM client is nil")
	}
	if kernel.Learning == nil {
		t.Error("Kernel learning service is nil")
	}
	if kernel.Scheduler == nil {
		t.Error("Kernel scheduler is nil")
	}
	if kernel.Supervisor == nil {
		t.Error("Kernel supervisor is nil")
	}
	if kernel.WebServer == nil {
		t.Error("Kernel web server is nil")
	}
	if kernel.HTTPServer == nil {
		t.Error("Kernel HTTP server is nil")
	}
	if kernel.Registry == nil {
		t.Error("Kernel metrics registry is nil")
	}
	if kernel.Costs != nil {
		t.Error("Cost query service should be nil without a Prometheus URL")
	}
	if kernel.priorCache != nil {
		t.Error("Prior cache should be nil without a Redis address")
	}

	if err := kernel.Stop(); err != nil {
		t.Errorf("Kernel.Stop() failed: %v", err)
	}
}

func TestKernelLifecycle(t *testing.T) {
	cfg := createTestConfig(t)

	kernel, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	if err := kernel.Start(); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}
	if !kernel.running {
		t.Error("Kernel should be in running state after Start()")
	}

	if err := kernel.Start(); err == nil {
		t.Error("Kernel.Start() should fail when already running")
	}

	// The scheduler worker parks in paused until a start request arrives.
	waitFor(t, 2*time.Second, func() bool {
		return kernel.Scheduler.Status().WorkerRunning
	}, "scheduler worker never came up")
	if kernel.Scheduler.Status().Running {
		t.Error("Scheduler should not advance without auto start")
	}

	if err := kernel.Stop(); err != nil {
		t.Errorf("Kernel.Stop() failed: %v", err)
	}
	if kernel.running {
		t.Error("Kernel should not be in running state after Stop()")
	}

	if err := kernel.Stop(); err != nil {
		t.Errorf("Kernel.Stop() should be safe to call multiple times: %v", err)
	}
}

func TestKernelJournalWorker(t *testing.T) {
	cfg := createTestConfig(t)

	kernel, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	if err := kernel.Start(); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	rec := &proto.RunRecord{
		RunID:     "run-worker-1",
		Graph:     proto.GraphPricing,
		Cycle:     1,
		SKUID:     1,
		StoreID:   1,
		Outcome:   "executed",
		StartedAt: time.Now().UTC(),
	}
	persistence.PersistRun(rec, kernel.JournalChannel)

	waitFor(t, 2*time.Second, func() bool {
		_, err := kernel.JournalOps.GetRun("run-worker-1")
		return err == nil
	}, "journal worker never wrote the queued run")
}

func TestKernelStopFlushesQueuedWrites(t *testing.T) {
	cfg := createTestConfig(t)
	dbPath := cfg.Persistence.DBPath

	kernel, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}

	if err := kernel.Start(); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		persistence.PersistRun(&proto.RunRecord{
			RunID:     fmt.Sprintf("run-flush-%d", i),
			Graph:     proto.GraphPricing,
			Cycle:     1,
			SKUID:     i + 1,
			StoreID:   1,
			Outcome:   "no_action",
			StartedAt: time.Now().UTC(),
		}, kernel.JournalChannel)
	}

	// Stop drains the queue before closing the database.
	if err := kernel.Stop(); err != nil {
		t.Fatalf("Kernel.Stop() failed: %v", err)
	}

	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Reopening journal failed: %v", err)
	}
	defer db.Close()

	runs, err := persistence.NewOperations(db).ListRuns(&persistence.RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 5 {
		t.Errorf("Expected 5 flushed runs, got %d", len(runs))
	}
}

func TestKernelContextCancellation(t *testing.T) {
	cfg := createTestConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	kernel, err := NewKernel(ctx, cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Stop()

	if err := kernel.Start(); err != nil {
		t.Fatalf("Kernel.Start() failed: %v", err)
	}

	cancel()

	waitFor(t, 2*time.Second, func() bool {
		return !kernel.Supervisor.Running()
	}, "scheduler worker should stop when the parent context is cancelled")

	if err := kernel.Stop(); err != nil {
		t.Errorf("Kernel.Stop() after cancellation failed: %v", err)
	}
}

func TestProcessJournalRequest(t *testing.T) {
	cfg := createTestConfig(t)

	kernel, err := NewKernel(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewKernel failed: %v", err)
	}
	defer kernel.Database.Close()

	kernel.processJournalRequest(&persistence.Request{
		Operation: persistence.OpInsertRun,
		Data: &proto.RunRecord{
			RunID:     "run-direct",
			Graph:     proto.GraphMonitoring,
			Cycle:     2,
			SKUID:     3,
			StoreID:   4,
			Outcome:   "healthy",
			StartedAt: time.Now().UTC(),
		},
	})
	if _, err := kernel.JournalOps.GetRun("run-direct"); err != nil {
		t.Errorf("Insert request was not applied: %v", err)
	}

	response := make(chan any, 1)
	kernel.processJournalRequest(&persistence.Request{Operation: "bogus", Response: response})
	select {
	case got := <-response:
		if _, ok := got.(error); !ok {
			t.Errorf("Expected an error response for unknown operation, got %T", got)
		}
	default:
		t.Error("Unknown operation should answer on the response channel")
	}
}
