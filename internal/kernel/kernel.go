// Package kernel wires the repricing agent together: configuration,
// journal database, tool client, LLM client, decision graphs, scheduler,
// and the HTTP API. It owns startup and shutdown ordering so the rest of
// the code never has to reason about lifecycle.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"repricer/internal/supervisor"
	"repricer/pkg/config"
	"repricer/pkg/learning"
	"repricer/pkg/ledger"
	"repricer/pkg/llm"
	"repricer/pkg/logx"
	"repricer/pkg/metrics"
	"repricer/pkg/persistence"
	"repricer/pkg/pipeline"
	"repricer/pkg/proto"
	"repricer/pkg/scheduler"
	"repricer/pkg/tools"
	"repricer/pkg/tracker"
	"repricer/pkg/webapi"
)

// journalQueueDepth bounds how many pending writes the scheduler may have
// in flight before fire-and-forget sends block on the worker.
const journalQueueDepth = 100

// Kernel manages the agent's shared infrastructure. One kernel equals one
// process; the composition here is the only place services learn about
// each other.
type Kernel struct {
	// Context is embedded rather than a field to avoid containedctx lint error
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	// Configuration and logging
	Config *config.Config
	Logger *logx.Logger

	// Core infrastructure services (concrete types, no over-abstraction)
	Database          *sql.DB
	JournalChannel    chan *persistence.Request
	journalWorkerDone chan struct{} // Signals when the journal worker has finished draining
	JournalOps        *persistence.Operations
	Invoker           tools.Invoker
	LLM               llm.Client
	Learning          *learning.Service
	Usage             *ledger.Ledger
	Stages            *pipeline.Stages
	Tracker           *tracker.RuntimeTracker
	Scheduler         *scheduler.CycleScheduler
	Supervisor        *supervisor.Supervisor
	WebServer         *webapi.Server
	HTTPServer        *http.Server

	// Metrics live on a per-kernel registry so tests can build kernels
	// side by side without collector collisions.
	Registry         *prometheus.Registry
	Recorder         *metrics.PrometheusRecorder
	StageMetrics     *metrics.StageMetrics
	SchedulerMetrics *metrics.SchedulerMetrics
	Costs            *metrics.QueryService

	priorCache *learning.RedisCache
	running    bool
}

// NewKernel creates a kernel with all services constructed and wired.
// Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:     ctx,
		cancel:  cancel,
		Config:  cfg,
		Logger:  logx.NewLogger("kernel"),
		running: false,
	}

	if err := k.initializeServices(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}

	return k, nil
}

// initializeServices sets up all the core infrastructure services.
func (k *Kernel) initializeServices() error {
	if err := k.initializeJournal(); err != nil {
		return fmt.Errorf("failed to initialize journal: %w", err)
	}

	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(collectors.NewGoCollector())
	k.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	k.Recorder = metrics.NewPrometheusRecorderWith(k.Registry)
	k.StageMetrics = metrics.NewStageMetricsWith(k.Registry)
	k.SchedulerMetrics = metrics.NewSchedulerMetricsWith(k.Registry)

	k.Invoker = tools.NewClient(k.Config.Tools.Endpoints(), k.Config.Tools.Timeout())

	client, err := llm.New(k.Config.LLM, k.Recorder, logx.NewLogger("llm"))
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	k.LLM = client

	if addr := k.Config.Learning.RedisAddr; addr != "" {
		k.priorCache = learning.NewRedisCache(addr, k.Config.Learning.RedisPassword, k.Config.Learning.RedisDB)
		k.Logger.Info("Decision prior cache enabled: %s", addr)
	}
	k.Learning = learning.New(k.Invoker, priorCacheOrNil(k.priorCache), learning.Config{
		PriorMaxAge:        k.Config.Learning.PriorMaxAge(),
		HistoryLimit:       k.Config.Learning.HistoryLimit,
		FeedbackDays:       k.Config.Learning.FeedbackDays,
		FeedbackLimit:      k.Config.Learning.FeedbackLimit,
		MinMarginPercent:   k.Config.Agent.MinMarginPercent,
		MaxDiscountPercent: k.Config.Agent.MaxDiscountPercent,
	})

	k.Usage = ledger.New(k.Invoker, k.Config.LLM.Model)
	k.Tracker = tracker.New()
	k.Stages = pipeline.NewStages(k.Invoker, k.LLM, k.Learning, k.Usage, k.Config)

	pricing, err := pipeline.BuildPricingGraph(k.Stages,
		pipeline.NewRunObserver(proto.GraphPricing, k.Tracker, k.StageMetrics))
	if err != nil {
		return fmt.Errorf("failed to build pricing graph: %w", err)
	}
	monitoring, err := pipeline.BuildMonitoringGraph(k.Stages,
		pipeline.NewRunObserver(proto.GraphMonitoring, k.Tracker, k.StageMetrics))
	if err != nil {
		return fmt.Errorf("failed to build monitoring graph: %w", err)
	}

	journal := persistence.NewChannelJournal(k.JournalChannel)
	k.Scheduler = scheduler.New(k.Config, pricing, monitoring, k.Invoker, k.Tracker,
		journal, k.StageMetrics, k.SchedulerMetrics)
	k.Supervisor = supervisor.New("scheduler")

	if url := k.Config.Web.PrometheusURL; url != "" {
		k.Costs, err = metrics.NewQueryService(url)
		if err != nil {
			return fmt.Errorf("failed to create cost query service: %w", err)
		}
	}

	k.WebServer = webapi.New(k.Scheduler, k.JournalOps, k.Costs, k.Config.Web.AuthToken)
	k.WebServer.SetMetricsHandler(promhttp.HandlerFor(k.Registry, promhttp.HandlerOpts{}))
	k.HTTPServer = &http.Server{
		Addr:              k.Config.Web.ListenAddr,
		Handler:           k.WebServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	k.Logger.Info("Kernel services initialized successfully")
	return nil
}

// initializeJournal sets up the run journal database and its write channel.
func (k *Kernel) initializeJournal() error {
	dbPath := k.Config.Persistence.DBPath
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	var err error
	k.Database, err = persistence.InitializeDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	k.JournalOps = persistence.NewOperations(k.Database)
	k.JournalChannel = make(chan *persistence.Request, journalQueueDepth)

	k.Logger.Info("Journal database initialized with schema: %s", dbPath)
	return nil
}

// Start begins all kernel services in the correct order: journal worker,
// HTTP API, then the scheduler worker. With auto start enabled the
// scheduler begins its first cycle immediately; otherwise it parks until
// a start request arrives over the API.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	k.Logger.Info("Starting kernel services...")

	k.startJournalWorker()

	go func() {
		k.Logger.Info("Web API listening on %s", k.HTTPServer.Addr)
		if err := k.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.Logger.Error("Web server error: %v", err)
		}
	}()

	if err := k.Supervisor.Start(k.ctx, k.Scheduler.Run); err != nil {
		return fmt.Errorf("failed to start scheduler worker: %w", err)
	}

	k.running = true
	k.Logger.Info("Kernel services started successfully")
	return nil
}

// Stop gracefully shuts down all kernel services.
func (k *Kernel) Stop() error {
	if !k.running {
		return nil
	}

	k.Logger.Info("Stopping kernel services...")

	// Shut the HTTP server down first so no control request can reach the
	// scheduler mid-teardown. Use a fresh context since k.ctx is about to
	// be cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := k.HTTPServer.Shutdown(shutdownCtx); err != nil {
		k.Logger.Error("Error stopping web server: %v", err)
	}
	shutdownCancel()

	// Cancel the kernel context to stop all producers from sending to the
	// journal channel. This prevents "send on closed channel" panics when
	// we drain the queue.
	k.cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := k.Supervisor.AwaitStopped(stopCtx); err != nil {
		k.Logger.Error("Error stopping scheduler worker: %v", err)
	}
	stopCancel()

	// Now that producers are stopped, drain the journal queue BEFORE
	// closing the database.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := k.DrainJournalQueue(drainCtx); err != nil {
		k.Logger.Warn("Journal queue drain issue: %v", err)
	}
	drainCancel()

	if k.priorCache != nil {
		if err := k.priorCache.Close(); err != nil {
			k.Logger.Warn("Error closing prior cache: %v", err)
		}
	}

	if k.Database != nil {
		if err := k.Database.Close(); err != nil {
			k.Logger.Error("Error closing database: %v", err)
		}
	}

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return nil
}

// DrainJournalQueue closes the journal channel and waits for pending writes
// to complete. Called during graceful shutdown so every finished run is on
// disk before the database closes. Returns an error if the drain times out.
func (k *Kernel) DrainJournalQueue(ctx context.Context) error {
	if k.JournalChannel == nil {
		return nil
	}

	k.Logger.Info("Draining journal queue...")
	close(k.JournalChannel)
	k.JournalChannel = nil // Prevent double-close in Stop()

	if k.journalWorkerDone == nil {
		return nil
	}

	select {
	case <-k.journalWorkerDone:
		k.Logger.Info("Journal queue drained successfully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for journal queue to drain: %w", ctx.Err())
	}
}

// startJournalWorker begins the database write worker goroutine. The worker
// drains all pending requests before signaling completion via
// journalWorkerDone.
func (k *Kernel) startJournalWorker() {
	k.journalWorkerDone = make(chan struct{})
	// Capture the channel before spawning: DrainJournalQueue nils the field,
	// and a late-starting worker must not re-read it and range over nil.
	ch := k.JournalChannel

	go func() {
		defer close(k.journalWorkerDone)
		k.Logger.Debug("Starting journal worker")

		for req := range ch {
			if req != nil {
				k.processJournalRequest(req)
			}
		}

		k.Logger.Info("Journal worker finished draining queue")
	}()
}

// processJournalRequest handles one queued write. Failures are logged and
// dropped; the journal is an audit trail, not a ledger the loop depends on.
func (k *Kernel) processJournalRequest(req *persistence.Request) {
	switch req.Operation {
	case persistence.OpInsertRun:
		if rec, ok := req.Data.(*proto.RunRecord); ok {
			if err := k.JournalOps.InsertRun(rec); err != nil {
				k.Logger.Error("Failed to journal run %s: %v", rec.RunID, err)
			}
		}

	case persistence.OpInsertCycle:
		if rec, ok := req.Data.(*proto.CycleRecord); ok {
			if err := k.JournalOps.InsertCycle(rec); err != nil {
				k.Logger.Error("Failed to journal cycle %d: %v", rec.Cycle, err)
			}
		}

	default:
		k.Logger.Error("Unknown journal operation: %v", req.Operation)
		if req.Response != nil {
			req.Response <- fmt.Errorf("unknown operation: %v", req.Operation)
		}
	}
}

// priorCacheOrNil keeps a nil *RedisCache from becoming a non-nil
// learning.PriorCache interface value.
func priorCacheOrNil(cache *learning.RedisCache) learning.PriorCache {
	if cache == nil {
		return nil
	}
	return cache
}
