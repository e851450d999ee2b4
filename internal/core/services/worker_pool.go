package services

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gongysh2004/cogview4-server/internal/core/domain"
	"github.com/gongysh2004/cogview4-server/internal/core/ports"
	"github.com/gongysh2004/cogview4-server/internal/metrics"
)

// Readiness tracks which workers have loaded their pipeline. Each slot flips
// false→true exactly once, written only by its own worker.
type Readiness struct {
	mu     sync.RWMutex
	loaded map[int]bool
	total  int
}

func NewReadiness(total int) *Readiness {
	return &Readiness{loaded: make(map[int]bool, total), total: total}
}

func (r *Readiness) Set(workerID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded[workerID] = true
}

// Count returns how many workers have loaded.
func (r *Readiness) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ok := range r.loaded {
		if ok {
			n++
		}
	}
	return n
}

// AllReady reports whether every worker has loaded.
func (r *Readiness) AllReady() bool {
	return r.total > 0 && r.Count() == r.total
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	NumWorkers     int
	MaxTotalPixels int
	EnableBatching bool
	BatchTimeout   time.Duration
	MaxBatchSize   int
	StartupStagger time.Duration
	ChunkLimit     int
	// ShutdownGrace bounds how long shutdown waits for workers to drain.
	ShutdownGrace time.Duration
}

// WorkerPool spawns and supervises the workers, owns the shared request
// channel and the per-request mailbox bus, and is the authoritative record
// of in-flight request ids.
type WorkerPool struct {
	logger  *slog.Logger
	cfg     PoolConfig
	loader  ports.PipelineLoader
	bus     *EventBus
	batcher *BatchManager
	ready   *Readiness
	metrics *metrics.Metrics

	requests chan domain.WorkerMessage
	stop     chan struct{}
	stopping atomic.Bool
	isReady  atomic.Bool

	activeMu sync.Mutex
	active   map[string]struct{}
}

func NewWorkerPool(logger *slog.Logger, cfg PoolConfig, loader ports.PipelineLoader, bus *EventBus, m *metrics.Metrics) *WorkerPool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	pool := &WorkerPool{
		logger:  logger,
		cfg:     cfg,
		loader:  loader,
		bus:     bus,
		ready:   NewReadiness(cfg.NumWorkers),
		metrics: m,
		batcher: NewBatchManager(logger, BatchManagerConfig{
			BatchTimeout:   cfg.BatchTimeout,
			MaxBatchSize:   cfg.MaxBatchSize,
			MaxTotalPixels: cfg.MaxTotalPixels,
		}),
		requests: make(chan domain.WorkerMessage, 64),
		stop:     make(chan struct{}),
		active:   make(map[string]struct{}),
	}
	return pool
}

// Run spawns the workers and the background loops, blocking until ctx is
// cancelled and shutdown completes.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("initializing worker pool", "num_workers", p.cfg.NumWorkers,
		"batching_enabled", p.cfg.EnableBatching)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	g := &errgroup.Group{}
	for i := 0; i < p.cfg.NumWorkers; i++ {
		worker := &Worker{
			id:         i,
			logger:     p.logger,
			loader:     p.loader,
			requests:   p.requests,
			stop:       p.stop,
			bus:        p.bus,
			ready:      p.ready,
			stagger:    p.cfg.StartupStagger,
			chunkLimit: p.cfg.ChunkLimit,
			metrics:    p.metrics,
		}
		g.Go(func() error { return worker.Run(workerCtx) })
	}

	go p.monitorReadiness(ctx)
	if p.cfg.EnableBatching {
		go p.sweepBatchTimeouts(ctx)
		p.logger.Info("prompt batching enabled", "batch_timeout", p.cfg.BatchTimeout, "max_batch_size", p.cfg.MaxBatchSize)
	} else {
		p.logger.Info("prompt batching disabled")
	}

	<-ctx.Done()
	p.shutdown(g, cancelWorkers)
	return nil
}

// shutdown flushes pending batches so waiting clients still complete, then
// signals workers and waits with a bounded grace.
func (p *WorkerPool) shutdown(g *errgroup.Group, cancelWorkers context.CancelFunc) {
	p.logger.Info("shutting down worker pool")
	p.stopping.Store(true)

	if p.cfg.EnableBatching {
		for _, batch := range p.batcher.FlushAll() {
			p.enqueueBatch(batch)
			p.logger.Info("flushed pending batch on shutdown", "batch_id", batch.BatchID, "size", batch.Size())
		}
	}

	close(p.stop)

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shutdown complete")
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Warn("worker drain exceeded grace, terminating", "grace", p.cfg.ShutdownGrace)
		cancelWorkers()
	}
}

// Submit admits one request: registers its mailbox, records it active, and
// routes it through the batch manager (or straight to the queue when
// batching is off). The returned channel carries the request's events; the
// release func tears the registration down and must always be called.
func (p *WorkerPool) Submit(req domain.GenerationRequest) (string, <-chan domain.ResultEvent, func(), error) {
	if p.stopping.Load() {
		return "", nil, nil, domain.ErrPoolShuttingDown
	}

	if req.RequestID == "" {
		req.RequestID = newShortID()
	}

	// The mailbox must exist before the request can reach a worker.
	events, unsub := p.bus.Subscribe(req.RequestID)

	p.activeMu.Lock()
	p.active[req.RequestID] = struct{}{}
	p.activeMu.Unlock()

	if p.metrics != nil {
		p.metrics.RequestsTotal.Inc()
		p.metrics.ActiveRequests.Inc()
	}

	release := func() {
		unsub()
		p.activeMu.Lock()
		delete(p.active, req.RequestID)
		p.activeMu.Unlock()
		if p.metrics != nil {
			p.metrics.ActiveRequests.Dec()
		}
	}

	if p.cfg.EnableBatching {
		if batch := p.batcher.Add(req); batch != nil {
			p.enqueueBatch(batch)
			p.logger.Info("submitted batch", "batch_id", batch.BatchID, "size", batch.Size(), "request_id", req.RequestID)
		} else {
			p.logger.Debug("request joined pending batch", "request_id", req.RequestID, "stream", req.Stream)
		}
	} else {
		r := req
		p.requests <- domain.WorkerMessage{Request: &r}
		p.logger.Info("submitted individual request", "request_id", req.RequestID, "stream", req.Stream)
	}

	return req.RequestID, events, release, nil
}

// Generate is the blocking non-streaming path: submit, then wait for the
// terminal event.
func (p *WorkerPool) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.CompletionData, error) {
	req.Stream = false
	_, events, release, err := p.Submit(req)
	if err != nil {
		return nil, err
	}
	defer release()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil, domain.ErrPoolShuttingDown
			}
			switch evt.Kind {
			case domain.ResultCompleted:
				return evt.Completion, nil
			case domain.ResultError:
				return nil, &GenerationError{Message: evt.Err}
			}
		}
	}
}

// GenerationError is a worker-side failure surfaced to the caller.
type GenerationError struct {
	Message string
}

func (e *GenerationError) Error() string { return e.Message }

func (p *WorkerPool) enqueueBatch(batch *domain.BatchedRequest) {
	if p.metrics != nil {
		p.metrics.BatchesTotal.Inc()
		p.metrics.BatchSize.Observe(float64(batch.Size()))
	}
	p.requests <- domain.WorkerMessage{Batch: batch}
}

// sweepBatchTimeouts flushes aged buckets every 100ms.
func (p *WorkerPool) sweepBatchTimeouts(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, batch := range p.batcher.CheckTimeouts() {
				p.enqueueBatch(batch)
				p.logger.Debug("submitted timed-out batch", "batch_id", batch.BatchID, "size", batch.Size())
			}
		}
	}
}

// monitorReadiness polls worker load state and logs the ready banner exactly
// once when the last worker comes up.
func (p *WorkerPool) monitorReadiness(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	lastLogged := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.metrics != nil {
				p.metrics.WorkersReady.Set(float64(p.ready.Count()))
			}
			if p.ready.AllReady() {
				p.isReady.Store(true)
				p.logReadyBanner()
				return
			}
			if n := p.ready.Count(); n != lastLogged && n > 0 {
				p.logger.Info("worker loading progress", "ready", n, "total", p.cfg.NumWorkers)
				lastLogged = n
			}
		}
	}
}

func (p *WorkerPool) logReadyBanner() {
	banner := strings.Join([]string{
		"all workers have loaded the pipeline",
		"endpoints: POST /v1/images/generations, POST /v1/prompt/optimize, POST /v1/prompt/translate",
		"GET /v1/models, GET /v1/gallery, GET /health, GET /status",
	}, "; ")
	p.logger.Info("server ready", "workers", p.cfg.NumWorkers, "detail", banner)
	if p.metrics != nil {
		p.metrics.WorkersReady.Set(float64(p.ready.Count()))
	}
}

// IsReady reports whether every worker has loaded its pipeline.
func (p *WorkerPool) IsReady() bool { return p.isReady.Load() }

// ReadyWorkers returns how many workers have loaded.
func (p *WorkerPool) ReadyWorkers() int { return p.ready.Count() }

// TotalWorkers returns the configured worker count.
func (p *WorkerPool) TotalWorkers() int { return p.cfg.NumWorkers }

// ActiveRequests returns the number of requests awaiting completion.
func (p *WorkerPool) ActiveRequests() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// PendingBatchRequests returns how many requests sit in unflushed buckets.
func (p *WorkerPool) PendingBatchRequests() int { return p.batcher.PendingCount() }

// BatchingEnabled reports whether coalescing is on.
func (p *WorkerPool) BatchingEnabled() bool { return p.cfg.EnableBatching }
