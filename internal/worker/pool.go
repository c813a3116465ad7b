package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// PoolConfig sizes and paces the pool.
type PoolConfig struct {
	MaxWorkers                int
	MinWorkers                int
	QueuePollInterval         time.Duration
	WorkerHealthCheckInterval time.Duration
	QueueItemsPerWorker       int
	GracefulShutdownTimeout   time.Duration
	Worker                    Config
}

func (c *PoolConfig) validate() error {
	if c == nil {
		return fmt.Errorf("%w: pool config required", domain.ErrConfig)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("%w: maxWorkers must be positive, got %d", domain.ErrConfig, c.MaxWorkers)
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("%w: minWorkers %d exceeds maxWorkers %d", domain.ErrConfig, c.MinWorkers, c.MaxWorkers)
	}
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = time.Second
	}
	if c.WorkerHealthCheckInterval <= 0 {
		c.WorkerHealthCheckInterval = 5 * time.Second
	}
	if c.QueueItemsPerWorker <= 0 {
		c.QueueItemsPerWorker = 5
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 10 * time.Second
	}
	return nil
}

// PoolPerformance aggregates worker counters.
type PoolPerformance struct {
	TotalProcessed        int64         `json:"totalProcessed"`
	TotalFailed           int64         `json:"totalFailed"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
}

// PoolHealth is the pool's aggregate snapshot.
type PoolHealth struct {
	IsRunning     bool                  `json:"isRunning"`
	IsHealthy     bool                  `json:"isHealthy"`
	WorkerCount   int                   `json:"workerCount"`
	ActiveWorkers int                   `json:"activeWorkers"`
	IdleWorkers   int                   `json:"idleWorkers"`
	FailedWorkers int                   `json:"failedWorkers"`
	QueueMetrics  domain.QueueMetrics   `json:"queueMetrics"`
	Performance   PoolPerformance       `json:"performance"`
	Workers       []domain.WorkerHealth `json:"workers"`
}

// Pool maintains an elastic roster of workers, polls the queue, and
// supervises worker health. The queue is the only shared ordering point;
// the pool hands each dequeued item to exactly one running worker.
type Pool struct {
	cfg        PoolConfig
	queue      domain.PriorityQueue
	dispatcher Dispatcher

	mu      sync.Mutex
	workers []*Worker
	running bool
	seq     int
	next    int
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	handWG  sync.WaitGroup
}

// NewPool validates configuration and constructs a stopped pool.
func NewPool(queue domain.PriorityQueue, dispatcher Dispatcher, cfg PoolConfig) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pool{cfg: cfg, queue: queue, dispatcher: dispatcher}, nil
}

// Start spawns the minimum roster and the poll and health tickers.
// Idempotent.
func (p *Pool) Start(ctx domain.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	for i := 0; i < p.cfg.MinWorkers; i++ {
		w := p.newWorkerLocked()
		w.Start()
		p.workers = append(p.workers, w)
	}
	observability.SetWorkerCount(len(p.workers))
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	p.loopWG.Add(2)
	go p.runLoop(loopCtx, p.cfg.QueuePollInterval, func(c context.Context) {
		p.ScaleWorkers(c)
		p.ProcessQueue(c)
	})
	go p.runLoop(loopCtx, p.cfg.WorkerHealthCheckInterval, p.CheckWorkerHealth)

	slog.Info("worker pool started",
		slog.Int("min_workers", p.cfg.MinWorkers),
		slog.Int("max_workers", p.cfg.MaxWorkers))
	return nil
}

// Stop cancels the tickers, stops every worker in parallel, and clears the
// roster; bounded by GracefulShutdownTimeout. Idempotent.
func (p *Pool) Stop(ctx domain.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.loopWG.Wait()
		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Stop()
			}(w)
		}
		wg.Wait()
		p.handWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.GracefulShutdownTimeout):
		slog.Warn("worker pool shutdown timed out")
	case <-ctx.Done():
	}

	observability.SetWorkerCount(0)
	slog.Info("worker pool stopped")
	return nil
}

// IsRunning reports the running flag.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) runLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer p.loopWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.IsRunning() {
				continue
			}
			tick(ctx)
		}
	}
}

// newWorkerLocked mints a worker with a unique id; callers hold p.mu.
func (p *Pool) newWorkerLocked() *Worker {
	p.seq++
	id := fmt.Sprintf("worker-%d-%d", time.Now().UnixMilli(), p.seq)
	return New(id, p.dispatcher, p.cfg.Worker)
}

// ScaleWorkers sizes the roster to
// clamp(ceil(totalDepth/queueItemsPerWorker), min, max). Queue metric
// errors are logged, never thrown; the pool keeps running.
func (p *Pool) ScaleWorkers(ctx domain.Context) {
	depth, err := p.queue.TotalDepth(ctx)
	if err != nil {
		slog.Warn("scale skipped, queue metrics unavailable", slog.Any("error", err))
		return
	}

	target := int((depth + int64(p.cfg.QueueItemsPerWorker) - 1) / int64(p.cfg.QueueItemsPerWorker))
	if target < p.cfg.MinWorkers {
		target = p.cfg.MinWorkers
	}
	if target > p.cfg.MaxWorkers {
		target = p.cfg.MaxWorkers
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	current := len(p.workers)
	switch {
	case target > current:
		for i := current; i < target; i++ {
			w := p.newWorkerLocked()
			w.Start()
			p.workers = append(p.workers, w)
		}
		observability.ScaleEvent("up")
		slog.Info("pool scaled up", slog.Int("from", current), slog.Int("to", target), slog.Int64("depth", depth))
	case target < current && current > p.cfg.MinWorkers:
		remove := current - target
		if max := current - p.cfg.MinWorkers; remove > max {
			remove = max
		}
		tail := p.workers[current-remove:]
		p.workers = p.workers[:current-remove]
		for _, w := range tail {
			go w.Stop()
		}
		observability.ScaleEvent("down")
		slog.Info("pool scaled down", slog.Int("from", current), slog.Int("to", current-remove), slog.Int64("depth", depth))
	}
	observability.SetWorkerCount(len(p.workers))
}

// CheckWorkerHealth stops and removes unhealthy workers, then tops the
// roster back up to the minimum.
func (p *Pool) CheckWorkerHealth(_ domain.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	kept := p.workers[:0]
	var removed int
	for _, w := range p.workers {
		if w.Health().IsHealthy {
			kept = append(kept, w)
			continue
		}
		removed++
		slog.Warn("unhealthy worker removed", slog.String("worker_id", w.ID()))
		w.markFailed()
		go w.Stop()
	}
	p.workers = kept

	for len(p.workers) < p.cfg.MinWorkers {
		w := p.newWorkerLocked()
		w.Start()
		p.workers = append(p.workers, w)
		slog.Info("replacement worker started", slog.String("worker_id", w.ID()))
	}
	if removed > 0 {
		observability.SetWorkerCount(len(p.workers))
	}
}

// ProcessQueue hands up to min(available, depth) items to running workers.
// Each available worker gets at most one item per tick, and the starting
// worker rotates across ticks so low depth does not pin all work on the
// head of the roster. Queue errors are swallowed (logged) so a transient
// outage does not kill the loop.
func (p *Pool) ProcessQueue(ctx domain.Context) {
	depth, err := p.queue.TotalDepth(ctx)
	if err != nil {
		slog.Warn("queue poll failed", slog.Any("error", err))
		return
	}
	if depth == 0 {
		return
	}

	p.mu.Lock()
	var available []*Worker
	for _, w := range p.workers {
		if w.Status() == domain.WorkerRunning {
			available = append(available, w)
		}
	}
	start := 0
	if len(available) > 0 {
		start = p.next % len(available)
		p.next++
	}
	p.mu.Unlock()

	n := len(available)
	if int64(n) > depth {
		n = int(depth)
	}
	for i := 0; i < n; i++ {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			slog.Warn("dequeue failed", slog.Any("error", err))
			return
		}
		if item == nil {
			return
		}
		w := available[(start+i)%len(available)]
		p.handWG.Add(1)
		go func(w *Worker, item *domain.QueueItem) {
			defer p.handWG.Done()
			p.handOff(ctx, w, item)
		}(w, item)
	}
}

// handOff runs one item on a worker. A worker that stopped between the
// availability snapshot and the handoff never saw the item, so it goes back
// on the queue at its original priority instead of being dropped.
func (p *Pool) handOff(ctx domain.Context, w *Worker, item *domain.QueueItem) {
	res := w.ProcessRequest(ctx, item)
	if res.Success {
		return
	}
	if res.Error == msgWorkerNotRunning {
		if err := p.queue.EnqueueItem(ctx, *item); err != nil {
			slog.Error("re-enqueue after lost handoff failed",
				slog.String("worker_id", w.ID()),
				slog.String("request_id", item.ID),
				slog.Any("error", err))
			return
		}
		slog.Warn("worker stopped before handoff, item re-enqueued",
			slog.String("worker_id", w.ID()),
			slog.String("request_id", item.ID))
		return
	}
	slog.Debug("item processing failed",
		slog.String("worker_id", w.ID()),
		slog.String("request_id", item.ID),
		slog.String("error", res.Error))
}

// Health aggregates worker snapshots and live queue metrics. Queue errors
// fall back to zeroed metrics so the health surface stays callable.
func (p *Pool) Health(ctx domain.Context) PoolHealth {
	p.mu.Lock()
	running := p.running
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	h := PoolHealth{
		IsRunning:   running,
		WorkerCount: len(workers),
	}
	var totalTime time.Duration
	for _, w := range workers {
		wh := w.Health()
		h.Workers = append(h.Workers, wh)
		switch wh.Status {
		case domain.WorkerProcessing:
			h.ActiveWorkers++
		case domain.WorkerRunning:
			h.IdleWorkers++
		case domain.WorkerFailed:
			h.FailedWorkers++
		}
		h.Performance.TotalProcessed += wh.ProcessedRequests
		h.Performance.TotalFailed += wh.FailedRequests
		totalTime += wh.AverageProcessingTime * time.Duration(wh.ProcessedRequests)
	}
	if h.Performance.TotalProcessed > 0 {
		h.Performance.AverageProcessingTime = totalTime / time.Duration(h.Performance.TotalProcessed)
	}
	if qm, err := p.queue.Metrics(ctx); err == nil {
		h.QueueMetrics = qm
	} else {
		slog.Warn("pool health queue metrics unavailable", slog.Any("error", err))
	}
	h.IsHealthy = running && float64(h.FailedWorkers) < 0.5*float64(h.WorkerCount)
	return h
}

// WorkerCount returns the current roster size.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
