package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// ManagerConfig configures the queue manager's background tasks.
type ManagerConfig struct {
	CleanupInterval         time.Duration
	StaleRequestTimeout     time.Duration
	RetryDelay              time.Duration
	MaxRetries              int
	GracefulShutdownTimeout time.Duration
	// InitialTaskDelay defers the first tick so a Stop immediately after
	// Start cancels cleanly. Defaults to 100ms.
	InitialTaskDelay time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.StaleRequestTimeout <= 0 {
		c.StaleRequestTimeout = 5 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 10 * time.Second
	}
	if c.InitialTaskDelay <= 0 {
		c.InitialTaskDelay = 100 * time.Millisecond
	}
}

// Manager owns the queue connection lifetime and runs two periodic tasks:
// the stale-request reaper and the retry re-admitter. Both pop a single item
// per tick so neither can monopolize the queue.
type Manager struct {
	queue *Queue
	cfg   ManagerConfig
	// reporter, when set, receives FAILED updates for items dropped after
	// retry exhaustion so lifecycle state cannot drift from queue state.
	reporter domain.StatusReporter

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	lastCleanupRun time.Time
	lastRetryRun   time.Time
}

// NewManager constructs a Manager around an unconnected queue.
func NewManager(q *Queue, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{queue: q, cfg: cfg}
}

// SetStatusReporter wires the lifecycle store for drop notifications. Must
// be called before Start.
func (m *Manager) SetStatusReporter(r domain.StatusReporter) { m.reporter = r }

// Queue exposes the managed queue to the processor and pool.
func (m *Manager) Queue() domain.PriorityQueue { return m.queue }

// Start connects the queue and schedules the background tasks. Idempotent.
func (m *Manager) Start(ctx domain.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := m.queue.Connect(ctx); err != nil {
		return fmt.Errorf("op=manager.Start: %w", err)
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.wg.Add(2)
	go m.runPeriodic(taskCtx, "cleanup", m.cfg.CleanupInterval, m.reapOnce)
	go m.runPeriodic(taskCtx, "retry", m.cfg.RetryDelay, m.retryOnce)

	slog.Info("queue manager started",
		slog.Duration("cleanup_interval", m.cfg.CleanupInterval),
		slog.Duration("retry_delay", m.cfg.RetryDelay),
		slog.Int("max_retries", m.cfg.MaxRetries))
	return nil
}

// Stop cancels the background tasks, awaits in-flight ticks, and disconnects
// the queue. The whole shutdown is bounded by GracefulShutdownTimeout.
// Idempotent.
func (m *Manager) Stop(ctx domain.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.GracefulShutdownTimeout):
		slog.Warn("queue manager shutdown timed out waiting for background tasks")
	case <-ctx.Done():
	}

	if err := m.queue.Disconnect(ctx); err != nil {
		return fmt.Errorf("op=manager.Stop: %w", err)
	}
	slog.Info("queue manager stopped")
	return nil
}

// IsRunning reports the running flag.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// runPeriodic drives one background task: an initial delay, then a steady
// ticker. Tick errors are logged and swallowed so the timer never dies.
func (m *Manager) runPeriodic(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	defer m.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(m.cfg.InitialTaskDelay):
	}

	run := func() {
		if !m.IsRunning() {
			return
		}
		if err := tick(ctx); err != nil {
			slog.Error("background task failed", slog.String("task", name), slog.Any("error", err))
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("background task stopping", slog.String("task", name))
			return
		case <-ticker.C:
			run()
		}
	}
}

// reapOnce pops one item and inspects its timestamps. Stale items below the
// retry limit are demoted to LOW so fresh work overtakes them; exhausted
// items are dropped and reported FAILED. Fresh items go back unchanged.
func (m *Manager) reapOnce(ctx context.Context) error {
	tracer := otel.Tracer("redisq.manager")
	ctx, span := tracer.Start(ctx, "Manager.reapOnce")
	defer span.End()

	m.mu.Lock()
	m.lastCleanupRun = time.Now()
	m.mu.Unlock()

	item, err := m.queue.Dequeue(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if item == nil {
		return nil
	}
	span.SetAttributes(
		attribute.String("item.id", item.ID),
		attribute.Int("item.attempts", item.Attempts),
	)

	age := time.Since(time.UnixMilli(item.LastTouched()))
	if age <= m.cfg.StaleRequestTimeout {
		return m.queue.EnqueueItem(ctx, *item)
	}

	if item.Attempts < m.cfg.MaxRetries {
		retry := *item
		retry.Attempts++
		retry.LastAttempt = time.Now().UnixMilli()
		retry.Priority = domain.PriorityLow
		observability.RequestsRetriedTotal.Inc()
		slog.Warn("stale request demoted for retry",
			slog.String("id", item.ID),
			slog.Duration("age", age),
			slog.Int("attempts", retry.Attempts))
		return m.queue.EnqueueItem(ctx, retry)
	}

	observability.RequestsDroppedTotal.Inc()
	slog.Error("stale request dropped after retry exhaustion",
		slog.String("id", item.ID),
		slog.Duration("age", age),
		slog.Int("attempts", item.Attempts))
	if m.reporter != nil {
		meta := map[string]any{
			"error":    fmt.Sprintf("stale request exceeded %d retries", m.cfg.MaxRetries),
			"failedAt": time.Now().UTC(),
		}
		if err := m.reporter.UpdateRequestStatus(ctx, item.ID, domain.StatusFailed, meta); err != nil {
			slog.Error("failed to report dropped request", slog.String("id", item.ID), slog.Any("error", err))
		}
	}
	return nil
}

// retryOnce pops one item and re-admits it at its original priority once its
// cool-off has elapsed. Not-yet-ready items go back unchanged so the head
// advances and other items get seen.
func (m *Manager) retryOnce(ctx context.Context) error {
	tracer := otel.Tracer("redisq.manager")
	ctx, span := tracer.Start(ctx, "Manager.retryOnce")
	defer span.End()

	m.mu.Lock()
	m.lastRetryRun = time.Now()
	m.mu.Unlock()

	item, err := m.queue.Dequeue(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if item == nil {
		return nil
	}

	if item.LastAttempt > 0 {
		cooloff := time.Since(time.UnixMilli(item.LastAttempt))
		if cooloff < m.cfg.RetryDelay {
			slog.Debug("retry item not ready, requeued",
				slog.String("id", item.ID),
				slog.Duration("cooloff", cooloff))
		} else {
			slog.Debug("retry item re-admitted", slog.String("id", item.ID))
		}
	}
	return m.queue.EnqueueItem(ctx, *item)
}

// Health reports the manager snapshot. Healthy iff running and connected.
func (m *Manager) Health(ctx domain.Context) domain.QueueManagerHealth {
	m.mu.Lock()
	running := m.running
	lastCleanup := m.lastCleanupRun
	lastRetry := m.lastRetryRun
	m.mu.Unlock()

	connected := m.queue.IsConnected()
	h := domain.QueueManagerHealth{
		IsRunning:             running,
		IsHealthy:             running && connected,
		RedisConnected:        connected,
		BackgroundTasksActive: running,
		LastCleanupRun:        lastCleanup,
		LastRetryProcessRun:   lastRetry,
	}
	if connected {
		if qm, err := m.queue.Metrics(ctx); err == nil {
			h.QueueMetrics = qm
		}
	}
	return h
}
