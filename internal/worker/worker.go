// Package worker contains the single-slot worker and the elastic pool that
// drives queue items to completion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// Dispatcher is the worker's view of the processor: provider dispatch and
// lifecycle status reporting.
type Dispatcher interface {
	Dispatch(ctx domain.Context, req domain.AIRequest) (*domain.AIResponse, error)
	UpdateRequestStatus(ctx domain.Context, id string, status domain.RequestStatus, metadata map[string]any) error
}

// msgWorkerNotRunning is the ProcessingResult error for an item handed to a
// worker that is no longer accepting work. The pool keys its re-enqueue
// decision on this message.
const msgWorkerNotRunning = "Worker is not running"

// Config holds per-worker settings.
type Config struct {
	ProcessingTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 30 * time.Second
	}
}

// Worker processes one queue item at a time. It never dequeues itself; the
// pool hands it items so ordering stays in one place. Counters are owned by
// the worker; readers get snapshots via Health.
type Worker struct {
	id         string
	dispatcher Dispatcher
	cfg        Config

	mu              sync.Mutex
	status          domain.WorkerStatus
	currentRequest  string
	lastActivity    time.Time
	startedAt       time.Time
	processed       int64
	failed          int64
	totalProcessing time.Duration
}

// New constructs a stopped worker.
func New(id string, d Dispatcher, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		id:         id,
		dispatcher: d,
		cfg:        cfg,
		status:     domain.WorkerStopped,
	}
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Start marks the worker runnable. Idempotent.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != domain.WorkerStopped {
		return
	}
	w.status = domain.WorkerRunning
	w.startedAt = time.Now()
	w.lastActivity = w.startedAt
	slog.Debug("worker started", slog.String("worker_id", w.id))
}

// Stop marks the worker stopped. An in-flight item completes its current
// ProcessRequest call. A failed worker keeps its failed marker so the
// retirement reason stays observable. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == domain.WorkerStopped || w.status == domain.WorkerFailed {
		return
	}
	w.status = domain.WorkerStopped
	slog.Debug("worker stopped", slog.String("worker_id", w.id))
}

// IsRunning reports whether the worker can accept an item.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == domain.WorkerRunning || w.status == domain.WorkerProcessing
}

// Status returns the current state.
func (w *Worker) Status() domain.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// ProcessRequest drives one queue item through the lifecycle. It never
// returns an error; every failure lands in the ProcessingResult.
func (w *Worker) ProcessRequest(ctx domain.Context, item *domain.QueueItem) domain.ProcessingResult {
	start := time.Now()

	w.mu.Lock()
	if w.status != domain.WorkerRunning {
		w.mu.Unlock()
		return domain.ProcessingResult{Success: false, Error: msgWorkerNotRunning}
	}
	if item == nil || item.Data == nil {
		w.mu.Unlock()
		return domain.ProcessingResult{Success: false, Error: "Invalid request data"}
	}
	w.status = domain.WorkerProcessing
	w.currentRequest = item.ID
	w.lastActivity = start
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.status == domain.WorkerProcessing {
			w.status = domain.WorkerRunning
		}
		w.currentRequest = ""
		w.lastActivity = time.Now()
		w.mu.Unlock()
	}()

	if err := w.dispatcher.UpdateRequestStatus(ctx, item.ID, domain.StatusProcessing, map[string]any{"workerId": w.id}); err != nil {
		slog.Error("failed to report processing status",
			slog.String("worker_id", w.id),
			slog.String("request_id", item.ID),
			slog.Any("error", err))
	}

	req, err := domain.AIRequestFromData(item.Data)
	if err != nil {
		return w.fail(ctx, item.ID, "Invalid request data", start)
	}

	// Timeout race: the provider call gets a bounded child context so the
	// losing arm is cancelled rather than leaked.
	cctx, cancel := context.WithTimeout(ctx, w.cfg.ProcessingTimeout)
	defer cancel()

	resp, err := w.dispatcher.Dispatch(cctx, req)
	elapsed := time.Since(start)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("processing timeout after %v", w.cfg.ProcessingTimeout)
		}
		return w.fail(ctx, item.ID, msg, start)
	}

	if err := w.dispatcher.UpdateRequestStatus(ctx, item.ID, domain.StatusCompleted, map[string]any{
		"response":       resp,
		"completedAt":    time.Now().UTC(),
		"processingTime": elapsed.Milliseconds(),
	}); err != nil {
		slog.Error("failed to report completed status",
			slog.String("worker_id", w.id),
			slog.String("request_id", item.ID),
			slog.Any("error", err))
	}

	w.mu.Lock()
	w.processed++
	w.totalProcessing += elapsed
	w.mu.Unlock()
	observability.CompleteRequest(resp.Provider, elapsed)

	return domain.ProcessingResult{
		Success:        true,
		RequestID:      item.ID,
		Response:       resp,
		ProcessingTime: elapsed,
	}
}

// fail reports FAILED, accounts the failure, and builds the result. A
// status-report error is logged but the underlying failure is still
// returned to the caller.
func (w *Worker) fail(ctx domain.Context, requestID, msg string, start time.Time) domain.ProcessingResult {
	elapsed := time.Since(start)
	if err := w.dispatcher.UpdateRequestStatus(ctx, requestID, domain.StatusFailed, map[string]any{
		"error":          msg,
		"failedAt":       time.Now().UTC(),
		"processingTime": elapsed.Milliseconds(),
	}); err != nil {
		slog.Error("failed to report failed status",
			slog.String("worker_id", w.id),
			slog.String("request_id", requestID),
			slog.Any("error", err))
	}

	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
	observability.FailRequest("", "processing", elapsed)
	slog.Warn("request processing failed",
		slog.String("worker_id", w.id),
		slog.String("request_id", requestID),
		slog.String("error", msg))

	return domain.ProcessingResult{
		Success:        false,
		RequestID:      requestID,
		Error:          msg,
		ProcessingTime: elapsed,
	}
}

// Health returns an immutable snapshot. A worker is unhealthy when failed
// or when at least half its outcomes are failures.
func (w *Worker) Health() domain.WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()

	var avg time.Duration
	if w.processed > 0 {
		avg = w.totalProcessing / time.Duration(w.processed)
	}
	total := w.processed + w.failed
	healthy := w.status != domain.WorkerFailed
	if total > 0 && float64(w.failed)/float64(total) >= 0.5 {
		healthy = false
	}
	var uptime time.Duration
	if !w.startedAt.IsZero() && w.status != domain.WorkerStopped {
		uptime = time.Since(w.startedAt)
	}
	return domain.WorkerHealth{
		WorkerID:              w.id,
		Status:                w.status,
		IsHealthy:             healthy,
		LastActivity:          w.lastActivity,
		CurrentRequest:        w.currentRequest,
		ProcessedRequests:     w.processed,
		FailedRequests:        w.failed,
		AverageProcessingTime: avg,
		Uptime:                uptime,
	}
}

// markFailed flips the worker into the failed state; used by the pool when
// supervision decides a worker is beyond recovery.
func (w *Worker) markFailed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = domain.WorkerFailed
}
