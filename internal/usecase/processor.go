// Package usecase contains the request processor: validation, id issuance,
// the in-memory lifecycle store, and provider dispatch.
package usecase

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// CancelResult reports the outcome of a cancellation attempt. Cancellation
// never returns an error for well-formed ids; it reports a reason instead.
type CancelResult struct {
	Success bool                 `json:"success"`
	Status  domain.RequestStatus `json:"status,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// ProviderHealthEntry is one provider's health in the composed snapshot.
type ProviderHealthEntry struct {
	IsHealthy bool `json:"isHealthy"`
}

// HealthServices groups the subsystem healths.
type HealthServices struct {
	QueueManager domain.QueueManagerHealth      `json:"queueManager"`
	Providers    map[string]ProviderHealthEntry `json:"providers"`
}

// HealthMetrics carries live queue metrics.
type HealthMetrics struct {
	QueueDepth domain.QueueMetrics `json:"queueDepth"`
	TotalDepth int64               `json:"totalDepth"`
}

// HealthSnapshot composes queue and provider health. It stays reportable
// even when subsystems are degraded.
type HealthSnapshot struct {
	IsRunning bool           `json:"isRunning"`
	IsHealthy bool           `json:"isHealthy"`
	Services  HealthServices `json:"services"`
	Metrics   HealthMetrics  `json:"metrics"`
}

// Processor owns the request lifecycle: it validates producer input, issues
// ids, keeps the in-memory record map, and dispatches to providers. The
// record map is never pruned by the core.
type Processor struct {
	qm        domain.QueueManager
	providers *ai.Manager

	mu      sync.RWMutex
	records map[string]*domain.RequestRecord
	running bool

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewProcessor constructs a Processor over a queue manager and provider router.
func NewProcessor(qm domain.QueueManager, providers *ai.Manager) *Processor {
	return &Processor{
		qm:        qm,
		providers: providers,
		records:   make(map[string]*domain.RequestRecord),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0), //nolint:gosec // request ids need uniqueness, not secrecy
	}
}

// Start brings up the queue manager and marks the processor running.
// Idempotent.
func (p *Processor) Start(ctx domain.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	if err := p.qm.Start(ctx); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return fmt.Errorf("op=processor.Start: %w", err)
	}
	slog.Info("request processor started")
	return nil
}

// Stop marks the processor stopped and shuts the queue manager down.
// Idempotent.
func (p *Processor) Stop(ctx domain.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	if err := p.qm.Stop(ctx); err != nil {
		return fmt.Errorf("op=processor.Stop: %w", err)
	}
	slog.Info("request processor stopped")
	return nil
}

// IsRunning reports the running flag.
func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// newRequestID issues an opaque, unique, monotonically trending id
// (timestamp-ordered ULID).
func (p *Processor) newRequestID() string {
	p.entropyMu.Lock()
	defer p.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}

// validate rejects before any side effect: non-whitespace prompt and a
// resolvable provider.
func (p *Processor) validate(req domain.AIRequest) (domain.Provider, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt cannot be empty", domain.ErrInvalidArgument)
	}
	prov, err := p.providers.GetProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	return prov, nil
}

// EnqueueRequest validates, issues an id, records PENDING, and admits the
// request to the queue. The record exists before admission returns.
func (p *Processor) EnqueueRequest(ctx domain.Context, req domain.AIRequest, priority domain.Priority) (string, error) {
	if !p.IsRunning() {
		return "", fmt.Errorf("%w: processor not running", domain.ErrInternal)
	}
	prov, err := p.validate(req)
	if err != nil {
		return "", err
	}
	priority, err = domain.ParsePriority(string(priority))
	if err != nil {
		return "", err
	}

	id := p.newRequestID()
	now := time.Now().UTC()
	p.mu.Lock()
	p.records[id] = &domain.RequestRecord{
		RequestID: id,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Provider:  prov.Name(),
		Model:     req.Model,
		Metadata:  map[string]any{"originalRequest": req},
	}
	p.mu.Unlock()

	data, err := req.ToData()
	if err != nil {
		return "", err
	}
	if err := p.qm.Queue().Enqueue(ctx, id, data, priority); err != nil {
		// Queue admission failed; the record reflects the failure so the
		// producer can observe it via GetRequestStatus.
		_ = p.UpdateRequestStatus(ctx, id, domain.StatusFailed, map[string]any{"error": "enqueue failed"})
		return "", err
	}
	slog.Info("request enqueued",
		slog.String("request_id", id),
		slog.String("provider", prov.Name()),
		slog.String("priority", string(priority)))
	return id, nil
}

// ProcessRequest is the synchronous path: it bypasses the queue and drives
// the request through the full lifecycle inline.
func (p *Processor) ProcessRequest(ctx domain.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	if !p.IsRunning() {
		return nil, fmt.Errorf("%w: processor not running", domain.ErrInternal)
	}
	prov, err := p.validate(req)
	if err != nil {
		return nil, err
	}

	id := p.newRequestID()
	now := time.Now().UTC()
	p.mu.Lock()
	p.records[id] = &domain.RequestRecord{
		RequestID: id,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Provider:  prov.Name(),
		Model:     req.Model,
		Metadata:  map[string]any{"originalRequest": req},
	}
	p.mu.Unlock()

	_ = p.UpdateRequestStatus(ctx, id, domain.StatusProcessing, nil)
	start := time.Now()
	resp, err := prov.SendRequest(ctx, req)
	if err != nil {
		_ = p.UpdateRequestStatus(ctx, id, domain.StatusFailed, map[string]any{
			"error":    err.Error(),
			"failedAt": time.Now().UTC(),
		})
		observability.FailRequest(prov.Name(), "provider", time.Since(start))
		return nil, err
	}
	_ = p.UpdateRequestStatus(ctx, id, domain.StatusCompleted, map[string]any{
		"completedAt":    time.Now().UTC(),
		"processingTime": time.Since(start).Milliseconds(),
	})
	observability.CompleteRequest(prov.Name(), time.Since(start))
	return resp, nil
}

// Dispatch routes a request to its provider; workers call this so the
// processor remains the only component talking to the provider router.
func (p *Processor) Dispatch(ctx domain.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	return p.providers.SendRequest(ctx, req)
}

// GetRequestStatus returns a copy of the lifecycle record.
func (p *Processor) GetRequestStatus(id string) (domain.RequestRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[id]
	if !ok {
		return domain.RequestRecord{}, fmt.Errorf("%w: request %s", domain.ErrNotFound, id)
	}
	out := *rec
	out.Metadata = cloneMeta(rec.Metadata)
	return out, nil
}

// UpdateRequestStatus upserts a record: missing ids are created (logged at
// warn so misuse is visible), UpdatedAt advances strictly, and metadata is
// merged key-wise.
func (p *Processor) UpdateRequestStatus(_ domain.Context, id string, status domain.RequestStatus, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("%w: request id required", domain.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := p.records[id]
	if !ok {
		slog.Warn("status update for unknown request, creating record", slog.String("request_id", id))
		rec = &domain.RequestRecord{
			RequestID: id,
			CreatedAt: now,
			Metadata:  map[string]any{},
		}
		p.records[id] = rec
	} else if rec.Status != status && !rec.Status.CanTransitionTo(status) {
		slog.Warn("lifecycle transition outside the state machine",
			slog.String("request_id", id),
			slog.String("from", string(rec.Status)),
			slog.String("to", string(status)))
	}
	if !now.After(rec.UpdatedAt) {
		now = rec.UpdatedAt.Add(time.Nanosecond)
	}
	rec.Status = status
	rec.UpdatedAt = now
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return nil
}

// CancelRequest applies the cancellation rules: PENDING cancels, PROCESSING
// refuses with a reason, CANCELLED is idempotent, other terminal states
// report their status.
func (p *Processor) CancelRequest(id string) CancelResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		return CancelResult{Success: false, Reason: "Request not found"}
	}
	switch rec.Status {
	case domain.StatusPending:
		now := time.Now().UTC()
		if !now.After(rec.UpdatedAt) {
			now = rec.UpdatedAt.Add(time.Nanosecond)
		}
		rec.Status = domain.StatusCancelled
		rec.UpdatedAt = now
		slog.Info("request cancelled", slog.String("request_id", id))
		return CancelResult{Success: true, Status: domain.StatusCancelled}
	case domain.StatusProcessing:
		return CancelResult{
			Success: false,
			Status:  domain.StatusProcessing,
			Reason:  "Request is currently being processed and cannot be cancelled",
		}
	case domain.StatusCancelled:
		return CancelResult{Success: true, Status: domain.StatusCancelled}
	default: // completed, failed
		return CancelResult{
			Success: false,
			Status:  rec.Status,
			Reason:  fmt.Sprintf("Request already %s", rec.Status),
		}
	}
}

// HealthStatus composes queue manager health and per-provider config checks.
// Healthy iff running, queue healthy, and every provider healthy.
func (p *Processor) HealthStatus(ctx domain.Context) HealthSnapshot {
	qh := p.qm.Health(ctx)

	providers := make(map[string]ProviderHealthEntry)
	allHealthy := true
	for name, prov := range p.providers.Providers() {
		ok := prov.ValidateConfig()
		providers[name] = ProviderHealthEntry{IsHealthy: ok}
		if !ok {
			allHealthy = false
		}
	}

	running := p.IsRunning()
	return HealthSnapshot{
		IsRunning: running,
		IsHealthy: running && qh.IsHealthy && allHealthy,
		Services:  HealthServices{QueueManager: qh, Providers: providers},
		Metrics: HealthMetrics{
			QueueDepth: qh.QueueMetrics,
			TotalDepth: qh.QueueMetrics.Total,
		},
	}
}

func cloneMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ domain.StatusReporter = (*Processor)(nil)
