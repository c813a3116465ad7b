package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNotConnected    = errors.New("queue not connected")
	ErrSerialization   = errors.New("serialization error")
	ErrTimeout         = errors.New("processing timeout")
	ErrProvider        = errors.New("provider error")
	ErrConfig          = errors.New("invalid configuration")
	ErrInternal        = errors.New("internal error")
)

// Priority orders queue items. Dequeue drains high before normal before low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists all levels in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority normalizes a priority string; empty maps to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
}

// QueueItem is a unit of scheduled work. Data is opaque to the queue; the
// manager inspects Timestamp/LastAttempt/Attempts during reaping.
type QueueItem struct {
	ID          string         `json:"id"`
	Data        map[string]any `json:"data"`
	Priority    Priority       `json:"priority"`
	Attempts    int            `json:"attempts,omitempty"`
	Timestamp   int64          `json:"timestamp,omitempty"`   // unix ms of first admission
	LastAttempt int64          `json:"lastAttempt,omitempty"` // unix ms of last retry admission
}

// LastTouched returns the later of first admission and last attempt.
func (it QueueItem) LastTouched() int64 {
	if it.LastAttempt > it.Timestamp {
		return it.LastAttempt
	}
	return it.Timestamp
}

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the lifecycle state machine allows the
// move: pending -> processing -> (completed | failed); pending -> cancelled.
// The store upserts regardless; callers use this to flag irregular updates.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// RequestRecord is the in-memory lifecycle entry keyed by request id.
// Invariant: CreatedAt <= UpdatedAt, UpdatedAt monotonic per record.
type RequestRecord struct {
	RequestID string
	Status    RequestStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	Provider  string
	Model     string
	Metadata  map[string]any
}

// AIRequest is the validated producer input.
type AIRequest struct {
	Prompt     string         `json:"prompt"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Type       string         `json:"type,omitempty"`
}

// ToData converts a request to an opaque queue payload.
func (r AIRequest) ToData() (map[string]any, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrSerialization, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: decode request: %v", ErrSerialization, err)
	}
	return m, nil
}

// AIRequestFromData reverses ToData for worker-side dispatch.
func AIRequestFromData(data map[string]any) (AIRequest, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return AIRequest{}, fmt.Errorf("%w: encode payload: %v", ErrSerialization, err)
	}
	var r AIRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return AIRequest{}, fmt.Errorf("%w: decode payload: %v", ErrSerialization, err)
	}
	return r, nil
}

// TokenUsage counts tokens consumed by a provider call.
type TokenUsage struct {
	Input  int `json:"in"`
	Output int `json:"out"`
	Total  int `json:"total"`
}

// ResponseMetadata carries backend-specific fields projected onto the
// unified response shape.
type ResponseMetadata struct {
	StopReason string     `json:"stopReason,omitempty"`
	TokenUsage TokenUsage `json:"tokenUsage"`
	ProviderID string     `json:"providerId,omitempty"`
}

// Performance is filled by the provider (retry count, round-trip time).
type Performance struct {
	ResponseTimeMs int64 `json:"responseTimeMs"`
	RetryCount     int   `json:"retryCount"`
}

// AIResponse is the unified provider output.
type AIResponse struct {
	ID          string           `json:"id"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Content     string           `json:"content"`
	Metadata    ResponseMetadata `json:"metadata"`
	Performance Performance      `json:"performance"`
}

// ProcessingResult is the worker's outcome for one queue item. Workers never
// return an error from ProcessRequest; failures land here.
type ProcessingResult struct {
	Success        bool
	RequestID      string
	Response       *AIResponse
	Error          string
	ProcessingTime time.Duration
}

type WorkerStatus string

const (
	WorkerStopped    WorkerStatus = "stopped"
	WorkerRunning    WorkerStatus = "running"
	WorkerProcessing WorkerStatus = "processing"
	WorkerFailed     WorkerStatus = "failed"
)

// WorkerHealth is an immutable snapshot of one worker's counters.
type WorkerHealth struct {
	WorkerID              string        `json:"workerId"`
	Status                WorkerStatus  `json:"status"`
	IsHealthy             bool          `json:"isHealthy"`
	LastActivity          time.Time     `json:"lastActivity"`
	CurrentRequest        string        `json:"currentRequest,omitempty"`
	ProcessedRequests     int64         `json:"processedRequests"`
	FailedRequests        int64         `json:"failedRequests"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	Uptime                time.Duration `json:"uptime"`
}

// QueueMetrics reports per-level and total depth.
type QueueMetrics struct {
	High  int64 `json:"high"`
	Norm  int64 `json:"normal"`
	Low   int64 `json:"low"`
	Total int64 `json:"totalDepth"`
}

// QueueManagerHealth is the queue manager's health snapshot.
type QueueManagerHealth struct {
	IsRunning             bool         `json:"isRunning"`
	IsHealthy             bool         `json:"isHealthy"`
	RedisConnected        bool         `json:"redisConnected"`
	BackgroundTasksActive bool         `json:"backgroundTasksActive"`
	QueueMetrics          QueueMetrics `json:"queueMetrics"`
	LastCleanupRun        time.Time    `json:"lastCleanupRun"`
	LastRetryProcessRun   time.Time    `json:"lastRetryProcessRun"`
}

// Ports

// PriorityQueue is the ordered multi-level FIFO atop shared storage.
// Dequeue and Peek return (nil, nil) when all levels are empty.
type PriorityQueue interface {
	Connect(ctx Context) error
	Disconnect(ctx Context) error
	Enqueue(ctx Context, id string, data map[string]any, p Priority) error
	EnqueueItem(ctx Context, item QueueItem) error
	Dequeue(ctx Context) (*QueueItem, error)
	Peek(ctx Context) (*QueueItem, error)
	Depth(ctx Context, p Priority) (int64, error)
	TotalDepth(ctx Context) (int64, error)
	Metrics(ctx Context) (QueueMetrics, error)
	IsEmpty(ctx Context) (bool, error)
}

// QueueManager owns the queue connection lifetime and background reaping.
type QueueManager interface {
	Start(ctx Context) error
	Stop(ctx Context) error
	Queue() PriorityQueue
	Health(ctx Context) QueueManagerHealth
}

// Provider encapsulates one AI backend.
type Provider interface {
	Name() string
	Models() []string
	SendRequest(ctx Context, req AIRequest) (*AIResponse, error)
	CalculateCost(usage TokenUsage, model string) (float64, error)
	ValidateConfig() bool
}

// StatusReporter lets workers and the reaper write lifecycle updates without
// depending on the processor implementation.
type StatusReporter interface {
	UpdateRequestStatus(ctx Context, id string, status RequestStatus, metadata map[string]any) error
}

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context
