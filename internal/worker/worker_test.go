package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// fakeDispatcher records lifecycle updates and simulates provider latency.
type fakeDispatcher struct {
	mu       sync.Mutex
	statuses map[string][]domain.RequestStatus
	meta     map[string][]map[string]any

	latency   time.Duration
	err       error
	reportErr error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		statuses: make(map[string][]domain.RequestStatus),
		meta:     make(map[string][]map[string]any),
	}
}

func (d *fakeDispatcher) Dispatch(ctx domain.Context, req domain.AIRequest) (*domain.AIResponse, error) {
	if d.latency > 0 {
		select {
		case <-time.After(d.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return &domain.AIResponse{Provider: "fake", Content: "out: " + req.Prompt}, nil
}

func (d *fakeDispatcher) UpdateRequestStatus(_ domain.Context, id string, status domain.RequestStatus, metadata map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses[id] = append(d.statuses[id], status)
	d.meta[id] = append(d.meta[id], metadata)
	return d.reportErr
}

func (d *fakeDispatcher) statusesFor(id string) []domain.RequestStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.RequestStatus, len(d.statuses[id]))
	copy(out, d.statuses[id])
	return out
}

// workerFor returns the worker id recorded with the processing update.
func (d *fakeDispatcher) workerFor(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.meta[id] {
		if wid, ok := m["workerId"].(string); ok {
			return wid
		}
	}
	return ""
}

func queueItem(id, prompt string) *domain.QueueItem {
	return &domain.QueueItem{
		ID:       id,
		Data:     map[string]any{"prompt": prompt},
		Priority: domain.PriorityNormal,
	}
}

func TestWorker_ProcessSuccess(t *testing.T) {
	d := newFakeDispatcher()
	w := New("w-1", d, Config{ProcessingTimeout: time.Second})
	w.Start()

	res := w.ProcessRequest(context.Background(), queueItem("r-1", "hello"))
	require.True(t, res.Success)
	require.Equal(t, "r-1", res.RequestID)
	require.Equal(t, "out: hello", res.Response.Content)
	require.Empty(t, res.Error)

	require.Equal(t, []domain.RequestStatus{domain.StatusProcessing, domain.StatusCompleted}, d.statusesFor("r-1"))

	h := w.Health()
	require.EqualValues(t, 1, h.ProcessedRequests)
	require.Zero(t, h.FailedRequests)
	require.True(t, h.IsHealthy)
	require.Equal(t, domain.WorkerRunning, h.Status)
	require.Empty(t, h.CurrentRequest)
}

func TestWorker_RejectsWhenNotRunning(t *testing.T) {
	d := newFakeDispatcher()
	w := New("w-1", d, Config{})

	res := w.ProcessRequest(context.Background(), queueItem("r-1", "p"))
	require.False(t, res.Success)
	require.Equal(t, "Worker is not running", res.Error)
	require.Empty(t, d.statusesFor("r-1"))
}

func TestWorker_RejectsInvalidItem(t *testing.T) {
	d := newFakeDispatcher()
	w := New("w-1", d, Config{})
	w.Start()

	res := w.ProcessRequest(context.Background(), nil)
	require.False(t, res.Success)
	require.Equal(t, "Invalid request data", res.Error)

	res = w.ProcessRequest(context.Background(), &domain.QueueItem{ID: "r-1"})
	require.False(t, res.Success)
	require.Equal(t, "Invalid request data", res.Error)
}

func TestWorker_TimeoutProducesBoundedFailure(t *testing.T) {
	d := newFakeDispatcher()
	d.latency = time.Second
	w := New("w-1", d, Config{ProcessingTimeout: 30 * time.Millisecond})
	w.Start()

	start := time.Now()
	res := w.ProcessRequest(context.Background(), queueItem("r-slow", "p"))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "processing timeout after")
	require.Less(t, time.Since(start), 500*time.Millisecond)

	require.Equal(t, []domain.RequestStatus{domain.StatusProcessing, domain.StatusFailed}, d.statusesFor("r-slow"))

	h := w.Health()
	require.EqualValues(t, 1, h.FailedRequests)
	// Worker returns to running after a failed item.
	require.Equal(t, domain.WorkerRunning, h.Status)
}

func TestWorker_DispatchErrorReportsFailed(t *testing.T) {
	d := newFakeDispatcher()
	d.err = errors.New("backend exploded")
	w := New("w-1", d, Config{})
	w.Start()

	res := w.ProcessRequest(context.Background(), queueItem("r-err", "p"))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "backend exploded")
	require.Equal(t, []domain.RequestStatus{domain.StatusProcessing, domain.StatusFailed}, d.statusesFor("r-err"))
}

func TestWorker_StatusReportErrorDoesNotMaskFailure(t *testing.T) {
	d := newFakeDispatcher()
	d.err = errors.New("dispatch failed")
	d.reportErr = errors.New("store unavailable")
	w := New("w-1", d, Config{})
	w.Start()

	res := w.ProcessRequest(context.Background(), queueItem("r-1", "p"))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "dispatch failed")
}

func TestWorker_HealthFailureRatio(t *testing.T) {
	d := newFakeDispatcher()
	w := New("w-1", d, Config{})
	w.Start()

	// One success, one failure: ratio 0.5 crosses the unhealthy threshold.
	res := w.ProcessRequest(context.Background(), queueItem("ok", "p"))
	require.True(t, res.Success)
	require.True(t, w.Health().IsHealthy)

	d.err = errors.New("boom")
	res = w.ProcessRequest(context.Background(), queueItem("bad", "p"))
	require.False(t, res.Success)
	require.False(t, w.Health().IsHealthy)
}

func TestWorker_MarkFailedIsUnhealthy(t *testing.T) {
	w := New("w-1", newFakeDispatcher(), Config{})
	w.Start()
	w.markFailed()

	h := w.Health()
	require.Equal(t, domain.WorkerFailed, h.Status)
	require.False(t, h.IsHealthy)

	// Stop does not erase the failed marker.
	w.Stop()
	require.Equal(t, domain.WorkerFailed, w.Status())
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	w := New("w-1", newFakeDispatcher(), Config{})
	require.Equal(t, domain.WorkerStopped, w.Status())
	w.Start()
	w.Start()
	require.True(t, w.IsRunning())
	w.Stop()
	w.Stop()
	require.False(t, w.IsRunning())
	require.Equal(t, domain.WorkerStopped, w.Status())
}
