package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	ai "github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
	"github.com/fairyhunter13/ai-request-scheduler/internal/usecase"
)

func newTestProcessor(t *testing.T, st *stub.Client) (*usecase.Processor, domain.PriorityQueue) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	q := redisq.NewQueueWithClient(rdb, "procq")
	qm := redisq.NewManager(q, redisq.ManagerConfig{
		CleanupInterval:     time.Hour,
		RetryDelay:          time.Hour,
		StaleRequestTimeout: time.Hour,
		InitialTaskDelay:    time.Hour,
	})

	providers := ai.NewManager()
	require.NoError(t, providers.Register(st))
	require.NoError(t, providers.SetDefault("stub"))

	proc := usecase.NewProcessor(qm, providers)
	qm.SetStatusReporter(proc)
	require.NoError(t, proc.Start(context.Background()))
	t.Cleanup(func() { _ = proc.Stop(context.Background()) })
	return proc, qm.Queue()
}

func TestProcessor_RejectsBeforeSideEffects(t *testing.T) {
	proc, q := newTestProcessor(t, stub.New())
	ctx := context.Background()

	_, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "   "}, domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p", Provider: "nope"}, domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.Priority("urgent"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestProcessor_EnqueueCreatesPendingRecordBeforeAdmission(t *testing.T) {
	proc, q := newTestProcessor(t, stub.New())
	ctx := context.Background()

	id, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "hello"}, domain.PriorityHigh)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := proc.GetRequestStatus(id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)
	require.Equal(t, "stub", rec.Provider)
	require.Contains(t, rec.Metadata, "originalRequest")
	require.False(t, rec.CreatedAt.After(rec.UpdatedAt))

	n, err := q.Depth(ctx, domain.PriorityHigh)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, id, item.ID)
}

func TestProcessor_RequiresRunning(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()
	require.NoError(t, proc.Stop(ctx))

	_, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.PriorityNormal)
	require.ErrorIs(t, err, domain.ErrInternal)

	_, err = proc.ProcessRequest(ctx, domain.AIRequest{Prompt: "p"})
	require.ErrorIs(t, err, domain.ErrInternal)
}

func TestProcessor_GetRequestStatusUnknown(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	_, err := proc.GetRequestStatus("no-such-id")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessor_GetRequestStatusReturnsCopy(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()

	id, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.PriorityNormal)
	require.NoError(t, err)

	rec, err := proc.GetRequestStatus(id)
	require.NoError(t, err)
	rec.Metadata["tampered"] = true

	again, err := proc.GetRequestStatus(id)
	require.NoError(t, err)
	require.NotContains(t, again.Metadata, "tampered")
}

func TestProcessor_UpdateStatusMonotonicAndMerging(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()

	id, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, proc.UpdateRequestStatus(ctx, id, domain.StatusProcessing, map[string]any{"workerId": "w-1"}))
	first, err := proc.GetRequestStatus(id)
	require.NoError(t, err)

	require.NoError(t, proc.UpdateRequestStatus(ctx, id, domain.StatusCompleted, map[string]any{"response": "done"}))
	second, err := proc.GetRequestStatus(id)
	require.NoError(t, err)

	require.True(t, second.UpdatedAt.After(first.UpdatedAt))
	require.Equal(t, "w-1", second.Metadata["workerId"])
	require.Equal(t, "done", second.Metadata["response"])
}

func TestProcessor_UpdateStatusFlagsIrregularTransition(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	id, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, proc.UpdateRequestStatus(ctx, id, domain.StatusProcessing, nil))
	require.NoError(t, proc.UpdateRequestStatus(ctx, id, domain.StatusCompleted, nil))
	require.NotContains(t, buf.String(), "lifecycle transition outside the state machine")

	// A terminal record going back to processing is logged but still applied.
	require.NoError(t, proc.UpdateRequestStatus(ctx, id, domain.StatusProcessing, nil))
	rec, err := proc.GetRequestStatus(id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, rec.Status)
	require.Contains(t, buf.String(), "lifecycle transition outside the state machine")
}

func TestProcessor_UpdateStatusUpsertsUnknownID(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()

	require.NoError(t, proc.UpdateRequestStatus(ctx, "orphan", domain.StatusFailed, map[string]any{"error": "dropped"}))
	rec, err := proc.GetRequestStatus("orphan")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, rec.Status)

	err = proc.UpdateRequestStatus(ctx, "", domain.StatusFailed, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestProcessor_CancelSemantics(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()

	res := proc.CancelRequest("missing")
	require.False(t, res.Success)
	require.Equal(t, "Request not found", res.Reason)

	// PENDING cancels, and re-cancel is idempotent.
	id, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.PriorityNormal)
	require.NoError(t, err)
	res = proc.CancelRequest(id)
	require.True(t, res.Success)
	require.Equal(t, domain.StatusCancelled, res.Status)
	res = proc.CancelRequest(id)
	require.True(t, res.Success)

	// PROCESSING refuses.
	id2, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, proc.UpdateRequestStatus(ctx, id2, domain.StatusProcessing, nil))
	res = proc.CancelRequest(id2)
	require.False(t, res.Success)
	require.Equal(t, domain.StatusProcessing, res.Status)
	require.Contains(t, res.Reason, "currently being processed")

	// Terminal states report their status.
	id3, err := proc.EnqueueRequest(ctx, domain.AIRequest{Prompt: "p"}, domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, proc.UpdateRequestStatus(ctx, id3, domain.StatusCompleted, nil))
	res = proc.CancelRequest(id3)
	require.False(t, res.Success)
	require.Equal(t, domain.StatusCompleted, res.Status)
	require.Contains(t, res.Reason, "already completed")
}

func TestProcessor_ProcessRequestSynchronous(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()

	resp, err := proc.ProcessRequest(ctx, domain.AIRequest{Prompt: "inline"})
	require.NoError(t, err)
	require.Equal(t, "stub response: inline", resp.Content)
}

func TestProcessor_ProcessRequestProviderFailure(t *testing.T) {
	st := stub.New()
	st.Err = errors.New("backend down")
	proc, _ := newTestProcessor(t, st)

	_, err := proc.ProcessRequest(context.Background(), domain.AIRequest{Prompt: "inline"})
	require.ErrorIs(t, err, domain.ErrProvider)
}

func TestProcessor_HealthStatus(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()

	snap := proc.HealthStatus(ctx)
	require.True(t, snap.IsRunning)
	require.True(t, snap.IsHealthy)
	require.True(t, snap.Services.QueueManager.IsHealthy)
	require.True(t, snap.Services.Providers["stub"].IsHealthy)

	require.NoError(t, proc.Stop(ctx))
	snap = proc.HealthStatus(ctx)
	require.False(t, snap.IsRunning)
	require.False(t, snap.IsHealthy)
}

func TestProcessor_StartStopIdempotent(t *testing.T) {
	proc, _ := newTestProcessor(t, stub.New())
	ctx := context.Background()
	require.NoError(t, proc.Start(ctx))
	require.NoError(t, proc.Stop(ctx))
	require.NoError(t, proc.Stop(ctx))
	require.False(t, proc.IsRunning())
}
