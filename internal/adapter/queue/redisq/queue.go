// Package redisq implements the priority queue and its manager on Redis.
//
// Three lists model the priority levels; RPUSH/LPOP give FIFO per level and
// the dequeue scan order gives strict priority across levels. The key prefix
// namespaces independent queues on one shared Redis.
package redisq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-request-scheduler/internal/adapter/observability"
	"github.com/fairyhunter13/ai-request-scheduler/internal/domain"
)

// Options configures a Queue.
type Options struct {
	// URL is a redis connection URL (redis://host:port/db).
	URL string
	// KeyPrefix namespaces the three priority lists. Defaults to "queue".
	KeyPrefix string
}

// Queue is a redis-backed three-level priority queue. Safe for concurrent
// use; LPOP/RPUSH are atomic on the server so same-priority FIFO order is
// preserved across workers.
type Queue struct {
	rdb       *redis.Client
	prefix    string
	connected atomic.Bool
	errCh     chan error
}

// NewQueue constructs a Queue; it does not connect.
func NewQueue(opts Options) (*Queue, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", domain.ErrConfig, err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "queue"
	}
	return &Queue{
		rdb:    redis.NewClient(ro),
		prefix: prefix,
		errCh:  make(chan error, 16),
	}, nil
}

// NewQueueWithClient wraps an existing client; used by tests with miniredis.
func NewQueueWithClient(rdb *redis.Client, keyPrefix string) *Queue {
	if keyPrefix == "" {
		keyPrefix = "queue"
	}
	return &Queue{rdb: rdb, prefix: keyPrefix, errCh: make(chan error, 16)}
}

// Errors exposes connection and storage errors for higher layers to react.
func (q *Queue) Errors() <-chan error { return q.errCh }

// Connect pings redis and marks the queue ready.
func (q *Queue) Connect(ctx domain.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		q.report(err)
		return fmt.Errorf("%w: ping: %v", domain.ErrNotConnected, err)
	}
	q.connected.Store(true)
	slog.Info("queue connected", slog.String("prefix", q.prefix))
	return nil
}

// Disconnect marks the queue unready and closes the client.
func (q *Queue) Disconnect(_ domain.Context) error {
	if !q.connected.Swap(false) {
		return nil
	}
	if err := q.rdb.Close(); err != nil {
		return fmt.Errorf("op=queue.Disconnect: %w", err)
	}
	slog.Info("queue disconnected", slog.String("prefix", q.prefix))
	return nil
}

// IsConnected reports connection readiness.
func (q *Queue) IsConnected() bool { return q.connected.Load() }

func (q *Queue) key(p domain.Priority) string {
	return q.prefix + ":" + string(p)
}

func (q *Queue) requireConn() error {
	if !q.connected.Load() {
		return domain.ErrNotConnected
	}
	return nil
}

func (q *Queue) report(err error) {
	select {
	case q.errCh <- err:
	default:
	}
}

// Enqueue appends a new item at the given priority. First-admission
// timestamp is stamped here.
func (q *Queue) Enqueue(ctx domain.Context, id string, data map[string]any, p domain.Priority) error {
	item := domain.QueueItem{
		ID:        id,
		Data:      data,
		Priority:  p,
		Timestamp: time.Now().UnixMilli(),
	}
	return q.EnqueueItem(ctx, item)
}

// EnqueueItem appends a fully-formed item, preserving its timestamps and
// attempt counter. The manager uses this for re-admission.
func (q *Queue) EnqueueItem(ctx domain.Context, item domain.QueueItem) error {
	if err := q.requireConn(); err != nil {
		return err
	}
	if item.ID == "" {
		return fmt.Errorf("%w: queue item id required", domain.ErrInvalidArgument)
	}
	if _, err := domain.ParsePriority(string(item.Priority)); err != nil {
		return err
	}
	if item.Priority == "" {
		item.Priority = domain.PriorityNormal
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("%w: encode item %s: %v", domain.ErrSerialization, item.ID, err)
	}
	if err := q.rdb.RPush(ctx, q.key(item.Priority), b).Err(); err != nil {
		q.report(err)
		return fmt.Errorf("op=queue.Enqueue id=%s: %w", item.ID, err)
	}
	observability.EnqueueRequest(string(item.Priority))
	slog.Debug("item enqueued",
		slog.String("id", item.ID),
		slog.String("priority", string(item.Priority)),
		slog.Int("attempts", item.Attempts))
	return nil
}

// Dequeue pops the head of the highest non-empty priority level. Returns
// (nil, nil) when every level is empty. A payload that cannot be parsed is
// already consumed; the error wraps ErrSerialization and the caller decides
// how to react.
func (q *Queue) Dequeue(ctx domain.Context) (*domain.QueueItem, error) {
	if err := q.requireConn(); err != nil {
		return nil, err
	}
	for _, p := range domain.Priorities {
		raw, err := q.rdb.LPop(ctx, q.key(p)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			q.report(err)
			return nil, fmt.Errorf("op=queue.Dequeue priority=%s: %w", p, err)
		}
		var item domain.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("%w: malformed item at %s: %v", domain.ErrSerialization, p, err)
		}
		return &item, nil
	}
	return nil, nil
}

// Peek returns the head of the highest non-empty level without removing it.
func (q *Queue) Peek(ctx domain.Context) (*domain.QueueItem, error) {
	if err := q.requireConn(); err != nil {
		return nil, err
	}
	for _, p := range domain.Priorities {
		raw, err := q.rdb.LIndex(ctx, q.key(p), 0).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			q.report(err)
			return nil, fmt.Errorf("op=queue.Peek priority=%s: %w", p, err)
		}
		var item domain.QueueItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("%w: malformed item at %s: %v", domain.ErrSerialization, p, err)
		}
		return &item, nil
	}
	return nil, nil
}

// Depth returns the length of one priority level.
func (q *Queue) Depth(ctx domain.Context, p domain.Priority) (int64, error) {
	if err := q.requireConn(); err != nil {
		return 0, err
	}
	n, err := q.rdb.LLen(ctx, q.key(p)).Result()
	if err != nil {
		q.report(err)
		return 0, fmt.Errorf("op=queue.Depth priority=%s: %w", p, err)
	}
	return n, nil
}

// TotalDepth sums all three levels.
func (q *Queue) TotalDepth(ctx domain.Context) (int64, error) {
	m, err := q.Metrics(ctx)
	if err != nil {
		return 0, err
	}
	return m.Total, nil
}

// Metrics returns per-level depth and the total.
func (q *Queue) Metrics(ctx domain.Context) (domain.QueueMetrics, error) {
	var m domain.QueueMetrics
	for _, p := range domain.Priorities {
		n, err := q.Depth(ctx, p)
		if err != nil {
			return domain.QueueMetrics{}, err
		}
		switch p {
		case domain.PriorityHigh:
			m.High = n
		case domain.PriorityNormal:
			m.Norm = n
		case domain.PriorityLow:
			m.Low = n
		}
	}
	m.Total = m.High + m.Norm + m.Low
	observability.ObserveQueueDepth(m.High, m.Norm, m.Low)
	return m, nil
}

// IsEmpty reports whether all levels are drained.
func (q *Queue) IsEmpty(ctx domain.Context) (bool, error) {
	n, err := q.TotalDepth(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}
