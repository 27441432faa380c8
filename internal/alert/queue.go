package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxAttempts  = 10
	initialRetry = 5 * time.Second
	maxRetry     = 5 * time.Minute
)

type queuedAlert struct {
	alert     Alert
	attempts  int
	nextRetry time.Time
}

// retryQueue holds alerts the backend rate limited.
type retryQueue struct {
	mu    sync.Mutex
	items []queuedAlert
	limit int
	now   func() time.Time
}

func newRetryQueue(limit int) *retryQueue {
	return &retryQueue{limit: limit, now: time.Now}
}

// add drops the oldest alert once the queue is full.
func (q *retryQueue) add(a Alert) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.limit {
		zap.L().Warn("Retry queue full, dropping oldest alert", zap.String("ip", q.items[0].alert.IP))
		q.items = q.items[1:]
	}
	q.items = append(q.items, queuedAlert{alert: a, nextRetry: q.now().Add(initialRetry)})
	zap.L().Info("Added alert to retry queue",
		zap.String("ip", a.IP),
		zap.Int("queueSize", len(q.items)),
	)
}

// process retries every due alert with send. Failures back off 5s, 10s,
// 20s and so on up to five minutes; after maxAttempts an alert is dropped.
func (q *retryQueue) process(ctx context.Context, send func(context.Context, Alert) error) {
	q.mu.Lock()
	now := q.now()
	var due, remaining []queuedAlert
	for _, item := range q.items {
		if now.Before(item.nextRetry) {
			remaining = append(remaining, item)
		} else {
			due = append(due, item)
		}
	}
	q.items = remaining
	q.mu.Unlock()

	for _, item := range due {
		err := send(ctx, item.alert)
		if err == nil {
			zap.L().Info("Successfully retried queued alert",
				zap.String("ip", item.alert.IP),
				zap.Int("attempts", item.attempts+1),
			)
			continue
		}

		item.attempts++
		if item.attempts >= maxAttempts {
			zap.L().Warn("Dropping alert after max retries",
				zap.String("ip", item.alert.IP),
				zap.Int("attempts", item.attempts),
			)
			continue
		}
		backoff := initialRetry << item.attempts
		if backoff > maxRetry {
			backoff = maxRetry
		}
		item.nextRetry = now.Add(backoff)
		zap.L().Debug("Requeueing alert",
			zap.String("ip", item.alert.IP),
			zap.Int("attempts", item.attempts),
			zap.Duration("nextRetry", backoff),
			zap.Error(err),
		)

		q.mu.Lock()
		q.items = append(q.items, item)
		q.mu.Unlock()
	}
}

func (q *retryQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
