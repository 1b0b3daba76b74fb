package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rpattn/surveyingest/internal/domain"

	"github.com/google/uuid"
)

type memoryEntry struct {
	id        string
	body      []byte
	visibleAt time.Time
	receives  int
}

// MemoryQueue is an in-process Queue with visibility timeout redelivery, used
// by the dev command and tests.
type MemoryQueue struct {
	mu         sync.Mutex
	entries    []*memoryEntry
	notify     chan struct{}
	visibility time.Duration
	now        func() time.Time
}

// NewMemoryQueue returns an empty queue. Unacknowledged messages reappear
// after visibility.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		notify:     make(chan struct{}, 1),
		visibility: visibility,
		now:        time.Now,
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, descriptor domain.JobDescriptor) error {
	body, err := descriptor.Encode()
	if err != nil {
		return err
	}
	return q.PublishRaw(ctx, body)
}

// PublishRaw enqueues an arbitrary body.
func (q *MemoryQueue) PublishRaw(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.entries = append(q.entries, &memoryEntry{
		id:        uuid.NewString(),
		body:      append([]byte(nil), body...),
		visibleAt: q.now(),
	})
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)
	for {
		msgs, nextVisible := q.take(max)
		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		if !nextVisible.IsZero() {
			if untilVisible := nextVisible.Sub(q.now()); untilVisible < remaining {
				remaining = untilVisible
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take hands out up to max visible entries and reports when the next
// invisible one reappears.
func (q *MemoryQueue) take(max int) ([]Message, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var (
		msgs        []Message
		nextVisible time.Time
	)
	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			if nextVisible.IsZero() || e.visibleAt.Before(nextVisible) {
				nextVisible = e.visibleAt
			}
			continue
		}
		if len(msgs) == max {
			break
		}
		e.receives++
		e.visibleAt = now.Add(q.visibility)
		msgs = append(msgs, Message{
			ID:           e.id,
			Body:         append([]byte(nil), e.body...),
			ReceiveCount: e.receives,
			ackToken:     e.id,
		})
	}
	return msgs, nextVisible
}

func (q *MemoryQueue) Ack(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.id == msg.ackToken {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len reports messages not yet acknowledged, visible or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Expire makes every in-flight message visible again, as if its visibility
// timeout had elapsed.
func (q *MemoryQueue) Expire() {
	q.mu.Lock()
	now := q.now()
	for _, e := range q.entries {
		e.visibleAt = now
	}
	q.mu.Unlock()
	q.signal()
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
