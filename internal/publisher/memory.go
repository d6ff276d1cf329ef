package publisher

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Message is a queued message held by MemoryQueue.
type Message struct {
	Destination string
	Body        []byte
	VisibleAt   time.Time
}

// MemoryQueue keeps published messages in memory.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Publish implements Queue.
func (q *MemoryQueue) Publish(ctx context.Context, destination string, msg []byte, visibleAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, Message{Destination: destination, Body: slices.Clone(msg), VisibleAt: visibleAt})
	return nil
}

// Messages returns a copy of everything published so far.
func (q *MemoryQueue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.messages)
}
