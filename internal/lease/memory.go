package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRecord struct {
	owner     string
	epoch     int64
	expiresAt time.Time
	state     []byte
}

// MemoryCoordinator keeps leases in process memory. Only useful for a single
// process (tests, local runs with --store=memory).
type MemoryCoordinator struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]*memoryRecord
}

// NewMemoryCoordinator creates an empty coordinator. now may be nil.
func NewMemoryCoordinator(now func() time.Time) *MemoryCoordinator {
	if now == nil {
		now = time.Now
	}
	return &MemoryCoordinator{now: now, leases: make(map[string]*memoryRecord)}
}

func (c *MemoryCoordinator) TryAcquire(ctx context.Context, name string, d time.Duration) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rec, ok := c.leases[name]
	if ok && rec.expiresAt.After(now) {
		return nil, ErrNotAcquired
	}
	if !ok {
		rec = &memoryRecord{}
		c.leases[name] = rec
	}
	rec.owner = uuid.NewString()
	rec.epoch++
	rec.expiresAt = now.Add(d)

	return &Lease{
		Name:      name,
		Owner:     rec.owner,
		Epoch:     rec.epoch,
		ExpiresAt: rec.expiresAt,
		State:     cloneBytes(rec.state),
	}, nil
}

func (c *MemoryCoordinator) Extend(ctx context.Context, l *Lease, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.owned(l)
	if err != nil {
		return err
	}
	rec.expiresAt = c.now().Add(d)
	l.ExpiresAt = rec.expiresAt
	return nil
}

func (c *MemoryCoordinator) Release(ctx context.Context, l *Lease, state []byte, holdFor time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.owned(l)
	if err != nil {
		return err
	}
	rec.owner = ""
	rec.expiresAt = c.now().Add(holdFor)
	rec.state = cloneBytes(state)
	return nil
}

func (c *MemoryCoordinator) owned(l *Lease) (*memoryRecord, error) {
	rec, ok := c.leases[l.Name]
	if !ok || rec.owner != l.Owner || rec.epoch != l.Epoch {
		return nil, ErrLeaseLost
	}
	return rec, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
