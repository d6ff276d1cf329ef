package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryCoordinatorExclusive(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCoordinator(clock.Now)
	ctx := context.Background()

	first, err := c.TryAcquire(ctx, "replay-scanner", 10*time.Minute)
	require.NoError(t, err)

	_, err = c.TryAcquire(ctx, "replay-scanner", 10*time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	// a different name is independent
	_, err = c.TryAcquire(ctx, "other-task", time.Minute)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	second, err := c.TryAcquire(ctx, "replay-scanner", 10*time.Minute)
	require.NoError(t, err)
	assert.Greater(t, second.Epoch, first.Epoch)

	// the evicted holder can no longer extend or release
	require.ErrorIs(t, c.Extend(ctx, first, time.Minute), ErrLeaseLost)
	require.ErrorIs(t, c.Release(ctx, first, []byte("x"), time.Minute), ErrLeaseLost)
}

func TestMemoryCoordinatorReleaseHoldsAndKeepsState(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCoordinator(clock.Now)
	ctx := context.Background()

	l, err := c.TryAcquire(ctx, "task", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, l.State)

	require.NoError(t, c.Release(ctx, l, []byte(`{"lastWindow":"x"}`), time.Hour))

	clock.Advance(30 * time.Minute)
	_, err = c.TryAcquire(ctx, "task", 5*time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	clock.Advance(31 * time.Minute)
	l2, err := c.TryAcquire(ctx, "task", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, `{"lastWindow":"x"}`, string(l2.State))
}

func TestMemoryCoordinatorExtend(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCoordinator(clock.Now)
	ctx := context.Background()

	l, err := c.TryAcquire(ctx, "task", 5*time.Minute)
	require.NoError(t, err)

	clock.Advance(4 * time.Minute)
	require.NoError(t, c.Extend(ctx, l, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, l.Remaining(clock.Now()))

	clock.Advance(4 * time.Minute)
	_, err = c.TryAcquire(ctx, "task", 5*time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)
}
