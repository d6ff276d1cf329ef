package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	scheduled = time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)
	day       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestNewJobIDCollapsesSameDay(t *testing.T) {
	a := NewJobID(scheduled, day)
	b := NewJobID(scheduled.Add(8*time.Hour), day)
	c := NewJobID(scheduled.Add(24*time.Hour), day)
	d := NewJobID(scheduled, day.AddDate(0, 0, 1))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestPopNextItemSingleWinner(t *testing.T) {
	now := scheduled
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewJob(scheduled, day, []string{"ag1"}, nil, "")))

	const owners = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.PopNextItem(ctx, 10*time.Minute)
			assert.NoError(t, err)
			if j != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestPopNextItemSkipsCompletedAndFuture(t *testing.T) {
	now := scheduled
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	done := NewJob(scheduled, day, []string{"ag1"}, nil, "")
	done.IsCompleted = true
	done.SetNextVisibleTime(Never)
	require.NoError(t, s.Insert(ctx, done))

	later := NewJob(scheduled, day.AddDate(0, 0, 1), []string{"ag1"}, nil, "")
	later.SetNextVisibleTime(now.Add(time.Hour))
	require.NoError(t, s.Insert(ctx, later))

	j, err := s.PopNextItem(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j)

	now = now.Add(2 * time.Hour)
	j, err = s.PopNextItem(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, later.ID, j.ID)
	assert.Equal(t, now.Add(time.Minute).Unix(), j.UnixNextVisibleTimeSeconds)
}

func TestReplaceVersionConflict(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	j := NewJob(scheduled, day, []string{"ag1"}, nil, "")
	require.NoError(t, s.Insert(ctx, j))

	stale := j.Clone()

	v2, err := s.Replace(ctx, j, j.VersionToken)
	require.NoError(t, err)
	assert.Equal(t, v2, j.VersionToken)

	_, err = s.Replace(ctx, stale, stale.VersionToken)
	require.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.Replace(ctx, &Job{ID: "missing"}, "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPopInvalidatesPreviousToken(t *testing.T) {
	now := scheduled
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, NewJob(scheduled, day, []string{"ag1"}, nil, "")))

	first, err := s.PopNextItem(ctx, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	second, err := s.PopNextItem(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)

	_, err = s.Replace(ctx, first, first.VersionToken)
	require.ErrorIs(t, err, ErrVersionConflict)
	_, err = s.Replace(ctx, second, second.VersionToken)
	require.NoError(t, err)
}

func TestMerge(t *testing.T) {
	base := NewJob(scheduled, day, []string{"ag1"}, []string{"ex1"}, "msa")
	hour := day.Add(5 * time.Hour)
	base.LastCompletedHour = &hour
	base.ContinuationToken = "obj#10"

	t.Run("same scope is unchanged", func(t *testing.T) {
		merged, changed := Merge(base, NewJob(scheduled, day, []string{"ag1"}, []string{"ex1"}, "msa"))
		assert.False(t, changed)
		assert.Equal(t, &hour, merged.LastCompletedHour)
	})

	t.Run("new groups widen and restart", func(t *testing.T) {
		merged, changed := Merge(base, NewJob(scheduled, day, []string{"ag2", "ag1"}, nil, "msa"))
		assert.True(t, changed)
		assert.Equal(t, []string{"ag1", "ag2"}, merged.AssetGroupIDs)
		assert.Nil(t, merged.LastCompletedHour)
		assert.Empty(t, merged.ContinuationToken)
		// original untouched
		assert.Equal(t, []string{"ag1"}, base.AssetGroupIDs)
	})

	t.Run("widening replays closed hours for existing groups", func(t *testing.T) {
		merged, changed := Merge(base, NewJob(scheduled, day, nil, []string{"ex2"}, "msa"))
		assert.True(t, changed)
		assert.Equal(t, []string{"ag1"}, merged.AssetGroupIDs)
		assert.Equal(t, []string{"ex1", "ex2"}, merged.AssetGroupIDsForExport)
		assert.Equal(t, day, merged.NextHour())
		assert.Empty(t, merged.ContinuationToken)
		// progress on the stored job is left alone
		require.NotNil(t, base.LastCompletedHour)
		assert.Equal(t, hour, *base.LastCompletedHour)
		assert.Equal(t, "obj#10", base.ContinuationToken)
	})

	t.Run("subject type mismatch clears filter", func(t *testing.T) {
		merged, changed := Merge(base, NewJob(scheduled, day, []string{"ag1"}, nil, "aad"))
		assert.True(t, changed)
		assert.Empty(t, merged.SubjectType)
	})

	t.Run("completed job reopens", func(t *testing.T) {
		done := base.Clone()
		done.IsCompleted = true
		done.SetNextVisibleTime(Never)
		merged, changed := Merge(done, NewJob(scheduled, day, nil, []string{"ex2"}, "msa"))
		assert.True(t, changed)
		assert.False(t, merged.IsCompleted)
		assert.Equal(t, scheduled.Unix(), merged.UnixNextVisibleTimeSeconds)
	})
}

func TestNextHour(t *testing.T) {
	j := NewJob(scheduled, day.Add(13*time.Hour), []string{"ag1"}, nil, "")
	assert.Equal(t, day, j.NextHour())

	h := day.Add(3 * time.Hour)
	j.LastCompletedHour = &h
	assert.Equal(t, day.Add(4*time.Hour), j.NextHour())
}
