//go:build integration

package jobstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/privacy-replay/internal/jobstore"
	"github.com/withObsrvr/privacy-replay/internal/pgstore/pgtest"
)

func TestPostgresStoreIntegration(t *testing.T) {
	pool := pgtest.Start(t)
	store := jobstore.NewPostgresStore(pool)
	ctx := context.Background()

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job := jobstore.NewJob(time.Now().Add(-time.Minute), day, []string{"ag1", "ag2"}, []string{"ex1"}, "msa")
	require.NoError(t, store.Insert(ctx, job))
	require.ErrorIs(t, store.Insert(ctx, job), jobstore.ErrAlreadyExists)

	got, err := store.Query(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.AssetGroupIDs, got.AssetGroupIDs)
	require.Equal(t, day, got.ReplayDate)
	require.Nil(t, got.LastCompletedHour)

	// concurrent claims: exactly one winner
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []*jobstore.Job
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := store.PopNextItem(ctx, 10*time.Minute)
			assert.NoError(t, err)
			if j != nil {
				mu.Lock()
				claimed = append(claimed, j)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, claimed, 1)

	owned := claimed[0]
	hour := day
	owned.LastCompletedHour = &hour
	owned.ContinuationToken = ""
	_, err = store.Replace(ctx, owned, owned.VersionToken)
	require.NoError(t, err)

	// the token from the insert is stale now
	_, err = store.Replace(ctx, job, job.VersionToken)
	require.ErrorIs(t, err, jobstore.ErrVersionConflict)

	got, err = store.Query(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastCompletedHour)
	require.True(t, got.LastCompletedHour.Equal(day))
}
