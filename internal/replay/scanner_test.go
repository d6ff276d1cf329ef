package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerRunsOncePerHour(t *testing.T) {
	h := newHarness(t)
	task := NewScannerTask(h.worker(t), 2)

	assert.Equal(t, "replay-scanner", task.Name())
	assert.True(t, task.ShouldRun(nil))
	assert.True(t, task.ShouldRun([]byte("not json")))

	state, hold := task.FinalState(nil)
	assert.JSONEq(t, `{"lastWindow":"2024-01-03T10:00:00Z"}`, string(state))
	assert.Equal(t, 40*time.Minute, hold)
	assert.False(t, task.ShouldRun(state))

	assert.True(t, task.ShouldRun([]byte(`{"lastWindow":"2024-01-03T09:00:00Z"}`)))
}

func TestScannerSubTasksDrainAllJobs(t *testing.T) {
	h := newHarness(t)
	h.cold.pages[3] = [][]string{{"c3"}}
	first := h.insert(t, "ag-1")

	second := *first
	second.ID = "second-job"
	second.AssetGroupIDs = []string{"ag-1"}
	require.NoError(t, h.store.Insert(context.Background(), &second))

	task := NewScannerTask(h.worker(t), 2)
	subs, err := task.SubTasks(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	errs := make(chan error, len(subs))
	for _, sub := range subs {
		go func() { errs <- sub(context.Background()) }()
	}
	for range subs {
		require.NoError(t, <-errs)
	}

	for _, j := range h.store.All() {
		assert.True(t, j.IsCompleted, j.ID)
	}
	assert.ElementsMatch(t, []string{"c3", "c3"}, h.pub.IDs())
}

func TestScannerStopsWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.flags.WorkerDisabled = true
	job := h.insert(t, "ag-1")

	subs, err := NewScannerTask(h.worker(t), 1).SubTasks(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, subs[0](context.Background()))
	assert.False(t, h.stored(t, job.ID).IsCompleted)
}
