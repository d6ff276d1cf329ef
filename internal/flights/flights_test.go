package flights

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reduce_batch_size: true\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	f := s.Current()
	assert.True(t, f.ReduceBatchSize)
	assert.True(t, f.StaggerBatches)
	assert.False(t, f.WorkerDisabled)
}

func TestReloadKeepsPreviousOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flights.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_disabled: true\n"), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("worker_disabled: [oops\n"), 0o644))
	require.Error(t, s.Reload(path))
	assert.True(t, s.Current().WorkerDisabled)
}

func TestStatic(t *testing.T) {
	s := Static(Flags{WorkerDelaySeconds: 2})
	assert.Equal(t, 2, s.Current().WorkerDelaySeconds)
}
