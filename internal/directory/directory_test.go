package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/privacy-replay/internal/command"
)

const sampleDirectory = `
agents:
  - id: agent-delete
    asset_groups:
      - id: ag-1
        supported_command_types: [Delete, AccountClose]
        data_types: [BrowsingHistory]
      - id: ag-placeholder
        placeholder: true
        supported_command_types: [Delete, Export]
  - id: agent-export
    asset_groups:
      - id: ag-1
        supported_command_types: [Export]
        export_enabled: true
      - id: ag-placeholder
        supported_command_types: [Export]
        export_enabled: true
`

func TestResolveScope(t *testing.T) {
	snap, err := Parse([]byte(sampleDirectory))
	require.NoError(t, err)

	found, missing := snap.ResolveScope([]string{"ag-1", "ag-placeholder", "ag-unknown"}, command.TypeDelete)
	require.Len(t, found, 1)
	assert.Equal(t, "agent-delete", found[0].AgentID)
	assert.Equal(t, []string{"ag-placeholder", "ag-unknown"}, missing)

	// same asset group id resolves to the export agent for export scope,
	// and the placeholder entry under agent-delete is skipped in favor of the real one
	found, missing = snap.ResolveScope([]string{"ag-1", "ag-placeholder"}, command.TypeExport)
	require.Len(t, found, 2)
	assert.Equal(t, "agent-export", found[0].AgentID)
	assert.Equal(t, "agent-export", found[1].AgentID)
	assert.Empty(t, missing)
}

func TestIsActionable(t *testing.T) {
	g := &Group{
		ID:                    "ag-1",
		SupportedCommandTypes: []command.Type{command.TypeDelete, command.TypeExport},
		SubjectTypes:          []string{"msa"},
		DataTypes:             []string{"BrowsingHistory"},
	}

	tests := []struct {
		name string
		cmd  command.Command
		want bool
	}{
		{"matching data type", command.New("c1", command.TypeDelete, "msa", []string{"SearchHistory", "BrowsingHistory"}, ""), true},
		{"no overlap", command.New("c2", command.TypeDelete, "msa", []string{"SearchHistory"}, ""), false},
		{"all data types", command.New("c3", command.TypeDelete, "msa", nil, ""), true},
		{"wrong subject", command.New("c4", command.TypeDelete, "aad", []string{"BrowsingHistory"}, ""), false},
		{"export disabled", command.New("c5", command.TypeExport, "msa", nil, ""), false},
		{"unsupported type", command.New("c6", command.TypeAccountClose, "msa", nil, ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.IsActionable(tt.cmd.For("agent", g.ID, "")))
		})
	}
}

func TestFileServiceReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDirectory), 0o644))

	svc, err := NewFileService(path)
	require.NoError(t, err)

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Agents(), 2)

	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: only\n"), 0o644))
	require.NoError(t, svc.Reload(path))

	snap, err = svc.Snapshot(context.Background())
	require.NoError(t, err)
	_, ok := snap.ResolveAgent("only")
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("agents: [{asset_groups: []}]\n"), 0o644))
	require.Error(t, svc.Reload(path))
	// previous snapshot kept
	snap, _ = svc.Snapshot(context.Background())
	_, ok = snap.ResolveAgent("only")
	assert.True(t, ok)
}
