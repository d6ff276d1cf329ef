package applicability

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/privacy-replay/internal/coldstorage"
	"github.com/withObsrvr/privacy-replay/internal/command"
	"github.com/withObsrvr/privacy-replay/internal/directory"
	"github.com/withObsrvr/privacy-replay/internal/routing"
	"github.com/withObsrvr/privacy-replay/internal/verifier"
)

func record(id, typ string, dataTypes ...string) coldstorage.Record {
	dt := "[]"
	if len(dataTypes) > 0 {
		dt = fmt.Sprintf("[%q", dataTypes[0])
		for _, d := range dataTypes[1:] {
			dt += fmt.Sprintf(",%q", d)
		}
		dt += "]"
	}
	return coldstorage.Record{
		Object: "commands/2024/01/01/00/a.jsonl",
		Data:   []byte(fmt.Sprintf(`{"commandId":%q,"commandType":%q,"subjectType":"msa","dataTypes":%s,"verifier":"tok"}`, id, typ, dt)),
	}
}

func group(agent, id string, types []command.Type, dataTypes ...string) *directory.Group {
	return &directory.Group{
		AgentID:               agent,
		ID:                    id,
		SupportedCommandTypes: types,
		DataTypes:             dataTypes,
		ExportEnabled:         true,
	}
}

func newFilter(t *testing.T, v verifier.Service) *Filter {
	t.Helper()
	r, err := routing.NewRouter([]routing.Destination{{Name: "document-store", Weight: 1}}, nil)
	require.NoError(t, err)
	return New(v, r)
}

var deleteTypes = []command.Type{command.TypeDelete}

func TestApplyRoutesByCommandType(t *testing.T) {
	f := newFilter(t, verifier.AllowAll{})

	deleteScope := []*directory.Group{group("agent-1", "ag-1", deleteTypes)}
	exportScope := []*directory.Group{group("agent-2", "ag-2", []command.Type{command.TypeExport})}

	res, err := f.Apply(context.Background(), []coldstorage.Record{
		record("d1", "Delete"),
		record("e1", "Export"),
	}, deleteScope, exportScope)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 2)

	assert.Equal(t, "ag-1", res.Pairs[0].Destinations[0].AssetGroupID)
	assert.Equal(t, "ag-2", res.Pairs[1].Destinations[0].AssetGroupID)
	assert.Equal(t, "document-store", res.Pairs[0].StorageDestination)
	assert.JSONEq(t, string(record("d1", "Delete").Data), string(res.Pairs[0].Command))
}

func TestApplyDropsNotApplicablePerCandidate(t *testing.T) {
	f := newFilter(t, verifier.AllowAll{})

	scope := []*directory.Group{
		group("agent-1", "ag-browsing", deleteTypes, "BrowsingHistory"),
		group("agent-2", "ag-search", deleteTypes, "SearchHistory"),
	}

	res, err := f.Apply(context.Background(), []coldstorage.Record{
		record("c1", "Delete", "BrowsingHistory"),
		record("c2", "Delete", "Location"),
	}, scope, nil)
	require.NoError(t, err)

	require.Len(t, res.Pairs, 1)
	assert.Equal(t, "c1", res.Pairs[0].CommandID)
	require.Len(t, res.Pairs[0].Destinations, 1)
	assert.Equal(t, "ag-browsing", res.Pairs[0].Destinations[0].AssetGroupID)
	assert.Equal(t, 3, res.DroppedNotApplicable)
}

func TestApplyCandidatesDoNotShareClassifications(t *testing.T) {
	f := newFilter(t, verifier.AllowAll{})

	scope := []*directory.Group{
		group("agent-1", "ag-1", deleteTypes),
		group("agent-2", "ag-2", deleteTypes),
	}

	res, err := f.Apply(context.Background(), []coldstorage.Record{record("c1", "Delete", "BrowsingHistory", "SearchHistory")}, scope, nil)
	require.NoError(t, err)
	require.Len(t, res.Pairs, 1)
	dests := res.Pairs[0].Destinations
	require.Len(t, dests, 2)

	dests[0].DataTypes[0] = "Narrowed"
	assert.Equal(t, []string{"BrowsingHistory", "SearchHistory"}, dests[1].DataTypes)
}

func TestApplyVerifierShortCircuit(t *testing.T) {
	calls := 0
	v := verifier.Func(func(ctx context.Context, view command.View) (bool, error) {
		calls++
		assert.Equal(t, "ag-1", view.AssetGroupID, "verifier runs on the first candidate only")
		return false, nil
	})
	f := newFilter(t, v)

	scope := []*directory.Group{
		group("agent-1", "ag-1", deleteTypes),
		group("agent-2", "ag-2", deleteTypes),
		group("agent-3", "ag-3", deleteTypes),
	}

	res, err := f.Apply(context.Background(), []coldstorage.Record{record("c1", "Delete")}, scope, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Pairs)
	assert.Equal(t, 1, res.DroppedBadVerifier)
	assert.Zero(t, res.DroppedNotApplicable)
	assert.Equal(t, 1, calls)
}

func TestApplyRejectedVerifierDropsCommand(t *testing.T) {
	v := verifier.Func(func(ctx context.Context, view command.View) (bool, error) {
		return view.ID != "c1", nil
	})
	f := newFilter(t, v)

	res, err := f.Apply(context.Background(), []coldstorage.Record{record("c1", "Delete"), record("c2", "Delete")},
		[]*directory.Group{group("agent-1", "ag-1", deleteTypes)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DroppedBadVerifier)
	require.Len(t, res.Pairs, 1)
	assert.Equal(t, "c2", res.Pairs[0].CommandID)
}

func TestApplyVerifierErrorAbortsPage(t *testing.T) {
	v := verifier.Func(func(ctx context.Context, view command.View) (bool, error) {
		if view.ID == "c2" {
			return false, fmt.Errorf("%w: http 500", verifier.ErrUnavailable)
		}
		return true, nil
	})
	f := newFilter(t, v)

	res, err := f.Apply(context.Background(), []coldstorage.Record{record("c1", "Delete"), record("c2", "Delete")},
		[]*directory.Group{group("agent-1", "ag-1", deleteTypes)}, nil)
	require.ErrorIs(t, err, verifier.ErrUnavailable)
	assert.Contains(t, err.Error(), "c2")
	assert.Zero(t, res.DroppedBadVerifier)
}

func TestApplyServiceUnavailableAbortsPage(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := verifier.NewHTTPClient(verifier.HTTPConfig{
		Endpoint:       srv.URL,
		RatePerSecond:  100,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
	})
	f := newFilter(t, client)

	res, err := f.Apply(context.Background(), []coldstorage.Record{record("c1", "Delete")},
		[]*directory.Group{group("agent-1", "ag-1", deleteTypes)}, nil)
	require.ErrorIs(t, err, verifier.ErrUnavailable)
	assert.Empty(t, res.Pairs)
	assert.Zero(t, res.DroppedBadVerifier)
	assert.Equal(t, int32(2), calls.Load())
}

func TestApplyPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	v := verifier.Func(func(ctx context.Context, view command.View) (bool, error) {
		cancel()
		return false, ctx.Err()
	})
	f := newFilter(t, v)

	_, err := f.Apply(ctx, []coldstorage.Record{record("c1", "Delete")},
		[]*directory.Group{group("agent-1", "ag-1", deleteTypes)}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestApplyCountsUnparseable(t *testing.T) {
	f := newFilter(t, verifier.AllowAll{})

	res, err := f.Apply(context.Background(), []coldstorage.Record{
		{Data: []byte("{broken")},
		{Data: []byte(`{"commandId":"x","commandType":"AgeOut"}`)},
		record("c1", "Delete"),
	}, []*directory.Group{group("agent-1", "ag-1", deleteTypes)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DroppedUnparseable)
	assert.Len(t, res.Pairs, 1)
}

func TestApplyEmptyScope(t *testing.T) {
	f := newFilter(t, verifier.AllowAll{})

	res, err := f.Apply(context.Background(), []coldstorage.Record{record("e1", "Export")},
		[]*directory.Group{group("agent-1", "ag-1", deleteTypes)}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Pairs)
}
