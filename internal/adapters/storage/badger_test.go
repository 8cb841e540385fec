package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weft/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()

	store, err := OpenBadgerStore(domain.StorageConfig{Backend: domain.StorageBackendBadger, InMemory: true}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleGraph(id string) *domain.Graph {
	return &domain.Graph{
		ID:      id,
		Name:    "invoice intake",
		OwnerID: "alice",
		Nodes: []domain.Node{
			{ID: "input", Operation: "load", Config: map[string]interface{}{"bucket": "inbox"}},
			{ID: "ocr", Operation: "ocr"},
		},
		Edges: []domain.Edge{{ID: "e1", Source: "input", Target: "ocr"}},
	}
}

func TestBadgerStore_GraphVersioning(t *testing.T) {
	store := newTestBadgerStore(t)
	ctx := context.Background()

	_, err := store.LoadGraph(ctx, "g1")
	assert.True(t, domain.IsNotFound(err))

	graph := sampleGraph("g1")
	require.NoError(t, store.SaveGraph(ctx, graph))
	assert.Equal(t, int64(1), graph.Version)
	created := graph.CreatedAt

	graph.Name = "invoice intake v2"
	require.NoError(t, store.SaveGraph(ctx, graph))
	assert.Equal(t, int64(2), graph.Version)

	loaded, err := store.LoadGraph(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "invoice intake v2", loaded.Name)
	assert.Equal(t, int64(2), loaded.Version)
	assert.True(t, loaded.CreatedAt.Equal(created))
	assert.Equal(t, "inbox", loaded.Nodes[0].Config["bucket"])
	require.Len(t, loaded.Edges, 1)
}

func TestBadgerStore_Executions(t *testing.T) {
	store := newTestBadgerStore(t)
	ctx := context.Background()
	graph := sampleGraph("g1")
	base := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

	_, err := store.LoadExecution(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	for i, id := range []string{"r1", "r2", "r3"} {
		record := domain.NewExecutionRecord(id, graph, nil, nil)
		record.StartedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SaveExecution(ctx, record))
	}

	other := domain.NewExecutionRecord("other", sampleGraph("g2"), nil, nil)
	other.StartedAt = base.Add(time.Hour)
	require.NoError(t, store.SaveExecution(ctx, other))

	r2, err := store.LoadExecution(ctx, "r2")
	require.NoError(t, err)
	r2.Status = domain.ExecutionStatusCompleted
	r2.Progress = 100
	require.NoError(t, store.SaveExecution(ctx, r2))

	records, err := store.ListExecutions(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "r3", records[0].ID)
	assert.Equal(t, "r2", records[1].ID)
	assert.Equal(t, domain.ExecutionStatusCompleted, records[1].Status)
	assert.Equal(t, "r1", records[2].ID)

	records, err = store.ListExecutions(ctx, "g1", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = store.ListExecutions(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBadgerStore_SharedDatabaseStaysOpen(t *testing.T) {
	db, err := OpenBadger("", true, discardLogger())
	require.NoError(t, err)
	defer db.Close()

	store := NewBadgerStore(db, nil)
	require.NoError(t, store.Close())
	assert.False(t, db.IsClosed())
}
