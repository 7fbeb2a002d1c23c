package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memtier-go/pkg/core"
	"github.com/oceanbase/memtier-go/pkg/goal"
	"github.com/oceanbase/memtier-go/pkg/server"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/worldstate"
)

func testServer(t *testing.T) *server.Server {
	t.Helper()
	config := core.DefaultConfig()
	config.Durable.SQLitePath = filepath.Join(t.TempDir(), "memtier.db")
	config.Embedder.Dimensions = 32
	config.Consolidation.IntervalSeconds = 0
	config.Consolidation.SweepIntervalSeconds = 0

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := core.NewClient(context.Background(), config, core.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return server.New(client, "test-version", server.WithLogger(logger))
}

func do(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	decodeBody(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-version", body["version"])
	assert.Equal(t, float64(0), body["world_state_version"])
}

func TestShortTermRoutes(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/memory/short-term", map[string]any{
		"content":     "the build is green",
		"metadata":    map[string]any{"category": "status", "importance": 4, "tags": []string{"ci"}},
		"ttl_seconds": 600,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created types.MemoryRecord
	decodeBody(t, w, &created)
	require.NotEmpty(t, created.ID)
	require.NotNil(t, created.ExpiresAt)

	w = do(t, srv, "GET", "/memory/short-term/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var read types.MemoryRecord
	decodeBody(t, w, &read)
	assert.Equal(t, int64(1), read.AccessCount)

	w = do(t, srv, "PATCH", "/memory/short-term/"+created.ID, map[string]any{"importance": 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated types.MemoryRecord
	decodeBody(t, w, &updated)
	assert.Equal(t, 7, updated.Metadata.Importance)

	w = do(t, srv, "POST", "/memory/short-term/"+created.ID+"/lock", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var locked types.MemoryRecord
	decodeBody(t, w, &locked)
	assert.True(t, locked.Locked)

	w = do(t, srv, "POST", "/memory/short-term/"+created.ID+"/unlock", map[string]any{"ttl_seconds": 60})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, srv, "POST", "/memory/short-term/"+created.ID+"/unlock", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "unlocking an unlocked record")

	w = do(t, srv, "POST", "/memory/short-term/search", map[string]any{"tags": []string{"ci"}, "limit": 5})
	require.Equal(t, http.StatusOK, w.Code)
	var found struct {
		Memories []types.MemoryRecord `json:"memories"`
		Count    int                  `json:"count"`
	}
	decodeBody(t, w, &found)
	assert.Equal(t, 1, found.Count)

	w = do(t, srv, "DELETE", "/memory/short-term/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, srv, "GET", "/memory/short-term/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorResponses(t *testing.T) {
	srv := testServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "empty content", method: "POST", path: "/memory/short-term", body: map[string]any{"content": ""}, status: http.StatusBadRequest},
		{name: "malformed json", method: "POST", path: "/memory/short-term", body: "{", status: http.StatusBadRequest},
		{name: "importance out of range", method: "POST", path: "/memory/short-term",
			body: map[string]any{"content": "x", "metadata": map[string]any{"importance": 11}}, status: http.StatusBadRequest},
		{name: "unknown long-term", method: "GET", path: "/memory/long-term/nope", status: http.StatusNotFound},
		{name: "empty world state patch", method: "PATCH", path: "/world-state", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "unknown version", method: "GET", path: "/world-state/versions/99", status: http.StatusNotFound},
		{name: "non-numeric version", method: "GET", path: "/world-state/versions/latest", status: http.StatusBadRequest},
		{name: "unknown goal status", method: "PUT", path: "/goals/g/status", body: map[string]any{"status": "paused"}, status: http.StatusBadRequest},
		{name: "forget unknown", method: "DELETE", path: "/forget/nope", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			var body map[string]string
			decodeBody(t, w, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestLifecycleRoutes(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/memory/short-term", map[string]any{
		"content":     "deploys happen on tuesdays",
		"metadata":    map[string]any{"category": "fact", "importance": 9},
		"ttl_seconds": 600,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, srv, "POST", "/consolidate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result core.ConsolidateResult
	decodeBody(t, w, &result)
	assert.Equal(t, 1, result.ConsolidatedCount)
	require.Len(t, result.LongTermIDs, 1)
	ltmID := result.LongTermIDs[0]

	w = do(t, srv, "GET", "/memory/long-term/"+ltmID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mem types.ConsolidatedMemory
	decodeBody(t, w, &mem)
	assert.Equal(t, "deploys happen on tuesdays", mem.Content)

	w = do(t, srv, "POST", "/memory/long-term/similarity", map[string]any{"text": "deploys happen on tuesdays", "limit": 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var similar struct {
		Memories []types.ConsolidatedMemory `json:"memories"`
	}
	decodeBody(t, w, &similar)
	require.NotEmpty(t, similar.Memories)
	assert.Equal(t, ltmID, similar.Memories[0].ID)

	w = do(t, srv, "POST", "/retrieve/"+ltmID, map[string]any{"ttl_seconds": 120})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var retrieved core.RetrieveResult
	decodeBody(t, w, &retrieved)
	assert.Equal(t, ltmID, retrieved.LTMID)

	w = do(t, srv, "GET", "/memory/short-term/"+retrieved.STMID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, srv, "DELETE", "/forget/"+ltmID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, srv, "GET", "/audit/"+ltmID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Events []types.AuditEvent `json:"events"`
	}
	decodeBody(t, w, &trail)
	var ops []string
	for _, e := range trail.Events {
		ops = append(ops, e.Op)
	}
	assert.Contains(t, ops, "retrieve")
	assert.Contains(t, ops, "forget")
}

func TestWorldStateRoutes(t *testing.T) {
	srv := testServer(t)

	for _, patch := range []map[string]any{{"mode": "focus"}, {"mode": "break"}} {
		w := do(t, srv, "PATCH", "/world-state", patch)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := do(t, srv, "POST", "/world-state/rollback", map[string]any{"version": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap worldstate.Snapshot
	decodeBody(t, w, &snap)
	assert.Equal(t, int64(3), snap.Version)
	mode, _ := snap.State["mode"].AsString()
	assert.Equal(t, "focus", mode)

	w = do(t, srv, "GET", "/world-state/versions/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &snap)
	mode, _ = snap.State["mode"].AsString()
	assert.Equal(t, "break", mode)

	w = do(t, srv, "GET", "/world-state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &snap)
	assert.Equal(t, int64(3), snap.Version)
}

func TestGoalRoutes(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/goals", map[string]any{"id": "design", "priority": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = do(t, srv, "POST", "/goals", map[string]any{"id": "ship", "priority": 8, "dependencies": []string{"design"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var ship goal.Goal
	decodeBody(t, w, &ship)
	assert.Equal(t, goal.StatusBlocked, ship.Status)

	w = do(t, srv, "PUT", "/goals/ship/status", map[string]any{"status": "completed"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, srv, "POST", "/goals/design/dependencies", map[string]any{"depends_on": "ship"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, srv, "PUT", "/goals/design/status", map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, srv, "GET", "/goals?status=not_started", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var open struct {
		Goals []goal.Goal `json:"goals"`
		Count int         `json:"count"`
	}
	decodeBody(t, w, &open)
	require.Equal(t, 1, open.Count)
	assert.Equal(t, "ship", open.Goals[0].ID)

	w = do(t, srv, "GET", "/goals?min_priority=high", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
