package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/guido-cesarano/ingestq/pkg/redisstore"
	"github.com/guido-cesarano/ingestq/pkg/sqlstore"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	durable *sqlstore.Store
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	durable, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, dsn, sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { durable.Close() })
	require.NoError(t, durable.Migrate(ctx))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := queue.New(durable,
		queue.WithFastStore(redisstore.New(rdb, redisstore.Options{Namespace: "api"})),
		queue.WithLogger(zerolog.Nop()),
	)
	return &testServer{handler: setupRouter(reg, apiKey, zerolog.Nop()), durable: durable}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i] != "" {
			r.Header.Set(headers[i], headers[i+1])
		}
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, "secret-key")

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{"No API Key", "", "", http.StatusUnauthorized},
		{"Wrong API Key", "X-API-Key", "wrong-key", http.StatusUnauthorized},
		// 400 because the body is empty, but auth passed.
		{"Correct API Key", "X-API-Key", "secret-key", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/tasks", "", tt.headerKey, tt.headerValue)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(t, http.MethodPost, "/tasks", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreflightSkipsAuth(t *testing.T) {
	s := newTestServer(t, "secret-key")
	w := s.do(t, http.MethodOptions, "/tasks", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	s := newTestServer(t, "secret-key")
	w := s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, "/tasks", `{"type":"document","payload":{"object_key":"uploads/a.pdf"},"priority":1}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decodeBody[idResponse](t, w).ID
	require.NotEmpty(t, id)

	w = s.do(t, http.MethodGet, "/tasks/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	task := decodeBody[tasks.Task](t, w)
	assert.Equal(t, tasks.StatusPending, task.Status)
	assert.Equal(t, tasks.PriorityHigh, task.Priority)

	w = s.do(t, http.MethodPost, "/claims", `{"worker_id":"w1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, decodeBody[tasks.Task](t, w).ID)

	w = s.do(t, http.MethodPost, "/claims", `{"worker_id":"w1"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/tasks/"+id+"/fail", `{"error":"ocr timeout"}`)
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBody[queue.FailOutcome](t, w)
	assert.True(t, out.Retried)
	assert.Equal(t, 1, out.RetryCount)
	assert.NotNil(t, out.NextAttempt)

	w = s.do(t, http.MethodPost, "/tasks/"+id+"/complete", `{"result":{"pages":3}}`)
	assert.Equal(t, http.StatusConflict, w.Code, "pending tasks cannot be completed")

	w = s.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decodeBody[tasks.Stats](t, w)
	assert.Equal(t, int64(1), st.Pending)
	assert.Equal(t, "sqlite", st.Source)
}

func TestCompleteOverHTTP(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(t, http.MethodPost, "/tasks", `{"type":"text"}`)
	id := decodeBody[idResponse](t, w).ID
	s.do(t, http.MethodPost, "/claims", `{"worker_id":"w1"}`)

	for i := 0; i < 2; i++ {
		w = s.do(t, http.MethodPost, "/tasks/"+id+"/complete", `{"result":{"tokens":42}}`)
		require.Equal(t, http.StatusOK, w.Code)
		task := decodeBody[tasks.Task](t, w)
		assert.Equal(t, tasks.StatusCompleted, task.Status)
		assert.Equal(t, 42.0, task.Result["tokens"])
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown type", http.MethodPost, "/tasks", `{"type":"video"}`, http.StatusBadRequest},
		{"priority out of range", http.MethodPost, "/tasks", `{"type":"text","priority":7}`, http.StatusBadRequest},
		{"negative retries", http.MethodPost, "/tasks", `{"type":"text","max_retries":-1}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/tasks", `{"type":`, http.StatusBadRequest},
		{"claim without worker", http.MethodPost, "/claims", `{}`, http.StatusBadRequest},
		{"missing task", http.MethodGet, "/tasks/nope", "", http.StatusNotFound},
		{"complete missing task", http.MethodPost, "/tasks/nope/complete", "", http.StatusNotFound},
		{"fail without message", http.MethodPost, "/tasks/nope/fail", `{}`, http.StatusBadRequest},
		{"missing batch", http.MethodGet, "/batches/nope", "", http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/tasks?status=running", "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/tasks?limit=0", "", http.StatusBadRequest},
		{"missing dead letter", http.MethodPost, "/dlq/nope/resolve", "", http.StatusNotFound},
		{"zero dlq claim", http.MethodPost, "/dlq/claim", `{"limit":0}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestStorageUnavailableIs503(t *testing.T) {
	s := newTestServer(t, "")
	require.NoError(t, s.durable.Close())

	w := s.do(t, http.MethodPost, "/tasks", `{"type":"audio"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBatchOverHTTP(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, "/batches", `{"batch_id":"upload-7","items":[
		{"type":"document","payload":{"n":0}},
		{"type":"audio","priority":0},
		{"type":"text","max_retries":0}
	]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeBody[batchResponse](t, w)
	assert.Equal(t, "upload-7", resp.BatchID)
	require.Len(t, resp.TaskIDs, 3)

	w = s.do(t, http.MethodPost, "/batches", `{"items":[{"type":"text"},{"type":"bogus"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/tasks?batch_id=upload-7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]tasks.Task](t, w), 3)

	w = s.do(t, http.MethodGet, "/batches/upload-7", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bs struct {
		Total  int64                  `json:"total"`
		Counts map[tasks.Status]int64 `json:"counts"`
		Done   bool                   `json:"done"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bs))
	assert.Equal(t, int64(3), bs.Total)
	assert.Equal(t, int64(3), bs.Counts[tasks.StatusPending])
	assert.False(t, bs.Done)
}

func TestDeadLetterReprocessingOverHTTP(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodPost, "/tasks", `{"type":"communication","max_retries":0}`)
	id := decodeBody[idResponse](t, w).ID
	s.do(t, http.MethodPost, "/claims", `{"worker_id":"w1"}`)
	w = s.do(t, http.MethodPost, "/tasks/"+id+"/fail", `{"error":"smtp 550","retry":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBody[queue.FailOutcome](t, w)
	require.True(t, out.DeadLettered)

	w = s.do(t, http.MethodGet, "/dlq?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeBody[[]tasks.DeadLetter](t, w)
	require.Len(t, listed, 1)
	assert.Equal(t, out.DeadLetterID, listed[0].ID)
	assert.Equal(t, "smtp 550", listed[0].Error)

	w = s.do(t, http.MethodPost, "/dlq/"+out.DeadLetterID+"/replay", "")
	assert.Equal(t, http.StatusConflict, w.Code, "entries must be claimed before replay")

	w = s.do(t, http.MethodPost, "/dlq/claim", `{"limit":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decodeBody[[]tasks.DeadLetter](t, w), 1)

	w = s.do(t, http.MethodPost, "/dlq/"+out.DeadLetterID+"/release", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, tasks.DeadLetterPending, decodeBody[tasks.DeadLetter](t, w).Status)

	s.do(t, http.MethodPost, "/dlq/claim", `{"limit":5}`)
	w = s.do(t, http.MethodPost, "/dlq/"+out.DeadLetterID+"/replay", `{"priority":0}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	newID := decodeBody[idResponse](t, w).ID
	assert.NotEqual(t, id, newID)

	w = s.do(t, http.MethodGet, "/stats", "")
	st := decodeBody[tasks.Stats](t, w)
	assert.Equal(t, int64(0), st.DLQSize)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.Pending)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Backends []queue.BackendHealth `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&body))
	require.Len(t, body.Backends, 2)
	assert.Equal(t, "sqlite", body.Backends[0].Name)
	assert.Equal(t, "redis", body.Backends[1].Name)
	assert.True(t, body.Backends[1].Healthy)
}
