package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/cdcsync/pkg/config"
	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/store"
	"github.com/cohenjo/cdcsync/pkg/workflow"
)

type fakeEngine struct {
	ready      bool
	store      *store.MemoryStore
	started    []string
	startErr   error
	terminated map[string]string
	termErr    error
}

func (f *fakeEngine) Ready() bool        { return f.ready }
func (f *fakeEngine) Store() store.Store { return f.store }

func (f *fakeEngine) StartConnection(ctx context.Context, id string) (*workflow.Handle, error) {
	f.started = append(f.started, id)
	return &workflow.Handle{ID: "connection-" + id, RunID: "r1"}, f.startErr
}

func (f *fakeEngine) TerminateConnection(ctx context.Context, id, reason string) error {
	if f.termErr != nil {
		return f.termErr
	}
	f.terminated[id] = reason
	return nil
}

func newTestServer(t *testing.T, tokens ...string) (*Server, *fakeEngine) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.SaveConnection(ctx, &models.Connection{ID: "c1", Name: "users", Status: models.ConnectionStatusCreated}))
	require.NoError(t, st.SaveSync(ctx, &models.Sync{ID: "s1", ConnectionID: "c1", StreamName: "users"}))
	require.NoError(t, st.CreateRun(ctx, &models.SyncRun{ID: "run-1", SyncID: "s1", ConnectionID: "c1", Status: models.SyncRunStatusLoading}))

	engine := &fakeEngine{ready: true, store: st, terminated: map[string]string{}}
	cfg := DefaultServerConfig()
	cfg.AuthTokens = tokens
	cfg.Version = "test"
	return NewServer(engine, cfg), engine
}

func do(s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Empty(t, cfg.AuthTokens)

	sc := ServerConfigFrom(config.APIConfig{Port: 9000, AuthTokens: []string{"t"}})
	assert.Equal(t, "0.0.0.0", sc.Host)
	assert.Equal(t, 9000, sc.Port)
	assert.Equal(t, []string{"t"}, sc.AuthTokens)
}

func TestHealth(t *testing.T) {
	s, engine := newTestServer(t)

	rec := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)

	engine.ready = false
	rec = do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetConnection(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/api/v1/connections/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConnectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "users", resp.Name)
	require.Len(t, resp.Syncs, 1)
	assert.Equal(t, "s1", resp.Syncs[0].ID)

	rec = do(s, http.MethodGet, "/api/v1/connections/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunConnection(t *testing.T) {
	s, engine := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/v1/connections/c1/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "connection-c1", resp.WorkflowID)
	assert.False(t, resp.AlreadyRunning)
	assert.Equal(t, []string{"c1"}, engine.started)

	engine.startErr = workflow.ErrAlreadyStarted
	rec = do(s, http.MethodPost, "/api/v1/connections/c1/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.AlreadyRunning)

	rec = do(s, http.MethodPost, "/api/v1/connections/missing/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, engine.started, 2, "unknown connections are not started")

	rec = do(s, http.MethodGet, "/api/v1/connections/c1/run", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTerminateConnection(t *testing.T) {
	s, engine := newTestServer(t)

	rec := do(s, http.MethodPost, "/api/v1/connections/c1/terminate", `{"reason":"maintenance"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "maintenance", engine.terminated["c1"])

	rec = do(s, http.MethodPost, "/api/v1/connections/c2/terminate", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "api request", engine.terminated["c2"])

	rec = do(s, http.MethodPost, "/api/v1/connections/c1/terminate", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	engine.termErr = workflow.ErrWorkflowNotFound
	rec = do(s, http.MethodPost, "/api/v1/connections/c1/terminate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/api/v1/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var run models.SyncRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.SyncRunStatusLoading, run.Status)

	rec = do(s, http.MethodGet, "/api/v1/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotReady(t *testing.T) {
	s, engine := newTestServer(t)
	engine.ready = false

	for _, path := range []string{"/api/v1/connections/c1", "/api/v1/runs/run-1"} {
		rec := do(s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec := do(s, http.MethodPost, "/api/v1/connections/c1/run", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, engine.started)
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{name: "health is open", path: "/health", want: http.StatusOK},
		{name: "missing header", path: "/api/v1/connections/c1", want: http.StatusUnauthorized},
		{name: "wrong scheme", path: "/api/v1/connections/c1", header: []string{"Authorization", "Basic secret"}, want: http.StatusUnauthorized},
		{name: "wrong token", path: "/api/v1/connections/c1", header: []string{"Authorization", "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "valid token", path: "/api/v1/connections/c1", header: []string{"Authorization", "Bearer secret"}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodGet, tt.path, "", tt.header...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRoot(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cdcsync")

	rec = do(s, http.MethodGet, "/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenServeStop(t *testing.T) {
	s, _ := newTestServer(t)
	s.httpServer.Addr = "127.0.0.1:0"
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, <-done)
}
