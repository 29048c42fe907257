package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/copyleftdev/profilepool/internal/config"
	"github.com/copyleftdev/profilepool/internal/jobs"
	"github.com/copyleftdev/profilepool/internal/mocks"
	"github.com/copyleftdev/profilepool/internal/pool"
	"github.com/copyleftdev/profilepool/internal/tasks"
	"github.com/copyleftdev/profilepool/internal/taskstypes"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "secret"

type testEnv struct {
	ts        *httptest.Server
	pool      *pool.Pool
	connector *mocks.MockConnector
	release   chan struct{}
}

type fakeHistory struct {
	runs  []taskstypes.Snapshot
	err   error
	limit int
}

func (f *fakeHistory) RecentRuns(ctx context.Context, limit int) ([]taskstypes.Snapshot, error) {
	f.limit = limit
	return f.runs, f.err
}

func newTestEnv(t *testing.T, history RunHistory) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Security.ApiKey = testKey
	cfg.Security.AllowedOrigins = []string{"*"}

	connector := mocks.NewMockConnector()
	p := pool.New(&mocks.StaticBackend{}, connector, cfg.Pool, zap.NewNop())

	release := make(chan struct{})
	registry := jobs.NewRegistry(p, zap.NewNop())
	registry.Register("echo", func(ctx context.Context, item tasks.Item) (tasks.Outcome, error) {
		if item.ID == "bad" {
			return tasks.Outcome{}, errors.New("bad item")
		}
		return tasks.Outcome{Message: item.ID}, nil
	})
	registry.Register("block", func(ctx context.Context, item tasks.Item) (tasks.Outcome, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return tasks.Outcome{}, nil
	})

	manager := tasks.NewManager(cfg.Tasks, nil, zap.NewNop())
	srv := NewServer(cfg, NewAPIHandler(manager, p, registry, history, zap.NewNop()), zap.NewNop())
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
		p.Shutdown(ctx)
	})
	return &testEnv{ts: ts, pool: p, connector: connector, release: release}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) submit(t *testing.T, req SubmitTaskRequest) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/tasks", req)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decode[SubmitTaskResponse](t, resp).TaskID
}

func (e *testEnv) waitState(t *testing.T, id string, want taskstypes.State) taskstypes.Snapshot {
	t.Helper()
	var snap taskstypes.Snapshot
	require.Eventually(t, func() bool {
		resp := e.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		snap = decode[taskstypes.Snapshot](t, resp)
		return snap.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestHealthSkipsAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.ts.URL + "/api/v1/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/tasks", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndFollowTask(t *testing.T) {
	env := newTestEnv(t, nil)

	id := env.submit(t, SubmitTaskRequest{
		Kind:        "echo",
		Items:       []string{"a", "b", "bad", "c", "d"},
		Concurrency: 2,
		Args:        map[string]interface{}{"note": "x"},
	})

	snap := env.waitState(t, id, taskstypes.StateCompleted)
	assert.Equal(t, "echo", snap.Kind)
	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 5, snap.Processed)
	assert.Equal(t, 4, snap.Succeeded)
	assert.Equal(t, 1, snap.Failed)

	resp := env.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]taskstypes.Snapshot](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID.String())
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Kind: "checkout", Items: []string{"a"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, resp)["error"], `Unknown task kind "checkout"`)

	resp = env.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Items: []string{"a"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Kind: "echo", Concurrency: -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/v1/tasks", strings.NewReader("{not json"))
	req.Header.Set("X-API-Key", testKey)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestTaskLookupErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/tasks/not-a-uuid", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/tasks/"+uuid.NewString()+"/stop", nil).StatusCode)
}

func TestStopTask(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.submit(t, SubmitTaskRequest{Kind: "block", Items: []string{"a", "b", "c"}, Concurrency: 1})
	env.waitState(t, id, taskstypes.StateRunning)

	resp := env.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/stop", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, decode[taskstypes.Snapshot](t, resp).StopRequested)

	close(env.release)
	snap := env.waitState(t, id, taskstypes.StateStopped)
	assert.Less(t, snap.Processed, 3)
	assert.Equal(t, snap.Processed, snap.Succeeded+snap.Failed)
}

func TestListKinds(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/api/v1/kinds", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	kinds := decode[map[string][]string](t, resp)["kinds"]
	assert.Subset(t, kinds, []string{"block", "cookies", "echo", "open", "snapshot", "wait", "warmup"})
}

func TestSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.pool.Acquire(ctx, "p1", "ws://p1", "manual", false)
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[SessionsResponse](t, resp)
	assert.Equal(t, env.pool.MaxSize(), body.MaxSize)
	require.Len(t, body.Sessions, 1)
	assert.True(t, body.Sessions[0].Busy)
	assert.Equal(t, "manual", body.Sessions[0].OwnerTaskID)

	resp = env.do(t, http.MethodDelete, "/api/v1/sessions/p1?close=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.pool.Len())
	assert.True(t, env.connector.Last().Closed())

	resp = env.do(t, http.MethodDelete, "/api/v1/sessions/p1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/runs", nil).StatusCode)

	history := &fakeHistory{runs: []taskstypes.Snapshot{{ID: uuid.New(), Kind: "open", State: taskstypes.StateCompleted}}}
	env = newTestEnv(t, history)

	resp := env.do(t, http.MethodGet, "/api/v1/runs?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decode[[]taskstypes.Snapshot](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, "open", runs[0].Kind)
	assert.Equal(t, 5, history.limit)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/runs?limit=0", nil).StatusCode)

	history.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodGet, "/api/v1/runs", nil).StatusCode)
	assert.Equal(t, defaultRunsLimit, history.limit)
}

func TestDevToolsProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), msg...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()
	upstreamURL := "ws" + strings.TrimPrefix(upstream.URL, "http")

	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.pool.Acquire(ctx, "p1", upstreamURL, "manual", false)
	require.NoError(t, err)
	env.pool.Release(ctx, "p1", false)

	header := http.Header{"X-API-Key": []string{testKey}}
	base := "ws" + strings.TrimPrefix(env.ts.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/api/v1/sessions/nope/devtools", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	client, _, err := websocket.DefaultDialer.Dial(base+"/api/v1/sessions/p1/devtools", header)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Browser.getVersion"}`)))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `echo:{"id":1,"method":"Browser.getVersion"}`, string(msg))
}
