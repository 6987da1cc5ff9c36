package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/authz"
	"github.com/clawlets/clawlets/pkg/clock"
	"github.com/clawlets/clawlets/pkg/engine"
	"github.com/clawlets/clawlets/pkg/erasure"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/ratelimit"
	"github.com/clawlets/clawlets/pkg/retention"
	"github.com/clawlets/clawlets/pkg/storage"
)

const (
	aliceToken = "op-token-alice"
	bobToken   = "op-token-bob"
)

var testStart = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

// nopDeletions satisfies the engine's deletion hook without running
// anything; deletion flow tests drive erasure through Purge instead.
type nopDeletions struct{}

func (nopDeletions) ScheduleStep(string, time.Duration) {}

type testServer struct {
	*httptest.Server
	engine *engine.Engine
	broker *events.Broker
	clock  *clock.Fake
	store  *storage.BoltStore
}

type serverOption func(*Config)

func withMaintenance() serverOption {
	return func(c *Config) { c.MaintenanceEnabled = true }
}

func withAuthDisabled() serverOption {
	return func(c *Config) { c.AuthDisabled = true }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := storage.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	fake := clock.NewFake(testStart)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	eng := engine.New(engine.Config{
		Store:     store,
		Blobs:     blobs,
		Gate:      authz.New(false),
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore(), nil),
		Broker:    broker,
		Deletions: nopDeletions{},
		Clock:     fake,
	})

	cfg := Config{
		Engine:  eng,
		Store:   store,
		Broker:  broker,
		Sweeper: retention.New(retention.Config{Store: store, Clock: fake}),
		Eraser:  erasure.New(erasure.Config{Store: store, Blobs: blobs, Clock: fake}),
		OperatorTokens: map[string]string{
			aliceToken: "alice",
			bobToken:   "bob",
		},
		Version: "test",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ts := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, engine: eng, broker: broker, clock: fake, store: store}
}

// do sends a JSON request and decodes the JSON response. A nil body
// sends no payload; an empty response decodes to nil.
func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	return ts.doRaw(t, method, path, token, "application/json", rd)
}

func (ts *testServer) doRaw(t *testing.T, method, path, token, contentType string, body io.Reader) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), "response body: %s", data)
	}
	return resp.StatusCode, decoded
}

func errCode(body map[string]interface{}) string {
	wrapped, _ := body["error"].(map[string]interface{})
	code, _ := wrapped["code"].(string)
	return code
}

func str(body map[string]interface{}, key string) string {
	s, _ := body[key].(string)
	return s
}

// createProject provisions a project owned by alice and returns its id.
func (ts *testServer) createProject(t *testing.T, name string) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/v1/projects", aliceToken, map[string]interface{}{
		"name":          name,
		"executionMode": "remote_runner",
		"workspaceRef": map[string]interface{}{
			"kind":           "git",
			"gitRemote":      "git@example.com:fleet/" + name + ".git",
			"runnerRepoPath": "deploy/" + name,
		},
	})
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, str(body, "id"))
	return str(body, "id")
}

// provisionRunner registers a runner, issues it a token over the
// operator API, and heartbeats it online over the runner API.
func (ts *testServer) provisionRunner(t *testing.T, projectID, name string) (runnerID, token string) {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/v1/projects/"+projectID+"/runners", aliceToken, map[string]interface{}{
		"name": name,
	})
	require.Equal(t, http.StatusOK, status)
	runnerID = str(body, "id")

	status, body = ts.do(t, http.MethodPost, "/v1/projects/"+projectID+"/runners/"+runnerID+"/tokens", aliceToken, map[string]interface{}{})
	require.Equal(t, http.StatusOK, status)
	token = str(body, "token")
	require.NotEmpty(t, token)

	status, body = ts.do(t, http.MethodPost, "/runner/heartbeat", token, map[string]interface{}{
		"projectId":  projectID,
		"runnerName": name,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["ok"])
	return runnerID, token
}

func TestUnknownPathReturnsEnvelope(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/no/such/path", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errCode(body))

	// Subrouter misses fall through to the same handler.
	status, body = ts.do(t, http.MethodGet, "/v1/bogus", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errCode(body))
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodDelete, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, "method_not_allowed", errCode(body))
}

func TestMalformedJSONBody(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.doRaw(t, http.MethodPost, "/v1/projects", aliceToken, "application/json", strings.NewReader("{not json"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errCode(body))

	status, body = ts.doRaw(t, http.MethodPost, "/v1/projects", aliceToken, "application/json", strings.NewReader(`{"name":"x"} trailing`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errCode(body))

	// Wrong JSON shape for a field is malformed too.
	status, body = ts.doRaw(t, http.MethodPost, "/v1/projects", aliceToken, "application/json", strings.NewReader(`{"name": 42}`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errCode(body))
}

func TestOperatorAuth(t *testing.T) {
	ts := newTestServer(t)

	status, body := ts.do(t, http.MethodGet, "/v1/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errCode(body))

	status, body = ts.do(t, http.MethodGet, "/v1/projects", "never-issued", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errCode(body))

	status, _ = ts.do(t, http.MethodGet, "/v1/projects", aliceToken, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthDisabledMapsToDevPrincipal(t *testing.T) {
	ts := newTestServer(t, withAuthDisabled())

	status, body := ts.do(t, http.MethodPost, "/v1/projects", "", map[string]interface{}{
		"name":          "dev-fleet",
		"executionMode": "remote_runner",
		"workspaceRef": map[string]interface{}{
			"kind":           "git",
			"gitRemote":      "git@example.com:fleet/dev.git",
			"runnerRepoPath": "deploy/dev",
		},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, authz.DevUserID, str(body, "ownerUserId"))
}

func TestProjectAccessIsolation(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, "alpha")

	// Bob is not a member yet.
	status, body := ts.do(t, http.MethodGet, "/v1/projects/"+projectID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errCode(body))

	// Viewer membership opens reads but not admin calls.
	status, _ = ts.do(t, http.MethodPost, "/v1/projects/"+projectID+"/members", aliceToken, map[string]interface{}{
		"userId": "bob",
		"role":   "viewer",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodGet, "/v1/projects/"+projectID, bobToken, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body = ts.do(t, http.MethodPost, "/v1/projects/"+projectID+"/jobs", bobToken, map[string]interface{}{
		"kind": "deploy_host",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errCode(body))
}

func TestValidationFailureMapsToConflict(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, "alpha")

	status, body := ts.do(t, http.MethodPost, "/v1/projects/"+projectID+"/jobs", aliceToken, map[string]interface{}{
		"kind": "bad kind with spaces",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", errCode(body))
}

func TestMaintenanceHiddenWhenDisabled(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/maintenance/results/purge",
		"/maintenance/retention/sweep",
		"/maintenance/tenant/purge",
		"/maintenance/indexes/backfill",
	} {
		status, body := ts.do(t, http.MethodPost, path, aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, status, path)
		assert.Equal(t, "not_found", errCode(body), path)
	}
}

func TestMaintenanceRequiresOperatorToken(t *testing.T) {
	ts := newTestServer(t, withMaintenance())
	status, body := ts.do(t, http.MethodPost, "/maintenance/indexes/backfill", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errCode(body))
}

func TestMaintenanceBackfillRebuildsIndexes(t *testing.T) {
	ts := newTestServer(t, withMaintenance())
	projectID := ts.createProject(t, "alpha")

	for i := 0; i < 3; i++ {
		status, _ := ts.do(t, http.MethodPost, "/v1/projects/"+projectID+"/jobs", aliceToken, map[string]interface{}{
			"kind": "deploy_host",
		})
		require.Equal(t, http.StatusOK, status)
	}

	status, body := ts.do(t, http.MethodPost, "/maintenance/indexes/backfill", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["jobs"])
	assert.Equal(t, float64(3), body["runs"])

	// The queue still pages correctly off the rebuilt index.
	status, body = ts.do(t, http.MethodGet, "/v1/projects/"+projectID+"/jobs?status=queued", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["jobs"], 3)
}

func TestMaintenanceSweepAndPurge(t *testing.T) {
	ts := newTestServer(t, withMaintenance())

	status, body := ts.do(t, http.MethodPost, "/maintenance/retention/sweep", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["projectsScanned"])

	status, body = ts.do(t, http.MethodPost, "/maintenance/results/purge", aliceToken, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["purged"])
}

func TestMaintenanceTenantPurge(t *testing.T) {
	ts := newTestServer(t, withMaintenance())
	projectID := ts.createProject(t, "doomed")

	status, body := ts.do(t, http.MethodPost, "/maintenance/tenant/purge", aliceToken, map[string]interface{}{
		"projectId": projectID,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", str(body, "status"))

	status, body = ts.do(t, http.MethodGet, "/v1/projects/"+projectID, aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errCode(body))

	// Missing project id is rejected before touching the worker.
	status, body = ts.do(t, http.MethodPost, "/maintenance/tenant/purge", aliceToken, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errCode(body))
}
