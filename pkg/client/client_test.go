package client

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/errdefs"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cl := NewClientWithToken(srv.URL, "op-token")
	t.Cleanup(func() { cl.Close() })
	return cl
}

func writeEnvelope(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

func TestErrorEnvelopeMapping(t *testing.T) {
	cases := []struct {
		status  int
		code    string
		message string
		check   func(error) bool
	}{
		{http.StatusUnauthorized, "unauthorized", "unknown operator token", errdefs.IsUnauthorized},
		{http.StatusForbidden, "forbidden", "requires role admin or higher", errdefs.IsForbidden},
		{http.StatusNotFound, "not_found", "project p1 not found", errdefs.IsNotFound},
		{http.StatusConflict, "conflict", "project name taken", errdefs.IsConflict},
		{http.StatusTooManyRequests, "rate_limited", "too many requests", errdefs.IsRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeEnvelope(w, tc.status, tc.code, tc.message)
			}))
			_, err := cl.GetProject("p1")
			require.Error(t, err)
			assert.True(t, tc.check(err))
			assert.Equal(t, tc.message, errdefs.MessageOf(err))
		})
	}
}

func TestUncodedErrorClassifiedByStatus(t *testing.T) {
	cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A proxy answering with a plain text page, no envelope.
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("upstream not found"))
	}))
	_, err := cl.GetProject("p1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "upstream not found")

	cl = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	_, err = cl.GetProject("p1")
	require.Error(t, err)
	assert.Empty(t, errdefs.CodeOf(err))
	assert.Contains(t, err.Error(), "502")
}

func TestCreateProjectRoundTrip(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects", r.URL.Path)
		assert.Equal(t, "Bearer op-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreateProjectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "shop", req.Name)
		assert.Equal(t, "git", req.WorkspaceRef.Kind)

		json.NewEncoder(w).Encode(Project{
			ID:            "p1",
			OwnerUserID:   "alice",
			Name:          req.Name,
			ExecutionMode: req.ExecutionMode,
			WorkspaceRef:  req.WorkspaceRef,
			Status:        "creating",
			CreatedAt:     created,
			UpdatedAt:     created,
		})
	}))

	project, err := cl.CreateProject(CreateProjectRequest{
		Name:          "shop",
		ExecutionMode: "remote_runner",
		WorkspaceRef: WorkspaceRef{
			Kind:           "git",
			GitRemote:      "git@example.com:shop/deploy.git",
			RunnerRepoPath: "/srv/deploy",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", project.ID)
	assert.Equal(t, "creating", project.Status)
	assert.True(t, project.CreatedAt.Equal(created))
}

func TestListJobsSendsQueryAndReturnsCursor(t *testing.T) {
	cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/p1/jobs", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "queued", q.Get("status"))
		assert.Equal(t, "abc", q.Get("cursor"))
		assert.Equal(t, "2", q.Get("limit"))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs": []Job{
				{ID: "j2", Status: "queued", Kind: "deploy_host", Attempt: 0},
				{ID: "j1", Status: "queued", Kind: "deploy_host", Attempt: 0},
			},
			"nextCursor": "def",
		})
	}))

	jobs, next, err := cl.ListJobs("p1", "queued", "abc", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j2", jobs[0].ID)
	assert.Equal(t, "def", next)
}

func TestListJobsOmitsEmptyQuery(t *testing.T) {
	cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jobs":       []Job{},
			"nextCursor": "",
		})
	}))
	jobs, next, err := cl.ListJobs("p1", "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, next)
}

func TestTakeResultVariants(t *testing.T) {
	payload := []byte("closure diff bytes")

	t.Run("small json", func(t *testing.T) {
		cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/projects/p1/runs/r1/jobs/j1/result/take", r.URL.Path)
			w.Write([]byte(`{"result":{"json":{"deployed":true}}}`))
		}))
		taken, err := cl.TakeResult("p1", "r1", "j1")
		require.NoError(t, err)
		require.NotNil(t, taken)
		assert.JSONEq(t, `{"deployed":true}`, string(taken.JSON))
		assert.Empty(t, taken.Blob)
	})

	t.Run("blob", func(t *testing.T) {
		cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"blobB64": base64.StdEncoding.EncodeToString(payload),
					"size":    len(payload),
				},
			})
		}))
		taken, err := cl.TakeResult("p1", "r1", "j1")
		require.NoError(t, err)
		require.NotNil(t, taken)
		assert.Equal(t, payload, taken.Blob)
		assert.Equal(t, int64(len(payload)), taken.Size)
	})

	t.Run("consumed", func(t *testing.T) {
		cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"result":null}`))
		}))
		taken, err := cl.TakeResult("p1", "r1", "j1")
		require.NoError(t, err)
		assert.Nil(t, taken)
	})
}

func TestIssueRunnerTokenTTL(t *testing.T) {
	cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/p1/runners/rn1/tokens", r.URL.Path)
		var req struct {
			TTLSeconds int64 `json:"ttlSeconds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(3600), req.TTLSeconds)
		json.NewEncoder(w).Encode(IssuedToken{ID: "t1", RunnerID: "rn1", Token: "secret"})
	}))
	issued, err := cl.IssueRunnerToken("p1", "rn1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "secret", issued.Token)
	assert.Nil(t, issued.ExpiresAt)
}

func TestPathSegmentsEscaped(t *testing.T) {
	cl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/p1/drafts/web%2F1", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(SetupDraft{ID: "d1", Host: "web/1"})
	}))
	draft, err := cl.GetSetupDraft("p1", "web/1")
	require.NoError(t, err)
	assert.Equal(t, "d1", draft.ID)
}
