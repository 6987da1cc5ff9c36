package engine

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/authz"
	"github.com/clawlets/clawlets/pkg/clock"
	"github.com/clawlets/clawlets/pkg/ratelimit"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

var (
	alice   = types.Principal{UserID: "alice"}
	bob     = types.Principal{UserID: "bob"}
	mallory = types.Principal{UserID: "mallory"}
)

var testStart = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type testEngine struct {
	*Engine
	clock     *clock.Fake
	blobs     storage.BlobStore
	deletions *fakeDeletions
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := storage.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	fake := clock.NewFake(testStart)
	deletions := &fakeDeletions{}
	eng := New(Config{
		Store:     store,
		Blobs:     blobs,
		Gate:      authz.New(false),
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore(), nil),
		Deletions: deletions,
		Clock:     fake,
	})
	return &testEngine{Engine: eng, clock: fake, blobs: blobs, deletions: deletions}
}

func (te *testEngine) createProject(t *testing.T, name string) *types.Project {
	t.Helper()
	project, err := te.CreateProject(context.Background(), alice, CreateProjectRequest{
		Name:          name,
		ExecutionMode: types.ExecutionModeRemoteRunner,
		WorkspaceRef: types.WorkspaceRef{
			Kind:           types.WorkspaceKindGit,
			GitRemote:      "git@example.com:fleet/" + name + ".git",
			RunnerRepoPath: "deploy/" + name,
		},
	})
	require.NoError(t, err)
	return project
}

func (te *testEngine) addViewer(t *testing.T, projectID string) {
	t.Helper()
	_, err := te.AddMember(context.Background(), alice, projectID, bob.UserID, types.RoleViewer)
	require.NoError(t, err)
}

// registerOnlineRunner registers a runner, issues it a token, and
// heartbeats it online. The returned auth is what the API layer would
// hand to runner-facing engine calls.
func (te *testEngine) registerOnlineRunner(t *testing.T, projectID, name string) (*types.Runner, *RunnerAuth) {
	t.Helper()
	ctx := context.Background()
	runner, err := te.RegisterRunner(ctx, alice, projectID, name)
	require.NoError(t, err)
	issued, err := te.IssueRunnerToken(ctx, alice, projectID, runner.ID, 0)
	require.NoError(t, err)
	auth, err := te.AuthenticateRunner(ctx, "Bearer "+issued.Token, projectID)
	require.NoError(t, err)
	_, err = te.RunnerHeartbeat(ctx, auth, HeartbeatRequest{})
	require.NoError(t, err)
	return runner, auth
}

// sealedCaps builds a consistent sealed-input capability record. The
// key id is derived from the SPKI the same way the server derives it.
func sealedCaps(t *testing.T) *types.RunnerCapabilities {
	t.Helper()
	spki := base64.RawURLEncoding.EncodeToString([]byte("test-spki-der-bytes"))
	keyID, err := security.KeyIDFromSPKI(spki)
	require.NoError(t, err)
	return &types.RunnerCapabilities{
		SupportsSealedInput:      true,
		SealedInputAlg:           types.SealedInputAlg,
		SealedInputKeyID:         keyID,
		SealedInputPublicKeySPKI: spki,
	}
}

func testEnvelope() string {
	return base64.RawURLEncoding.EncodeToString([]byte("sealed-test-payload"))
}

func (te *testEngine) getJob(t *testing.T, projectID, jobID string) *types.Job {
	t.Helper()
	job, err := te.GetJob(context.Background(), alice, projectID, jobID)
	require.NoError(t, err)
	return job
}

func (te *testEngine) getRun(t *testing.T, projectID, runID string) *types.Run {
	t.Helper()
	run, err := te.GetRun(context.Background(), alice, projectID, runID)
	require.NoError(t, err)
	return run
}
