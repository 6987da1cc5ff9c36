package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/types"
)

func putSection(t *testing.T, te *testEngine, projectID, host, section string, version int64) *types.SetupDraft {
	t.Helper()
	draft, err := te.PutDraftSection(context.Background(), alice, projectID, host, section, DraftSectionRequest{
		SealedB64:       testEnvelope(),
		Alg:             types.SealedInputAlg,
		KeyID:           "key-1",
		ExpectedVersion: version,
	})
	require.NoError(t, err)
	return draft
}

func TestPutDraftSectionCreatesAndVersions(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	draft := putSection(t, te, project.ID, "web-1", types.DraftSectionDeployCreds, 0)
	assert.Equal(t, types.DraftStatusDraft, draft.Status)
	assert.Equal(t, int64(1), draft.Version)
	require.NotNil(t, draft.DeployCreds)
	assert.Equal(t, testStart.Add(7*24*time.Hour), draft.DeployCreds.ExpiresAt)
	assert.Nil(t, draft.BootstrapSecrets)

	draft = putSection(t, te, project.ID, "web-1", types.DraftSectionBootstrapSecrets, 1)
	assert.Equal(t, int64(2), draft.Version)
	require.NotNil(t, draft.BootstrapSecrets)
	assert.Equal(t, testStart.Add(24*time.Hour), draft.BootstrapSecrets.ExpiresAt)

	// Stale expected version: someone else wrote in between.
	_, err := te.PutDraftSection(ctx, alice, project.ID, "web-1", types.DraftSectionDeployCreds, DraftSectionRequest{
		SealedB64: testEnvelope(), Alg: types.SealedInputAlg, KeyID: "key-1", ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeConflict, errdefs.CodeOf(err))
	assert.Contains(t, err.Error(), "version mismatch")

	// Hosts get independent drafts.
	other := putSection(t, te, project.ID, "web-2", types.DraftSectionDeployCreds, 0)
	assert.Equal(t, int64(1), other.Version)
	assert.NotEqual(t, draft.ID, other.ID)
}

func TestPutDraftSectionValidation(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	tests := []struct {
		name    string
		section string
		req     DraftSectionRequest
		want    string
	}{
		{
			name:    "unknown section",
			section: "sshKeys",
			req:     DraftSectionRequest{SealedB64: testEnvelope(), Alg: types.SealedInputAlg, KeyID: "k"},
			want:    "unknown draft section",
		},
		{
			name:    "wrong algorithm",
			section: types.DraftSectionDeployCreds,
			req:     DraftSectionRequest{SealedB64: testEnvelope(), Alg: "rot13", KeyID: "k"},
			want:    "unsupported sealed-input algorithm",
		},
		{
			name:    "empty envelope",
			section: types.DraftSectionDeployCreds,
			req:     DraftSectionRequest{Alg: types.SealedInputAlg, KeyID: "k"},
			want:    "sealed input must not be empty",
		},
		{
			name:    "nonzero version without draft",
			section: types.DraftSectionDeployCreds,
			req:     DraftSectionRequest{SealedB64: testEnvelope(), Alg: types.SealedInputAlg, KeyID: "k", ExpectedVersion: 3},
			want:    "no draft exists",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.PutDraftSection(ctx, alice, project.ID, "web-1", tt.section, tt.req)
			require.Error(t, err)
			assert.Equal(t, errdefs.CodeConflict, errdefs.CodeOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	te.addViewer(t, project.ID)
	_, err := te.PutDraftSection(ctx, bob, project.ID, "web-1", types.DraftSectionDeployCreds, DraftSectionRequest{
		SealedB64: testEnvelope(), Alg: types.SealedInputAlg, KeyID: "k",
	})
	assert.Equal(t, errdefs.CodeForbidden, errdefs.CodeOf(err))
}

func TestDraftCommitLifecycle(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	putSection(t, te, project.ID, "web-1", types.DraftSectionDeployCreds, 0)
	draft := putSection(t, te, project.ID, "web-1", types.DraftSectionBootstrapSecrets, 1)

	committing, err := te.MarkDraftCommitting(ctx, alice, project.ID, "web-1", draft.Version)
	require.NoError(t, err)
	assert.Equal(t, types.DraftStatusCommitting, committing.Status)
	assert.Equal(t, int64(3), committing.Version)

	// While committing, writes and discard are fenced off.
	_, err = te.PutDraftSection(ctx, alice, project.ID, "web-1", types.DraftSectionDeployCreds, DraftSectionRequest{
		SealedB64: testEnvelope(), Alg: types.SealedInputAlg, KeyID: "k", ExpectedVersion: committing.Version,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "committing")
	err = te.DiscardDraft(ctx, alice, project.ID, "web-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "committing")

	committed, err := te.CompleteDraft(ctx, alice, project.ID, "web-1", true)
	require.NoError(t, err)
	assert.Equal(t, types.DraftStatusCommitted, committed.Status)

	// Sealed payloads are dropped on commit; the draft itself remains as
	// a record until discarded.
	got, err := te.GetSetupDraft(ctx, alice, project.ID, "web-1")
	require.NoError(t, err)
	if got.DeployCreds != nil {
		assert.Empty(t, got.DeployCreds.SealedB64)
	}
	if got.BootstrapSecrets != nil {
		assert.Empty(t, got.BootstrapSecrets.SealedB64)
	}

	// A committed draft refuses further writes.
	_, err = te.PutDraftSection(ctx, alice, project.ID, "web-1", types.DraftSectionDeployCreds, DraftSectionRequest{
		SealedB64: testEnvelope(), Alg: types.SealedInputAlg, KeyID: "k", ExpectedVersion: committed.Version,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already committed")

	// The commit landed in the audit log.
	entries, _, err := te.QueryAuditLog(ctx, alice, project.ID, nil, 50)
	require.NoError(t, err)
	var found bool
	for _, entry := range entries {
		if entry.Action == "draft.commit" {
			found = true
			assert.Equal(t, "web-1", entry.Target.Name)
		}
	}
	assert.True(t, found, "draft.commit audit entry missing")
}

func TestDraftCommitFailureRevivable(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	putSection(t, te, project.ID, "web-1", types.DraftSectionDeployCreds, 0)
	draft := putSection(t, te, project.ID, "web-1", types.DraftSectionBootstrapSecrets, 1)

	_, err := te.MarkDraftCommitting(ctx, alice, project.ID, "web-1", draft.Version)
	require.NoError(t, err)
	failed, err := te.CompleteDraft(ctx, alice, project.ID, "web-1", false)
	require.NoError(t, err)
	assert.Equal(t, types.DraftStatusFailed, failed.Status)

	// A failed commit cannot be marked committing again directly.
	_, err = te.MarkDraftCommitting(ctx, alice, project.ID, "web-1", failed.Version)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeConflict, errdefs.CodeOf(err))

	// Rewriting a section revives the draft.
	revived := putSection(t, te, project.ID, "web-1", types.DraftSectionDeployCreds, failed.Version)
	assert.Equal(t, types.DraftStatusDraft, revived.Status)

	_, err = te.MarkDraftCommitting(ctx, alice, project.ID, "web-1", revived.Version)
	assert.NoError(t, err)
}

func TestMarkDraftCommittingRequiresLiveSections(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	// Only one section present.
	draft := putSection(t, te, project.ID, "web-1", types.DraftSectionDeployCreds, 0)
	_, err := te.MarkDraftCommitting(ctx, alice, project.ID, "web-1", draft.Version)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrapSecrets")

	// Both present, but the secrets section ages out after 24 h.
	draft = putSection(t, te, project.ID, "web-1", types.DraftSectionBootstrapSecrets, draft.Version)
	te.clock.Advance(25 * time.Hour)
	_, err = te.MarkDraftCommitting(ctx, alice, project.ID, "web-1", draft.Version)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrapSecrets")
}

func TestGetSetupDraftElidesExpiredSections(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	putSection(t, te, project.ID, "web-1", types.DraftSectionDeployCreds, 0)
	putSection(t, te, project.ID, "web-1", types.DraftSectionBootstrapSecrets, 1)

	// After 25 h the secrets section is gone from the view but the
	// week-long creds section survives.
	te.clock.Advance(25 * time.Hour)
	draft, err := te.GetSetupDraft(ctx, alice, project.ID, "web-1")
	require.NoError(t, err)
	assert.NotNil(t, draft.DeployCreds)
	assert.Nil(t, draft.BootstrapSecrets)

	_, err = te.GetSetupDraft(ctx, alice, project.ID, "no-such-host")
	assert.Equal(t, errdefs.CodeNotFound, errdefs.CodeOf(err))
}

func TestDiscardDraft(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	putSection(t, te, project.ID, "web-1", types.DraftSectionDeployCreds, 0)
	require.NoError(t, te.DiscardDraft(ctx, alice, project.ID, "web-1"))

	_, err := te.GetSetupDraft(ctx, alice, project.ID, "web-1")
	assert.Equal(t, errdefs.CodeNotFound, errdefs.CodeOf(err))

	err = te.DiscardDraft(ctx, alice, project.ID, "web-1")
	assert.Equal(t, errdefs.CodeNotFound, errdefs.CodeOf(err))
}
