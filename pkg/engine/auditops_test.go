package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/audit"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/types"
)

func TestRecordRepoActionDeployCreds(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	err := te.RecordRepoAction(ctx, alice, project.ID, audit.ActionDeployCredsUpdate,
		&types.AuditTarget{Kind: types.AuditTargetHost, ID: "web-1"},
		map[string]interface{}{
			"paths":    []string{"secrets/web-1/deploy.yaml"},
			"operator": "age1operatorkey",
		})
	require.NoError(t, err)

	entries, _, err := te.QueryAuditLog(ctx, alice, project.ID, nil, 50)
	require.NoError(t, err)

	var entry *types.AuditEntry
	for _, e := range entries {
		if e.Action == audit.ActionDeployCredsUpdate {
			entry = e
		}
	}
	require.NotNil(t, entry, "deployCreds.update entry missing")
	assert.Equal(t, alice.UserID, entry.UserID)

	// The read side serves the fixed safe shape with the operator id hashed.
	paths, ok := entry.Data["paths"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"secrets/web-1/deploy.yaml"}, paths)
	assert.Equal(t, "sha256:"+security.SHA256Hex("age1operatorkey"), entry.Data["operator"])
}

func TestRecordRepoActionHashIdempotent(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	hashed := "sha256:" + security.SHA256Hex("opkey")
	err := te.RecordRepoAction(ctx, alice, project.ID, audit.ActionSopsOperatorKeyGen,
		&types.AuditTarget{Kind: types.AuditTargetHost, ID: "web-1"},
		map[string]interface{}{
			"keyPath":  "keys/web-1.agekey",
			"operator": hashed,
		})
	require.NoError(t, err)

	entries, _, err := te.QueryAuditLog(ctx, alice, project.ID, nil, 50)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Action == audit.ActionSopsOperatorKeyGen {
			assert.Equal(t, hashed, entry.Data["operator"])
			assert.Equal(t, "keys/web-1.agekey", entry.Data["keyPath"])
		}
	}
}

func TestRecordRepoActionRejectsEngineActions(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	for _, action := range []string{audit.ActionProjectCreate, audit.ActionJobCancel, "made.up"} {
		err := te.RecordRepoAction(ctx, alice, project.ID, action,
			&types.AuditTarget{Kind: types.AuditTargetProject, ID: project.ID}, nil)
		require.Error(t, err, "action %s", action)
		assert.Equal(t, errdefs.CodeForbidden, errdefs.CodeOf(err))
		assert.Contains(t, err.Error(), "cannot be recorded by operators")
	}
}

func TestRecordRepoActionValidatesShape(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	tests := []struct {
		name   string
		action string
		target *types.AuditTarget
		data   map[string]interface{}
		want   string
	}{
		{
			name:   "missing required paths",
			action: audit.ActionDeployCredsUpdate,
			target: &types.AuditTarget{Kind: types.AuditTargetHost, ID: "web-1"},
			data:   map[string]interface{}{"operator": "op"},
			want:   `requires data key "paths"`,
		},
		{
			name:   "absolute path rejected",
			action: audit.ActionDeployCredsUpdate,
			target: &types.AuditTarget{Kind: types.AuditTargetHost, ID: "web-1"},
			data:   map[string]interface{}{"paths": []string{"/etc/shadow"}},
			want:   "must be repo-relative",
		},
		{
			name:   "wrong target kind",
			action: audit.ActionDeployCredsUpdate,
			target: &types.AuditTarget{Kind: types.AuditTargetProject, ID: "web-1"},
			data:   map[string]interface{}{"paths": []string{"secrets/a"}},
			want:   "requires a host target",
		},
		{
			name:   "unknown data key",
			action: audit.ActionSopsOperatorKeyGen,
			target: &types.AuditTarget{Kind: types.AuditTargetHost, ID: "web-1"},
			data: map[string]interface{}{
				"keyPath": "keys/a.agekey", "operator": "op", "extra": "x",
			},
			want: `does not allow data key "extra"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := te.RecordRepoAction(ctx, alice, project.ID, tt.action, tt.target, tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestQueryAuditLogPagingAndAccess(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	// Stack up entries: create (1) + member add (1) + runner register (1)
	// + two token issues, each at its own timestamp so order is stable.
	te.clock.Advance(time.Second)
	te.addViewer(t, project.ID)
	te.clock.Advance(time.Second)
	runner, err := te.RegisterRunner(ctx, alice, project.ID, "runner-1")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		te.clock.Advance(time.Second)
		_, err := te.IssueRunnerToken(ctx, alice, project.ID, runner.ID, 0)
		require.NoError(t, err)
	}

	var all []*types.AuditEntry
	var cursor []byte
	for {
		page, next, err := te.QueryAuditLog(ctx, alice, project.ID, cursor, 2)
		require.NoError(t, err)
		all = append(all, page...)
		if next == nil {
			break
		}
		cursor = next
	}
	require.Len(t, all, 5)

	// Newest first: the token issues lead, the project create closes.
	assert.Equal(t, audit.ActionRunnerTokenIssue, all[0].Action)
	assert.Equal(t, audit.ActionProjectCreate, all[4].Action)

	// Viewers do not get the audit log.
	_, _, err = te.QueryAuditLog(ctx, bob, project.ID, nil, 10)
	assert.Equal(t, errdefs.CodeForbidden, errdefs.CodeOf(err))
}
