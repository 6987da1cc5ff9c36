package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/audit"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
	"github.com/clawlets/clawlets/pkg/validate"
)

// DefaultRetentionDays seeds the per-project retention policy at creation.
const DefaultRetentionDays = 30

// CreateProjectRequest carries the inputs for a new project.
type CreateProjectRequest struct {
	Name          string
	ExecutionMode types.ExecutionMode
	WorkspaceRef  types.WorkspaceRef
}

// CreateProject registers a new project owned by the caller. The project
// starts in status creating; a project_init or project_import run moves it
// to ready or error. The owner becomes an admin member and the retention
// policy is seeded with the default window.
func (e *Engine) CreateProject(ctx context.Context, principal types.Principal, req CreateProjectRequest) (*types.Project, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}
	if err := e.allow(ctx, "projects.create", principal.UserID); err != nil {
		return nil, err
	}
	if err := validate.EnsureBoundedString(req.Name, "name", 128); err != nil {
		return nil, err
	}
	if err := validateWorkspace(req.ExecutionMode, req.WorkspaceRef); err != nil {
		return nil, err
	}

	now := e.now()
	project := &types.Project{
		ID:            uuid.NewString(),
		OwnerUserID:   principal.UserID,
		Name:          req.Name,
		ExecutionMode: req.ExecutionMode,
		WorkspaceRef:  req.WorkspaceRef,
		Status:        types.ProjectStatusCreating,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = e.store.Update(func(tx *storage.Tx) error {
		if _, err := tx.GetProjectByName(req.Name); err == nil {
			return errdefs.Conflict("project name %q already in use", req.Name)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		if err := tx.PutProject(project); err != nil {
			return err
		}
		owner := &types.ProjectMember{
			ID:        uuid.NewString(),
			ProjectID: project.ID,
			UserID:    principal.UserID,
			Role:      types.RoleAdmin,
			CreatedAt: now,
		}
		if err := tx.PutProjectMember(owner); err != nil {
			return err
		}
		policy := &types.ProjectPolicy{
			ID:            uuid.NewString(),
			ProjectID:     project.ID,
			RetentionDays: DefaultRetentionDays,
			UpdatedAt:     now,
		}
		if err := tx.PutProjectPolicy(policy); err != nil {
			return err
		}

		return audit.Append(tx, now, principal.UserID, project.ID, audit.ActionProjectCreate,
			&types.AuditTarget{Kind: types.AuditTargetProject, ID: project.ID, Name: project.Name},
			map[string]interface{}{
				"mode":         string(req.ExecutionMode),
				"workspaceRef": workspaceSummary(req.WorkspaceRef),
			})
	})
	if err != nil {
		return nil, err
	}

	e.publish(&events.Event{
		Type:      events.EventProjectCreated,
		ProjectID: project.ID,
		Message:   "project " + project.Name + " created",
	})
	e.logger.Info().Str("project_id", project.ID).Str("name", project.Name).Msg("Project created")
	return project, nil
}

// validateWorkspace checks the execution-mode / workspace-ref pairing.
// Local projects carry a path hash, remote projects a git remote plus the
// repo path the runner should use.
func validateWorkspace(mode types.ExecutionMode, ref types.WorkspaceRef) error {
	if err := validate.EnsureOptionalBoundedString(ref.GitRemote, "workspaceRef.gitRemote", 200); err != nil {
		return err
	}
	if err := validate.EnsureOptionalBoundedString(ref.GitSubpath, "workspaceRef.gitSubpath", 120); err != nil {
		return err
	}
	if err := validate.EnsureOptionalBoundedString(ref.LocalPathHash, "workspaceRef.localPathHash", 128); err != nil {
		return err
	}
	if ref.RunnerRepoPath != "" {
		if err := validate.EnsureRepoRelativePath(ref.RunnerRepoPath, "workspaceRef.runnerRepoPath"); err != nil {
			return err
		}
	}

	switch mode {
	case types.ExecutionModeLocal:
		if ref.Kind != types.WorkspaceKindLocal {
			return errdefs.Conflict("local projects require a local workspace reference")
		}
		if ref.LocalPathHash == "" {
			return errdefs.Conflict("local workspace reference requires localPathHash")
		}
		if ref.RunnerRepoPath != "" {
			return errdefs.Conflict("local projects do not carry runnerRepoPath")
		}
	case types.ExecutionModeRemoteRunner:
		if ref.Kind != types.WorkspaceKindGit {
			return errdefs.Conflict("remote_runner projects require a git workspace reference")
		}
		if ref.GitRemote == "" {
			return errdefs.Conflict("git workspace reference requires gitRemote")
		}
		if ref.RunnerRepoPath == "" {
			return errdefs.Conflict("remote_runner projects require runnerRepoPath")
		}
	default:
		return errdefs.Conflict("executionMode must be local or remote_runner")
	}
	return nil
}

// workspaceSummary renders the ref for the audit trail, clipped to the
// audit field bound.
func workspaceSummary(ref types.WorkspaceRef) string {
	s := ref.GitRemote
	if ref.Kind == types.WorkspaceKindLocal {
		s = "local:" + ref.LocalPathHash
	} else if ref.GitSubpath != "" {
		s += "#" + ref.GitSubpath
	}
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// GetProject returns a project the caller is a member of.
func (e *Engine) GetProject(ctx context.Context, principal types.Principal, projectID string) (*types.Project, error) {
	var project *types.Project
	err := e.store.View(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAccess(tx, principal, projectID)
		if err != nil {
			return err
		}
		project = access.Project
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns every project the caller owns or is a member of.
func (e *Engine) ListProjects(ctx context.Context, principal types.Principal) ([]*types.Project, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}

	var visible []*types.Project
	err = e.store.View(func(tx *storage.Tx) error {
		projects, err := tx.ListProjects()
		if err != nil {
			return err
		}
		for _, p := range projects {
			if e.gate.AuthDisabled() || p.OwnerUserID == principal.UserID {
				visible = append(visible, p)
				continue
			}
			if _, err := tx.GetProjectMember(p.ID, principal.UserID); err == nil {
				visible = append(visible, p)
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return visible, nil
}

// AddMember grants a user access to the project. Admin only.
func (e *Engine) AddMember(ctx context.Context, principal types.Principal, projectID, userID string, role types.ProjectRole) (*types.ProjectMember, error) {
	if err := validate.EnsureBoundedString(userID, "userId", 128); err != nil {
		return nil, err
	}
	if role != types.RoleAdmin && role != types.RoleViewer {
		return nil, errdefs.Conflict("role must be admin or viewer")
	}

	var member *types.ProjectMember
	err := e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "members.add", access.Principal.UserID); err != nil {
			return err
		}
		if _, err := tx.GetProjectMember(projectID, userID); err == nil {
			return errdefs.Conflict("user %s is already a member", userID)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		now := e.now()
		member = &types.ProjectMember{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			UserID:    userID,
			Role:      role,
			CreatedAt: now,
		}
		if err := tx.PutProjectMember(member); err != nil {
			return err
		}
		return audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionMemberAdd,
			&types.AuditTarget{Kind: types.AuditTargetMember, ID: userID},
			map[string]interface{}{"role": string(role)})
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember revokes a user's access. The owner cannot be removed.
func (e *Engine) RemoveMember(ctx context.Context, principal types.Principal, projectID, userID string) error {
	return e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "members.remove", access.Principal.UserID); err != nil {
			return err
		}
		if access.Project.OwnerUserID == userID {
			return errdefs.Conflict("cannot remove the project owner")
		}
		if _, err := tx.GetProjectMember(projectID, userID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errdefs.NotFound("user %s is not a member", userID)
			}
			return err
		}
		if err := tx.DeleteProjectMember(projectID, userID); err != nil {
			return err
		}
		return audit.Append(tx, e.now(), access.Principal.UserID, projectID, audit.ActionMemberRemove,
			&types.AuditTarget{Kind: types.AuditTargetMember, ID: userID}, nil)
	})
}

// ListMembers returns the project's membership roster.
func (e *Engine) ListMembers(ctx context.Context, principal types.Principal, projectID string) ([]*types.ProjectMember, error) {
	var members []*types.ProjectMember
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		members, err = tx.ListProjectMembers(projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// SetRetentionPolicy updates how long run events, audit rows, and
// terminal runs are kept. The stored value is clamped by the sweeper at
// enforcement time, not here.
func (e *Engine) SetRetentionPolicy(ctx context.Context, principal types.Principal, projectID string, days int) (*types.ProjectPolicy, error) {
	if days < 0 || days > 100000 {
		return nil, errdefs.Conflict("retentionDays must be in [0, 100000]")
	}

	var policy *types.ProjectPolicy
	err := e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "policy.retention.set", access.Principal.UserID); err != nil {
			return err
		}

		now := e.now()
		policy, err = tx.GetProjectPolicy(projectID)
		if errors.Is(err, storage.ErrNotFound) {
			policy = &types.ProjectPolicy{ID: uuid.NewString(), ProjectID: projectID}
		} else if err != nil {
			return err
		}
		policy.RetentionDays = days
		policy.UpdatedAt = now
		if err := tx.PutProjectPolicy(policy); err != nil {
			return err
		}
		return audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionPolicyRetentionSet,
			&types.AuditTarget{Kind: types.AuditTargetPolicy, ID: policy.ID},
			map[string]interface{}{"retentionDays": days})
	})
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// GetRetentionPolicy returns the project's retention policy.
func (e *Engine) GetRetentionPolicy(ctx context.Context, principal types.Principal, projectID string) (*types.ProjectPolicy, error) {
	var policy *types.ProjectPolicy
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		policy, err = tx.GetProjectPolicy(projectID)
		if errors.Is(err, storage.ErrNotFound) {
			return errdefs.NotFound("project %s has no retention policy", projectID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return policy, nil
}
