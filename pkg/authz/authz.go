// Package authz gates operator operations on project membership. Every
// per-project operation resolves the caller into an Access (principal,
// project, role) or fails with the matching API error; mutations then
// apply the admin check on top. When authentication is disabled for
// development the gate hands out a synthetic admin.
package authz

import (
	"errors"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// DevUserID is the synthetic principal used when authentication is
// disabled.
const DevUserID = "dev-admin"

// Access is the result of a successful project gate check.
type Access struct {
	Principal types.Principal
	Project   *types.Project
	Role      types.ProjectRole
}

// Gate performs membership checks inside the caller's transaction.
type Gate struct {
	authDisabled bool
}

// New creates a gate. authDisabled must only ever be set in development
// configurations.
func New(authDisabled bool) *Gate {
	return &Gate{authDisabled: authDisabled}
}

// AuthDisabled reports whether the gate is running in the development
// mode that skips authentication.
func (g *Gate) AuthDisabled() bool {
	return g.authDisabled
}

// RequireProjectAccess resolves principal against the project. It fails
// unauthorized without a principal, not_found when the project does not
// exist, and forbidden when the principal is not a member.
func (g *Gate) RequireProjectAccess(tx *storage.Tx, principal types.Principal, projectID string) (*Access, error) {
	if g.authDisabled {
		principal = types.Principal{UserID: DevUserID}
	}
	if principal.UserID == "" {
		return nil, errdefs.Unauthorized("authentication required")
	}

	project, err := tx.GetProject(projectID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("project not found")
	}
	if err != nil {
		return nil, err
	}

	if g.authDisabled {
		return &Access{Principal: principal, Project: project, Role: types.RoleAdmin}, nil
	}

	member, err := tx.GetProjectMember(projectID, principal.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.Forbidden("not a member of this project")
	}
	if err != nil {
		return nil, err
	}
	return &Access{Principal: principal, Project: project, Role: member.Role}, nil
}

// RequireProjectAdmin is RequireProjectAccess plus the admin check.
func (g *Gate) RequireProjectAdmin(tx *storage.Tx, principal types.Principal, projectID string) (*Access, error) {
	access, err := g.RequireProjectAccess(tx, principal, projectID)
	if err != nil {
		return nil, err
	}
	if err := RequireAdmin(access); err != nil {
		return nil, err
	}
	return access, nil
}

// RequireAdmin rejects viewers. Reads pass the plain access gate;
// anything that mutates goes through this.
func RequireAdmin(access *Access) error {
	if access.Role != types.RoleAdmin {
		return errdefs.Forbidden("admin role required")
	}
	return nil
}

// RequireDeletionStatusAccess gates deletion-status reads. Admins of a
// live project pass as usual. Once erasure has torn the project (or the
// caller's membership) down, the original requester may still read the
// job's progress.
func (g *Gate) RequireDeletionStatusAccess(tx *storage.Tx, principal types.Principal, projectID string) error {
	_, accessErr := g.RequireProjectAdmin(tx, principal, projectID)
	if accessErr == nil {
		return nil
	}
	if principal.UserID == "" {
		return accessErr
	}

	job, err := tx.GetDeletionJob(projectID)
	if errors.Is(err, storage.ErrNotFound) {
		return accessErr
	}
	if err != nil {
		return err
	}
	if job.RequestedByUserID == principal.UserID {
		return nil
	}
	return accessErr
}
