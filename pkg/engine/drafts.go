package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/audit"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
	"github.com/clawlets/clawlets/pkg/validate"
)

// Section TTLs. Bootstrap secrets are short-lived by design; deploy
// credentials survive a week so a setup can span several sessions.
const (
	bootstrapSecretsTTL = 24 * time.Hour
	deployCredsTTL      = 7 * 24 * time.Hour
)

// DraftSectionRequest carries one sealed section write. ExpectedVersion
// is the optimistic counter the caller last observed; zero means the
// caller expects no draft to exist yet.
type DraftSectionRequest struct {
	SealedB64       string
	Alg             string
	KeyID           string
	ExpectedVersion int64
}

// PutDraftSection writes one sealed section of the (project, host) setup
// draft, creating the draft on first write. Writes are admin-only and
// version-checked; a mismatch means someone else touched the draft and
// the caller must re-read. Writing to a failed draft revives it.
func (e *Engine) PutDraftSection(ctx context.Context, principal types.Principal, projectID, host, section string, req DraftSectionRequest) (*types.SetupDraft, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}
	if err := validate.EnsureBoundedString(host, "host", 128); err != nil {
		return nil, err
	}
	ttl, err := sectionTTL(section)
	if err != nil {
		return nil, err
	}
	if req.Alg != types.SealedInputAlg {
		return nil, errdefs.Conflict("unsupported sealed-input algorithm %q", req.Alg)
	}
	if err := validate.EnsureBoundedString(req.KeyID, "keyId", 128); err != nil {
		return nil, err
	}
	if err := validate.EnsureSealedEnvelopeB64(req.SealedB64); err != nil {
		return nil, err
	}

	var out *types.SetupDraft
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "drafts.put", access.Principal.UserID); err != nil {
			return err
		}
		now := e.now()
		draft, err := draftByHost(tx, projectID, host)
		if err != nil {
			return err
		}
		if draft == nil {
			if req.ExpectedVersion != 0 {
				return errdefs.Conflict("draft version mismatch: no draft exists for host %q", host)
			}
			draft = &types.SetupDraft{
				ID:        uuid.NewString(),
				ProjectID: projectID,
				Host:      host,
				Status:    types.DraftStatusDraft,
				CreatedAt: now,
			}
		} else {
			if req.ExpectedVersion != draft.Version {
				return errdefs.Conflict("draft version mismatch: expected %d, have %d", req.ExpectedVersion, draft.Version)
			}
			switch draft.Status {
			case types.DraftStatusCommitting:
				return errdefs.Conflict("draft for host %q is committing", host)
			case types.DraftStatusCommitted:
				return errdefs.Conflict("draft for host %q already committed", host)
			}
		}

		sec := &types.DraftSection{
			SealedB64: req.SealedB64,
			Alg:       req.Alg,
			KeyID:     req.KeyID,
			UpdatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		switch section {
		case types.DraftSectionDeployCreds:
			draft.DeployCreds = sec
		case types.DraftSectionBootstrapSecrets:
			draft.BootstrapSecrets = sec
		}
		draft.Status = types.DraftStatusDraft
		draft.Version++
		draft.UpdatedAt = now
		if err := tx.PutSetupDraft(draft); err != nil {
			return err
		}
		out = draftView(draft, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSetupDraft returns the draft for (project, host) with expired
// sections elided, so callers never act on stale sealed material.
func (e *Engine) GetSetupDraft(ctx context.Context, principal types.Principal, projectID, host string) (*types.SetupDraft, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}
	var out *types.SetupDraft
	err = e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		draft, err := draftByHost(tx, projectID, host)
		if err != nil {
			return err
		}
		if draft == nil {
			return errdefs.NotFound("no setup draft for host %q", host)
		}
		out = draftView(draft, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkDraftCommitting moves a draft into committing. Both sections must
// be present and unexpired; the version check fences concurrent writers
// for the whole commit window.
func (e *Engine) MarkDraftCommitting(ctx context.Context, principal types.Principal, projectID, host string, expectedVersion int64) (*types.SetupDraft, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}
	var out *types.SetupDraft
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "drafts.commit", access.Principal.UserID); err != nil {
			return err
		}
		draft, err := draftByHost(tx, projectID, host)
		if err != nil {
			return err
		}
		if draft == nil {
			return errdefs.NotFound("no setup draft for host %q", host)
		}
		if expectedVersion != draft.Version {
			return errdefs.Conflict("draft version mismatch: expected %d, have %d", expectedVersion, draft.Version)
		}
		if draft.Status != types.DraftStatusDraft {
			return errdefs.Conflict("draft for host %q is %s", host, draft.Status)
		}
		now := e.now()
		if !sectionLive(draft.DeployCreds, now) {
			return errdefs.Conflict("draft for host %q is missing a live %s section", host, types.DraftSectionDeployCreds)
		}
		if !sectionLive(draft.BootstrapSecrets, now) {
			return errdefs.Conflict("draft for host %q is missing a live %s section", host, types.DraftSectionBootstrapSecrets)
		}
		draft.Status = types.DraftStatusCommitting
		draft.Version++
		draft.UpdatedAt = now
		if err := tx.PutSetupDraft(draft); err != nil {
			return err
		}
		out = draftView(draft, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteDraft settles a committing draft. On success the sealed
// payloads are dropped (the section metadata stays as a record of what
// was committed) and the commit is audited; on failure the draft moves
// to failed and a section rewrite revives it.
func (e *Engine) CompleteDraft(ctx context.Context, principal types.Principal, projectID, host string, ok bool) (*types.SetupDraft, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}
	var out *types.SetupDraft
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "drafts.complete", access.Principal.UserID); err != nil {
			return err
		}
		draft, err := draftByHost(tx, projectID, host)
		if err != nil {
			return err
		}
		if draft == nil {
			return errdefs.NotFound("no setup draft for host %q", host)
		}
		if draft.Status != types.DraftStatusCommitting {
			return errdefs.Conflict("draft for host %q is not committing", host)
		}
		now := e.now()
		if ok {
			sections := make([]string, 0, 2)
			if draft.DeployCreds != nil {
				draft.DeployCreds.SealedB64 = ""
				sections = append(sections, types.DraftSectionDeployCreds)
			}
			if draft.BootstrapSecrets != nil {
				draft.BootstrapSecrets.SealedB64 = ""
				sections = append(sections, types.DraftSectionBootstrapSecrets)
			}
			draft.Status = types.DraftStatusCommitted
			draft.Version++
			draft.UpdatedAt = now
			if err := tx.PutSetupDraft(draft); err != nil {
				return err
			}
			if err := audit.Append(tx, now, principal.UserID, projectID, audit.ActionDraftCommit,
				&types.AuditTarget{Kind: types.AuditTargetDraft, ID: draft.ID, Name: draft.Host},
				map[string]interface{}{"sections": sections}); err != nil {
				return err
			}
		} else {
			draft.Status = types.DraftStatusFailed
			draft.Version++
			draft.UpdatedAt = now
			if err := tx.PutSetupDraft(draft); err != nil {
				return err
			}
		}
		out = draftView(draft, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DiscardDraft deletes the draft outright. A committing draft cannot be
// discarded; settle it first so the commit outcome is recorded.
func (e *Engine) DiscardDraft(ctx context.Context, principal types.Principal, projectID, host string) error {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return err
	}
	return e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "drafts.discard", access.Principal.UserID); err != nil {
			return err
		}
		draft, err := draftByHost(tx, projectID, host)
		if err != nil {
			return err
		}
		if draft == nil {
			return errdefs.NotFound("no setup draft for host %q", host)
		}
		if draft.Status == types.DraftStatusCommitting {
			return errdefs.Conflict("draft for host %q is committing", host)
		}
		if err := tx.DeleteSetupDraft(draft.ID); err != nil {
			return err
		}
		return audit.Append(tx, e.now(), principal.UserID, projectID, audit.ActionDraftDiscard,
			&types.AuditTarget{Kind: types.AuditTargetDraft, ID: draft.ID, Name: draft.Host}, nil)
	})
}

func sectionTTL(section string) (time.Duration, error) {
	switch section {
	case types.DraftSectionDeployCreds:
		return deployCredsTTL, nil
	case types.DraftSectionBootstrapSecrets:
		return bootstrapSecretsTTL, nil
	default:
		return 0, errdefs.Conflict("unknown draft section %q", section)
	}
}

func sectionLive(sec *types.DraftSection, now time.Time) bool {
	return sec != nil && sec.SealedB64 != "" && now.Before(sec.ExpiresAt)
}

// draftByHost finds the draft for a host, nil when none exists. Drafts
// are few per project, so a linear scan is fine.
func draftByHost(tx *storage.Tx, projectID, host string) (*types.SetupDraft, error) {
	drafts, err := tx.ListSetupDraftsByProject(projectID)
	if err != nil {
		return nil, err
	}
	for _, d := range drafts {
		if d.Host == host {
			return d, nil
		}
	}
	return nil, nil
}

// draftView copies the draft for return, dropping sections whose TTL has
// lapsed. The stored row is left untouched; expired sections are garbage
// the next write or discard cleans up.
func draftView(draft *types.SetupDraft, now time.Time) *types.SetupDraft {
	view := *draft
	if view.DeployCreds != nil {
		sec := *view.DeployCreds
		view.DeployCreds = &sec
		if !now.Before(sec.ExpiresAt) {
			view.DeployCreds = nil
		}
	}
	if view.BootstrapSecrets != nil {
		sec := *view.BootstrapSecrets
		view.BootstrapSecrets = &sec
		if !now.Before(sec.ExpiresAt) {
			view.BootstrapSecrets = nil
		}
	}
	return &view
}
