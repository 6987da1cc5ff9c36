package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/audit"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
	"github.com/clawlets/clawlets/pkg/validate"
)

// MaxTokenTTL caps runner token lifetimes at one year.
const MaxTokenTTL = 365 * 24 * time.Hour

// RegisterRunner creates a runner slot in the project. The runner comes
// up offline; it turns online on its first authenticated heartbeat.
func (e *Engine) RegisterRunner(ctx context.Context, principal types.Principal, projectID, name string) (*types.Runner, error) {
	if err := validate.EnsureBoundedString(name, "name", 128); err != nil {
		return nil, err
	}

	var runner *types.Runner
	err := e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "runners.register", access.Principal.UserID); err != nil {
			return err
		}

		existing, err := tx.ListRunnersByProject(projectID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			if r.Name == name {
				return errdefs.Conflict("runner %q already registered", name)
			}
		}

		now := e.now()
		runner = &types.Runner{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			Name:       name,
			LastStatus: types.RunnerStatusOffline,
			CreatedAt:  now,
		}
		if err := tx.PutRunner(runner); err != nil {
			return err
		}
		return audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionRunnerRegister,
			&types.AuditTarget{Kind: types.AuditTargetRunner, ID: runner.ID, Name: name}, nil)
	})
	if err != nil {
		return nil, err
	}
	return runner, nil
}

// ListRunners returns the project's runners.
func (e *Engine) ListRunners(ctx context.Context, principal types.Principal, projectID string) ([]*types.Runner, error) {
	var runners []*types.Runner
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		runners, err = tx.ListRunnersByProject(projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return runners, nil
}

// IssuedToken carries a freshly minted runner credential. Token is the
// plaintext, returned exactly once; only its hash is stored.
type IssuedToken struct {
	ID        string
	RunnerID  string
	Token     string
	ExpiresAt time.Time
}

// IssueRunnerToken mints a bearer token for the runner. ttl zero means no
// expiry. Admin only.
func (e *Engine) IssueRunnerToken(ctx context.Context, principal types.Principal, projectID, runnerID string, ttl time.Duration) (*IssuedToken, error) {
	if ttl < 0 || ttl > MaxTokenTTL {
		return nil, errdefs.Conflict("token ttl must be between 0 (no expiry) and 365 days")
	}
	plaintext, err := security.RandomToken()
	if err != nil {
		return nil, err
	}

	var issued *IssuedToken
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "runners.token.issue", access.Principal.UserID); err != nil {
			return err
		}
		runner, err := projectRunner(tx, projectID, runnerID)
		if err != nil {
			return err
		}

		now := e.now()
		token := &types.RunnerToken{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			RunnerID:   runnerID,
			TokenHash:  security.SHA256Hex(plaintext),
			LastUsedAt: now,
			CreatedAt:  now,
		}
		data := map[string]interface{}{}
		if ttl > 0 {
			token.ExpiresAt = now.Add(ttl)
			data["ttlSeconds"] = int64(ttl / time.Second)
		}
		if err := tx.PutRunnerToken(token); err != nil {
			return err
		}
		if err := audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionRunnerTokenIssue,
			&types.AuditTarget{Kind: types.AuditTargetToken, ID: token.ID, Name: runner.Name}, data); err != nil {
			return err
		}
		issued = &IssuedToken{ID: token.ID, RunnerID: runnerID, Token: plaintext, ExpiresAt: token.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// ListRunnerTokens returns token metadata for a runner. Hashes only, the
// plaintext is gone the moment IssueRunnerToken returns.
func (e *Engine) ListRunnerTokens(ctx context.Context, principal types.Principal, projectID, runnerID string) ([]*types.RunnerToken, error) {
	var tokens []*types.RunnerToken
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAdmin(tx, principal, projectID); err != nil {
			return err
		}
		if _, err := projectRunner(tx, projectID, runnerID); err != nil {
			return err
		}
		var err error
		tokens, err = tx.ListRunnerTokensByRunner(runnerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// RevokeRunnerToken invalidates a token immediately. Admin only.
func (e *Engine) RevokeRunnerToken(ctx context.Context, principal types.Principal, projectID, tokenID string) error {
	return e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "runners.token.revoke", access.Principal.UserID); err != nil {
			return err
		}
		token, err := tx.GetRunnerToken(tokenID)
		if errors.Is(err, storage.ErrNotFound) {
			return errdefs.NotFound("token %s not found", tokenID)
		}
		if err != nil {
			return err
		}
		if token.ProjectID != projectID {
			return errdefs.NotFound("token %s not found", tokenID)
		}
		if !token.RevokedAt.IsZero() {
			return errdefs.Conflict("token %s already revoked", tokenID)
		}
		now := e.now()
		token.RevokedAt = now
		if err := tx.PutRunnerToken(token); err != nil {
			return err
		}
		return audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionRunnerTokenRevoke,
			&types.AuditTarget{Kind: types.AuditTargetToken, ID: tokenID}, nil)
	})
}

// HeartbeatRequest is what a runner reports about itself.
type HeartbeatRequest struct {
	RunnerName   string
	Version      string
	Capabilities *types.RunnerCapabilities
}

// RunnerHeartbeat refreshes the authenticated runner's liveness record:
// last-seen time, online status, reported version, and the sealed-input
// capability. The capability key id is recomputed server-side from the
// public key; a declared key id that disagrees is rejected so a runner
// cannot advertise a key it does not hold.
func (e *Engine) RunnerHeartbeat(ctx context.Context, auth *RunnerAuth, req HeartbeatRequest) (*types.Runner, error) {
	if req.RunnerName != "" && req.RunnerName != auth.Runner.Name {
		return nil, errdefs.Conflict("runner name %q does not match the token's runner %q", req.RunnerName, auth.Runner.Name)
	}
	if err := validate.EnsureOptionalBoundedString(req.Version, "version", 64); err != nil {
		return nil, err
	}

	caps, err := normalizeCapabilities(req.Capabilities)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var runner *types.Runner
	var cameOnline bool
	err = e.store.Update(func(tx *storage.Tx) error {
		runner, err = tx.GetRunner(auth.Runner.ID)
		if err != nil {
			return err
		}
		cameOnline = runner.LastStatus != types.RunnerStatusOnline
		runner.LastStatus = types.RunnerStatusOnline
		runner.LastSeenAt = now
		if req.Version != "" {
			runner.Version = req.Version
		}
		if caps != nil {
			runner.Capabilities = *caps
		}
		return tx.PutRunner(runner)
	})
	if err != nil {
		return nil, err
	}

	if cameOnline {
		e.publish(&events.Event{
			Type:      events.EventRunnerOnline,
			ProjectID: runner.ProjectID,
			Message:   "runner " + runner.Name + " online",
			Metadata:  map[string]string{"runnerId": runner.ID},
		})
	}
	return runner, nil
}

// normalizeCapabilities validates a reported capability record and pins
// the key id to the SPKI actually presented.
func normalizeCapabilities(caps *types.RunnerCapabilities) (*types.RunnerCapabilities, error) {
	if caps == nil {
		return nil, nil
	}
	out := *caps
	if !out.SupportsSealedInput {
		out.SealedInputAlg = ""
		out.SealedInputKeyID = ""
		out.SealedInputPublicKeySPKI = ""
		return &out, nil
	}
	if out.SealedInputAlg != types.SealedInputAlg {
		return nil, errdefs.Conflict("unsupported sealed-input algorithm %q", out.SealedInputAlg)
	}
	if out.SealedInputPublicKeySPKI == "" {
		return nil, errdefs.Conflict("sealed-input capability requires a public key")
	}
	keyID, err := security.KeyIDFromSPKI(out.SealedInputPublicKeySPKI)
	if err != nil {
		return nil, errdefs.Conflict("invalid sealed-input public key: %v", err)
	}
	if out.SealedInputKeyID != "" && out.SealedInputKeyID != keyID {
		return nil, errdefs.Conflict("declared sealed-input key id does not match the public key")
	}
	out.SealedInputKeyID = keyID
	return &out, nil
}
