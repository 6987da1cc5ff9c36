package engine

import (
	"context"
	"errors"
	"time"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// lastUsedTouchInterval bounds how often a token's LastUsedAt is written.
// Runners heartbeat every few seconds; writing the touch on every request
// would turn the hot auth path into a write storm.
const lastUsedTouchInterval = 60 * time.Second

// RunnerAuth is the resolved identity of an authenticated runner request.
type RunnerAuth struct {
	Token  *types.RunnerToken
	Runner *types.Runner
}

// ProjectID returns the project the authenticated runner belongs to.
func (a *RunnerAuth) ProjectID() string {
	return a.Runner.ProjectID
}

// AuthenticateRunner validates a runner bearer token. The token must hash
// to a stored credential that is not revoked and not expired, must match
// the caller-asserted project when one is given, and must reference a
// runner that still exists in the same project. Failures are uniformly
// unauthorized so probes learn nothing about which check tripped.
//
// On success the token's LastUsedAt is refreshed, at most once per
// lastUsedTouchInterval.
func (e *Engine) AuthenticateRunner(ctx context.Context, authorization, projectID string) (*RunnerAuth, error) {
	raw, ok := security.ParseBearer(authorization)
	if !ok {
		return nil, errdefs.Unauthorized("missing or malformed authorization header")
	}
	hash := security.SHA256Hex(raw)

	now := e.now()
	var auth *RunnerAuth
	err := e.store.Update(func(tx *storage.Tx) error {
		token, err := tx.GetRunnerTokenByHash(hash)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errdefs.Unauthorized("unknown runner token")
			}
			return err
		}
		if !token.RevokedAt.IsZero() {
			return errdefs.Unauthorized("runner token revoked")
		}
		if !token.ExpiresAt.IsZero() && !token.ExpiresAt.After(now) {
			return errdefs.Unauthorized("runner token expired")
		}
		if projectID != "" && projectID != token.ProjectID {
			return errdefs.Unauthorized("runner token does not grant access to this project")
		}

		runner, err := tx.GetRunner(token.RunnerID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return errdefs.Unauthorized("runner for token no longer exists")
			}
			return err
		}
		if runner.ProjectID != token.ProjectID {
			return errdefs.Unauthorized("runner for token no longer exists")
		}

		if now.Sub(token.LastUsedAt) >= lastUsedTouchInterval {
			token.LastUsedAt = now
			if err := tx.PutRunnerToken(token); err != nil {
				return err
			}
		}

		auth = &RunnerAuth{Token: token, Runner: runner}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}
