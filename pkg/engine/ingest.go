package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
	"github.com/clawlets/clawlets/pkg/validate"
)

// Metadata-sync shape caps. A runner reporting more than this is
// misconfigured or hostile; either way the batch is refused outright.
const (
	MaxSyncConfigs       = 500
	MaxSyncHosts         = 200
	MaxSyncGateways      = 500
	MaxSyncSecretWiring  = 2000
	MaxSyncWiringPerHost = 500
)

// SyncRequest is a runner's view of its project metadata. Collections
// replace nothing: each entry upserts by its natural key, so partial
// reports are safe and last writer wins.
type SyncRequest struct {
	Configs      []ConfigEntry
	Hosts        []HostEntry
	Gateways     []GatewayEntry
	SecretWiring []SecretWiringEntry
}

// ConfigEntry is one project-level configuration key.
type ConfigEntry struct {
	Key   string
	Value string
}

// HostEntry is one managed host and its desired-state summary.
type HostEntry struct {
	HostName string
	Summary  types.HostSummary
}

// GatewayEntry is one gateway on a host.
type GatewayEntry struct {
	HostName  string
	GatewayID string
	Summary   types.GatewaySummary
}

// SecretWiringEntry records where a named secret lands on a host.
type SecretWiringEntry struct {
	HostName   string
	SecretName string
	Target     string
}

// SyncCounts reports how many rows each collection upserted.
type SyncCounts struct {
	Configs      int
	Hosts        int
	Gateways     int
	SecretWiring int
}

// MetadataSync ingests a runner metadata report. Summaries are clipped
// to their documented bounds rather than rejected; identifying fields
// and paths are validated strictly. The sync is refused while a
// deletion job holds the project so erasure never races fresh rows.
func (e *Engine) MetadataSync(ctx context.Context, auth *RunnerAuth, req SyncRequest) (*SyncCounts, error) {
	if err := checkSyncShape(req); err != nil {
		return nil, err
	}
	if err := validateSyncEntries(req); err != nil {
		return nil, err
	}

	projectID := auth.ProjectID()
	now := e.now()
	counts := &SyncCounts{}
	err := e.store.Update(func(tx *storage.Tx) error {
		job, err := tx.GetDeletionJob(projectID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if job != nil && job.Status.Active() {
			return errdefs.Conflict("project deletion in progress")
		}

		// Upserts keep the existing row id; only the reported fields and
		// the report time move.
		configIDs, err := configIDsByKey(tx, projectID)
		if err != nil {
			return err
		}
		for _, c := range req.Configs {
			id := configIDs[c.Key]
			if id == "" {
				id = uuid.NewString()
			}
			row := &types.ProjectConfigRow{
				ID:         id,
				ProjectID:  projectID,
				Key:        c.Key,
				Value:      c.Value,
				ReportedAt: now,
			}
			if err := tx.PutProjectConfig(row); err != nil {
				return err
			}
			counts.Configs++
		}
		for _, h := range req.Hosts {
			id := uuid.NewString()
			if existing, err := tx.GetHost(projectID, h.HostName); err == nil {
				id = existing.ID
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			row := &types.HostRow{
				ID:         id,
				ProjectID:  projectID,
				HostName:   h.HostName,
				Summary:    validate.SanitizeHostSummary(h.Summary),
				ReportedAt: now,
			}
			if err := tx.PutHost(row); err != nil {
				return err
			}
			counts.Hosts++
		}
		for _, g := range req.Gateways {
			id := uuid.NewString()
			if existing, err := tx.GetGateway(projectID, g.HostName, g.GatewayID); err == nil {
				id = existing.ID
			} else if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			row := &types.GatewayRow{
				ID:         id,
				ProjectID:  projectID,
				HostName:   g.HostName,
				GatewayID:  g.GatewayID,
				Summary:    validate.SanitizeGatewaySummary(g.Summary),
				ReportedAt: now,
			}
			if err := tx.PutGateway(row); err != nil {
				return err
			}
			counts.Gateways++
		}
		wiringIDs, err := wiringIDsByKey(tx, projectID)
		if err != nil {
			return err
		}
		for _, w := range req.SecretWiring {
			id := wiringIDs[w.HostName+"\x00"+w.SecretName]
			if id == "" {
				id = uuid.NewString()
			}
			row := &types.SecretWiringRow{
				ID:         id,
				ProjectID:  projectID,
				HostName:   w.HostName,
				SecretName: w.SecretName,
				Target:     w.Target,
				ReportedAt: now,
			}
			if err := tx.PutSecretWiring(row); err != nil {
				return err
			}
			counts.SecretWiring++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func configIDsByKey(tx *storage.Tx, projectID string) (map[string]string, error) {
	cfgs, err := tx.ListProjectConfigs(projectID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(cfgs))
	for _, cfg := range cfgs {
		ids[cfg.Key] = cfg.ID
	}
	return ids, nil
}

func wiringIDsByKey(tx *storage.Tx, projectID string) (map[string]string, error) {
	rows, err := tx.ListSecretWiringByProject(projectID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(rows))
	for _, row := range rows {
		ids[row.HostName+"\x00"+row.SecretName] = row.ID
	}
	return ids, nil
}

// checkSyncShape enforces the collection caps.
func checkSyncShape(req SyncRequest) error {
	if len(req.Configs) > MaxSyncConfigs {
		return errdefs.Conflict("projectConfigs exceeds %d entries", MaxSyncConfigs)
	}
	if len(req.Hosts) > MaxSyncHosts {
		return errdefs.Conflict("hosts exceeds %d entries", MaxSyncHosts)
	}
	if len(req.Gateways) > MaxSyncGateways {
		return errdefs.Conflict("gateways exceeds %d entries", MaxSyncGateways)
	}
	if len(req.SecretWiring) > MaxSyncSecretWiring {
		return errdefs.Conflict("secretWiring exceeds %d entries", MaxSyncSecretWiring)
	}
	perHost := make(map[string]int)
	for _, w := range req.SecretWiring {
		perHost[w.HostName]++
		if perHost[w.HostName] > MaxSyncWiringPerHost {
			return errdefs.Conflict("secretWiring exceeds %d entries for host %q", MaxSyncWiringPerHost, w.HostName)
		}
	}
	return nil
}

// validateSyncEntries checks the identifying fields of every entry.
func validateSyncEntries(req SyncRequest) error {
	for _, c := range req.Configs {
		if err := validate.EnsureBoundedString(c.Key, "config key", 128); err != nil {
			return err
		}
		if err := validate.EnsureOptionalBoundedString(c.Value, "config value", 2048); err != nil {
			return err
		}
	}
	for _, h := range req.Hosts {
		if err := validate.EnsureBoundedString(h.HostName, "hostName", 128); err != nil {
			return err
		}
	}
	for _, g := range req.Gateways {
		if err := validate.EnsureBoundedString(g.HostName, "hostName", 128); err != nil {
			return err
		}
		if err := validate.EnsureBoundedString(g.GatewayID, "gatewayId", 128); err != nil {
			return err
		}
	}
	for _, w := range req.SecretWiring {
		if err := validate.EnsureBoundedString(w.HostName, "hostName", 128); err != nil {
			return err
		}
		if err := validate.EnsureBoundedString(w.SecretName, "secretName", 128); err != nil {
			return err
		}
		if err := validate.EnsureRepoRelativePath(w.Target, "target"); err != nil {
			return err
		}
	}
	return nil
}

// ListHosts returns the runner-reported hosts for operator dashboards.
func (e *Engine) ListHosts(ctx context.Context, principal types.Principal, projectID string) ([]*types.HostRow, error) {
	var hosts []*types.HostRow
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		hosts, err = tx.ListHostsByProject(projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hosts, nil
}

// ListGateways returns the runner-reported gateways.
func (e *Engine) ListGateways(ctx context.Context, principal types.Principal, projectID string) ([]*types.GatewayRow, error) {
	var gws []*types.GatewayRow
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		gws, err = tx.ListGatewaysByProject(projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return gws, nil
}
