package api

import (
	"time"

	"github.com/clawlets/clawlets/pkg/engine"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/types"
)

// Wire shapes. Stored rows carry Go field names; the HTTP surface speaks
// camelCase and elides zero timestamps, so every row crosses through an
// explicit converter here.

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type projectJSON struct {
	ID            string             `json:"id"`
	OwnerUserID   string             `json:"ownerUserId"`
	Name          string             `json:"name"`
	ExecutionMode string             `json:"executionMode"`
	WorkspaceRef  workspaceRefJSON   `json:"workspaceRef"`
	Status        string             `json:"status"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

type workspaceRefJSON struct {
	Kind           string `json:"kind"`
	LocalPathHash  string `json:"localPathHash,omitempty"`
	GitRemote      string `json:"gitRemote,omitempty"`
	GitSubpath     string `json:"gitSubpath,omitempty"`
	RunnerRepoPath string `json:"runnerRepoPath,omitempty"`
}

func toProjectJSON(p *types.Project) projectJSON {
	return projectJSON{
		ID:            p.ID,
		OwnerUserID:   p.OwnerUserID,
		Name:          p.Name,
		ExecutionMode: string(p.ExecutionMode),
		WorkspaceRef: workspaceRefJSON{
			Kind:           string(p.WorkspaceRef.Kind),
			LocalPathHash:  p.WorkspaceRef.LocalPathHash,
			GitRemote:      p.WorkspaceRef.GitRemote,
			GitSubpath:     p.WorkspaceRef.GitSubpath,
			RunnerRepoPath: p.WorkspaceRef.RunnerRepoPath,
		},
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

type memberJSON struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func toMemberJSON(m *types.ProjectMember) memberJSON {
	return memberJSON{
		ID:        m.ID,
		ProjectID: m.ProjectID,
		UserID:    m.UserID,
		Role:      string(m.Role),
		CreatedAt: m.CreatedAt,
	}
}

type policyJSON struct {
	ProjectID     string    `json:"projectId"`
	RetentionDays int       `json:"retentionDays"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func toPolicyJSON(p *types.ProjectPolicy) policyJSON {
	return policyJSON{
		ProjectID:     p.ProjectID,
		RetentionDays: p.RetentionDays,
		UpdatedAt:     p.UpdatedAt,
	}
}

type capabilitiesJSON struct {
	SupportsSealedInput      bool   `json:"supportsSealedInput"`
	SealedInputAlg           string `json:"sealedInputAlg,omitempty"`
	SealedInputKeyID         string `json:"sealedInputKeyId,omitempty"`
	SealedInputPublicKeySPKI string `json:"sealedInputPublicKeySpki,omitempty"`
	SupportsInfraApply       bool   `json:"supportsInfraApply,omitempty"`
	HasNix                   bool   `json:"hasNix,omitempty"`
}

func (c capabilitiesJSON) toTypes() *types.RunnerCapabilities {
	return &types.RunnerCapabilities{
		SupportsSealedInput:      c.SupportsSealedInput,
		SealedInputAlg:           c.SealedInputAlg,
		SealedInputKeyID:         c.SealedInputKeyID,
		SealedInputPublicKeySPKI: c.SealedInputPublicKeySPKI,
		SupportsInfraApply:       c.SupportsInfraApply,
		HasNix:                   c.HasNix,
	}
}

type runnerJSON struct {
	ID           string           `json:"id"`
	ProjectID    string           `json:"projectId"`
	Name         string           `json:"name"`
	Version      string           `json:"version,omitempty"`
	Capabilities capabilitiesJSON `json:"capabilities"`
	LastStatus   string           `json:"lastStatus"`
	LastSeenAt   *time.Time       `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

func toRunnerJSON(r *types.Runner) runnerJSON {
	return runnerJSON{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Name:      r.Name,
		Version:   r.Version,
		Capabilities: capabilitiesJSON{
			SupportsSealedInput:      r.Capabilities.SupportsSealedInput,
			SealedInputAlg:           r.Capabilities.SealedInputAlg,
			SealedInputKeyID:         r.Capabilities.SealedInputKeyID,
			SealedInputPublicKeySPKI: r.Capabilities.SealedInputPublicKeySPKI,
			SupportsInfraApply:       r.Capabilities.SupportsInfraApply,
			HasNix:                   r.Capabilities.HasNix,
		},
		LastStatus: string(r.LastStatus),
		LastSeenAt: optTime(r.LastSeenAt),
		CreatedAt:  r.CreatedAt,
	}
}

// tokenMetaJSON describes an issued token without its secret material.
type tokenMetaJSON struct {
	ID         string     `json:"id"`
	RunnerID   string     `json:"runnerId"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func toTokenMetaJSON(t *types.RunnerToken) tokenMetaJSON {
	return tokenMetaJSON{
		ID:         t.ID,
		RunnerID:   t.RunnerID,
		ExpiresAt:  optTime(t.ExpiresAt),
		RevokedAt:  optTime(t.RevokedAt),
		LastUsedAt: optTime(t.LastUsedAt),
		CreatedAt:  t.CreatedAt,
	}
}

type issuedTokenJSON struct {
	ID        string     `json:"id"`
	RunnerID  string     `json:"runnerId"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func toIssuedTokenJSON(t *engine.IssuedToken) issuedTokenJSON {
	return issuedTokenJSON{
		ID:        t.ID,
		RunnerID:  t.RunnerID,
		Token:     t.Token,
		ExpiresAt: optTime(t.ExpiresAt),
	}
}

type jobJSON struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	RunID     string `json:"runId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`

	PayloadMeta map[string]interface{} `json:"payloadMeta,omitempty"`
	PayloadHash string                 `json:"payloadHash,omitempty"`

	TargetRunnerID string `json:"targetRunnerId,omitempty"`

	SealedInputRequired    bool       `json:"sealedInputRequired,omitempty"`
	SealedInputB64         string     `json:"sealedInputB64,omitempty"`
	SealedInputAlg         string     `json:"sealedInputAlg,omitempty"`
	SealedInputKeyID       string     `json:"sealedInputKeyId,omitempty"`
	SealedPendingExpiresAt *time.Time `json:"sealedPendingExpiresAt,omitempty"`

	LeaseID          string     `json:"leaseId,omitempty"`
	LeasedByRunnerID string     `json:"leasedByRunnerId,omitempty"`
	LeaseExpiresAt   *time.Time `json:"leaseExpiresAt,omitempty"`

	Attempt      int        `json:"attempt"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

func toJobJSON(j *types.Job) jobJSON {
	return jobJSON{
		ID:                     j.ID,
		ProjectID:              j.ProjectID,
		RunID:                  j.RunID,
		Kind:                   j.Kind,
		Status:                 string(j.Status),
		PayloadMeta:            j.PayloadMeta,
		PayloadHash:            j.PayloadHash,
		TargetRunnerID:         j.TargetRunnerID,
		SealedInputRequired:    j.SealedInputRequired,
		SealedInputB64:         j.SealedInputB64,
		SealedInputAlg:         j.SealedInputAlg,
		SealedInputKeyID:       j.SealedInputKeyID,
		SealedPendingExpiresAt: optTime(j.SealedPendingExpiresAt),
		LeaseID:                j.LeaseID,
		LeasedByRunnerID:       j.LeasedByRunnerID,
		LeaseExpiresAt:         optTime(j.LeaseExpiresAt),
		Attempt:                j.Attempt,
		CreatedAt:              j.CreatedAt,
		StartedAt:              optTime(j.StartedAt),
		FinishedAt:             optTime(j.FinishedAt),
		ErrorMessage:           j.ErrorMessage,
	}
}

type runJSON struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`
	Title           string     `json:"title,omitempty"`
	Host            string     `json:"host,omitempty"`
	InitiatorUserID string     `json:"initiatorUserId,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
}

func toRunJSON(r *types.Run) runJSON {
	return runJSON{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		Kind:            r.Kind,
		Status:          string(r.Status),
		Title:           r.Title,
		Host:            r.Host,
		InitiatorUserID: r.InitiatorUserID,
		StartedAt:       r.StartedAt,
		FinishedAt:      optTime(r.FinishedAt),
		ErrorMessage:    r.ErrorMessage,
	}
}

type runEventJSON struct {
	ID       string    `json:"id"`
	RunID    string    `json:"runId"`
	TS       time.Time `json:"ts"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Phase    string    `json:"phase,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
}

func toRunEventJSON(e *types.RunEvent) runEventJSON {
	out := runEventJSON{
		ID:      e.ID,
		RunID:   e.RunID,
		TS:      e.TS,
		Level:   string(e.Level),
		Message: e.Message,
	}
	if e.Meta != nil {
		out.Phase = string(e.Meta.Phase)
		out.ExitCode = e.Meta.ExitCode
	}
	return out
}

type auditTargetJSON struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type auditEntryJSON struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"projectId,omitempty"`
	TS        time.Time              `json:"ts"`
	UserID    string                 `json:"userId"`
	Action    string                 `json:"action"`
	Target    *auditTargetJSON       `json:"target,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func toAuditEntryJSON(e *types.AuditEntry) auditEntryJSON {
	out := auditEntryJSON{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		TS:        e.TS,
		UserID:    e.UserID,
		Action:    e.Action,
		Data:      e.Data,
	}
	if e.Target != nil {
		out.Target = &auditTargetJSON{
			Kind: string(e.Target.Kind),
			ID:   e.Target.ID,
			Name: e.Target.Name,
		}
	}
	return out
}

type draftSectionJSON struct {
	SealedB64 string    `json:"sealedB64"`
	Alg       string    `json:"alg"`
	KeyID     string    `json:"keyId"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type draftJSON struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"projectId"`
	Host             string            `json:"host"`
	Status           string            `json:"status"`
	Version          int64             `json:"version"`
	DeployCreds      *draftSectionJSON `json:"deployCreds,omitempty"`
	BootstrapSecrets *draftSectionJSON `json:"bootstrapSecrets,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func toDraftSectionJSON(s *types.DraftSection) *draftSectionJSON {
	if s == nil {
		return nil
	}
	return &draftSectionJSON{
		SealedB64: s.SealedB64,
		Alg:       s.Alg,
		KeyID:     s.KeyID,
		UpdatedAt: s.UpdatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

func toDraftJSON(d *types.SetupDraft) draftJSON {
	return draftJSON{
		ID:               d.ID,
		ProjectID:        d.ProjectID,
		Host:             d.Host,
		Status:           string(d.Status),
		Version:          d.Version,
		DeployCreds:      toDraftSectionJSON(d.DeployCreds),
		BootstrapSecrets: toDraftSectionJSON(d.BootstrapSecrets),
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

type deletionJobJSON struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Processed   int64      `json:"processed"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func toDeletionJobJSON(j *types.DeletionJob) deletionJobJSON {
	return deletionJobJSON{
		ID:          j.ID,
		ProjectID:   j.ProjectID,
		Status:      string(j.Status),
		Stage:       string(j.Stage),
		Processed:   j.Processed,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		CompletedAt: optTime(j.CompletedAt),
	}
}

func jobStatusFrom(s string) types.JobStatus {
	return types.JobStatus(s)
}

type hostSummaryJSON struct {
	ServiceCount   int      `json:"serviceCount"`
	ContainerCount int      `json:"containerCount"`
	SSHPort        int      `json:"sshPort"`
	HTTPPort       int      `json:"httpPort"`
	Profiles       []string `json:"profiles"`
	Tags           []string `json:"tags"`
}

func (h hostSummaryJSON) toTypes() types.HostSummary {
	return types.HostSummary{
		ServiceCount:   h.ServiceCount,
		ContainerCount: h.ContainerCount,
		SSHPort:        h.SSHPort,
		HTTPPort:       h.HTTPPort,
		Profiles:       h.Profiles,
		Tags:           h.Tags,
	}
}

func toHostSummaryJSON(s types.HostSummary) hostSummaryJSON {
	return hostSummaryJSON{
		ServiceCount:   s.ServiceCount,
		ContainerCount: s.ContainerCount,
		SSHPort:        s.SSHPort,
		HTTPPort:       s.HTTPPort,
		Profiles:       s.Profiles,
		Tags:           s.Tags,
	}
}

type gatewaySummaryJSON struct {
	ListenPort    int      `json:"listenPort"`
	UpstreamCount int      `json:"upstreamCount"`
	Routes        []string `json:"routes"`
}

func (g gatewaySummaryJSON) toTypes() types.GatewaySummary {
	return types.GatewaySummary{
		ListenPort:    g.ListenPort,
		UpstreamCount: g.UpstreamCount,
		Routes:        g.Routes,
	}
}

func toGatewaySummaryJSON(s types.GatewaySummary) gatewaySummaryJSON {
	return gatewaySummaryJSON{
		ListenPort:    s.ListenPort,
		UpstreamCount: s.UpstreamCount,
		Routes:        s.Routes,
	}
}

type hostRowJSON struct {
	HostName   string          `json:"hostName"`
	Summary    hostSummaryJSON `json:"summary"`
	ReportedAt time.Time       `json:"reportedAt"`
}

func toHostRowJSON(h *types.HostRow) hostRowJSON {
	return hostRowJSON{
		HostName:   h.HostName,
		Summary:    toHostSummaryJSON(h.Summary),
		ReportedAt: h.ReportedAt,
	}
}

type gatewayRowJSON struct {
	HostName   string             `json:"hostName"`
	GatewayID  string             `json:"gatewayId"`
	Summary    gatewaySummaryJSON `json:"summary"`
	ReportedAt time.Time          `json:"reportedAt"`
}

func toGatewayRowJSON(g *types.GatewayRow) gatewayRowJSON {
	return gatewayRowJSON{
		HostName:   g.HostName,
		GatewayID:  g.GatewayID,
		Summary:    toGatewaySummaryJSON(g.Summary),
		ReportedAt: g.ReportedAt,
	}
}

type eventJSON struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	ProjectID string            `json:"projectId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toEventJSON(e *events.Event) eventJSON {
	return eventJSON{
		ID:        e.ID,
		Type:      string(e.Type),
		ProjectID: e.ProjectID,
		Timestamp: e.Timestamp,
		Message:   e.Message,
		Metadata:  e.Metadata,
	}
}
