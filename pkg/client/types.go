package client

import (
	"encoding/json"
	"time"
)

// Wire types for the operator API. Field names and tags mirror the
// server's JSON exactly; zero timestamps are elided on the wire and
// surface here as nil pointers.

// WorkspaceRef locates the project's deployment repository.
type WorkspaceRef struct {
	Kind           string `json:"kind"`
	LocalPathHash  string `json:"localPathHash,omitempty"`
	GitRemote      string `json:"gitRemote,omitempty"`
	GitSubpath     string `json:"gitSubpath,omitempty"`
	RunnerRepoPath string `json:"runnerRepoPath,omitempty"`
}

// Project is one tenant of the control plane.
type Project struct {
	ID            string       `json:"id"`
	OwnerUserID   string       `json:"ownerUserId"`
	Name          string       `json:"name"`
	ExecutionMode string       `json:"executionMode"`
	WorkspaceRef  WorkspaceRef `json:"workspaceRef"`
	Status        string       `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// CreateProjectRequest names a new project and its workspace.
type CreateProjectRequest struct {
	Name          string       `json:"name"`
	ExecutionMode string       `json:"executionMode"`
	WorkspaceRef  WorkspaceRef `json:"workspaceRef"`
}

// Member is a user's role binding on a project.
type Member struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Policy is the project's retention policy.
type Policy struct {
	ProjectID     string    `json:"projectId"`
	RetentionDays int       `json:"retentionDays"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AuditTarget identifies what an audited action touched.
type AuditTarget struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// AuditEntry is one row of the project audit trail.
type AuditEntry struct {
	ID        string                 `json:"id"`
	ProjectID string                 `json:"projectId,omitempty"`
	TS        time.Time              `json:"ts"`
	UserID    string                 `json:"userId"`
	Action    string                 `json:"action"`
	Target    *AuditTarget           `json:"target,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Capabilities is what a runner reported it can do.
type Capabilities struct {
	SupportsSealedInput      bool   `json:"supportsSealedInput"`
	SealedInputAlg           string `json:"sealedInputAlg,omitempty"`
	SealedInputKeyID         string `json:"sealedInputKeyId,omitempty"`
	SealedInputPublicKeySPKI string `json:"sealedInputPublicKeySpki,omitempty"`
	SupportsInfraApply       bool   `json:"supportsInfraApply,omitempty"`
	HasNix                   bool   `json:"hasNix,omitempty"`
}

// Runner is a registered execution agent.
type Runner struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"projectId"`
	Name         string       `json:"name"`
	Version      string       `json:"version,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	LastStatus   string       `json:"lastStatus"`
	LastSeenAt   *time.Time   `json:"lastSeenAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// RunnerToken is token metadata; the plaintext never travels here.
type RunnerToken struct {
	ID         string     `json:"id"`
	RunnerID   string     `json:"runnerId"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// IssuedToken carries the one-time plaintext of a freshly minted token.
type IssuedToken struct {
	ID        string     `json:"id"`
	RunnerID  string     `json:"runnerId"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Job is one unit of queued work.
type Job struct {
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

// EnqueueRequest describes a job to enqueue or reserve.
type EnqueueRequest struct {
	Kind           string                 `json:"kind"`
	PayloadMeta    map[string]interface{} `json:"payloadMeta,omitempty"`
	RunID          string                 `json:"runId,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Host           string                 `json:"host,omitempty"`
	TargetRunnerID string                 `json:"targetRunnerId,omitempty"`
}

// SealedReservation is the server's answer to a sealed-input reserve:
// the key material to encrypt against and the finalize deadline.
type SealedReservation struct {
	JobID         string    `json:"jobId"`
	RunID         string    `json:"runId"`
	Alg           string    `json:"alg"`
	KeyID         string    `json:"keyId"`
	PublicKeySPKI string    `json:"publicKeySpki"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// FinalizeRequest attaches the sealed ciphertext to a reservation.
type FinalizeRequest struct {
	Kind           string `json:"kind"`
	SealedInputB64 string `json:"sealedInputB64"`
	Alg            string `json:"alg"`
	KeyID          string `json:"keyId"`
}

// Run groups the jobs of one deployment.
type Run struct {
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

// RunEvent is one log line a runner reported against a run.
type RunEvent struct {
	ID       string    `json:"id"`
	RunID    string    `json:"runId"`
	TS       time.Time `json:"ts"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	Phase    string    `json:"phase,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
}

// TakenResult is a consumed job result. JSON carries the small variant
// verbatim; Blob carries the large variant decoded from base64.
type TakenResult struct {
	JSON json.RawMessage `json:"json,omitempty"`
	Blob []byte          `json:"blobB64,omitempty"`
	Size int64           `json:"size,omitempty"`
}

// HostRow is a runner-reported host and its desired-state summary.
type HostRow struct {
	HostName   string      `json:"hostName"`
	Summary    HostSummary `json:"summary"`
	ReportedAt time.Time   `json:"reportedAt"`
}

// HostSummary is the sanitized shape of one host.
type HostSummary struct {
	ServiceCount   int      `json:"serviceCount"`
	ContainerCount int      `json:"containerCount"`
	SSHPort        int      `json:"sshPort"`
	HTTPPort       int      `json:"httpPort"`
	Profiles       []string `json:"profiles"`
	Tags           []string `json:"tags"`
}

// GatewayRow is a runner-reported gateway on a host.
type GatewayRow struct {
	HostName   string         `json:"hostName"`
	GatewayID  string         `json:"gatewayId"`
	Summary    GatewaySummary `json:"summary"`
	ReportedAt time.Time      `json:"reportedAt"`
}

// GatewaySummary is the sanitized shape of one gateway.
type GatewaySummary struct {
	ListenPort    int      `json:"listenPort"`
	UpstreamCount int      `json:"upstreamCount"`
	Routes        []string `json:"routes"`
}

// DeleteTicket is the single-use confirmation for staged erasure.
type DeleteTicket struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DeletionJob tracks staged tenant erasure.
type DeletionJob struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Processed   int64      `json:"processed"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// DraftSection is one sealed envelope of a setup draft.
type DraftSection struct {
	SealedB64 string    `json:"sealedB64"`
	Alg       string    `json:"alg"`
	KeyID     string    `json:"keyId"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SetupDraft is the pending-configuration scratchpad for one host.
type SetupDraft struct {
	ID               string        `json:"id"`
	ProjectID        string        `json:"projectId"`
	Host             string        `json:"host"`
	Status           string        `json:"status"`
	Version          int64         `json:"version"`
	DeployCreds      *DraftSection `json:"deployCreds,omitempty"`
	BootstrapSecrets *DraftSection `json:"bootstrapSecrets,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// DraftSectionRequest writes one sealed section at an expected version.
type DraftSectionRequest struct {
	SealedB64       string `json:"sealedB64"`
	Alg             string `json:"alg"`
	KeyID           string `json:"keyId"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

// HealthInfo is the server's liveness answer.
type HealthInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// SweepReport summarizes one retention sweep pass.
type SweepReport struct {
	ProjectsScanned  int  `json:"projectsScanned"`
	RunEventsDeleted int  `json:"runEventsDeleted"`
	AuditLogsDeleted int  `json:"auditLogsDeleted"`
	RunsDeleted      int  `json:"runsDeleted"`
	Continued        bool `json:"continued"`
}

// BackfillReport counts the index entries a rebuild wrote.
type BackfillReport struct {
	Jobs      int `json:"jobs"`
	Runs      int `json:"runs"`
	RunEvents int `json:"runEvents"`
	Audit     int `json:"audit"`
	Results   int `json:"results"`
	Blobs     int `json:"blobs"`
	Tokens    int `json:"tokens"`
}
