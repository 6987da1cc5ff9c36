package types

import (
	"time"
)

// SealedInputAlg is the only envelope algorithm the control plane accepts.
// Operators wrap an AES-256-GCM key with RSA-OAEP over a 3072-bit runner key.
const SealedInputAlg = "rsa-oaep-3072/aes-256-gcm"

// MaxJobAttempts caps how often a job may be leased before it is failed.
const MaxJobAttempts = 25

// Payload and result size bounds.
const (
	MaxSealedInputBytes = 2 << 20   // base64url envelope
	MaxResultJSONBytes  = 512 << 10 // canonicalized small result
	MaxResultBlobBytes  = 5 << 20   // storage-backed result
)

// Project is the tenant root. Every other row in the store is owned by
// exactly one project and is destroyed with it.
type Project struct {
	ID            string
	OwnerUserID   string
	Name          string // unique per owner
	ExecutionMode ExecutionMode
	WorkspaceRef  WorkspaceRef
	Status        ProjectStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExecutionMode defines where a project's jobs execute.
type ExecutionMode string

const (
	ExecutionModeLocal        ExecutionMode = "local"
	ExecutionModeRemoteRunner ExecutionMode = "remote_runner"
)

// WorkspaceRef points at the project's configuration workspace.
// Kind must match the execution mode: local projects carry a path hash,
// remote projects carry a git remote plus the runner-side checkout path.
type WorkspaceRef struct {
	Kind           WorkspaceKind
	LocalPathHash  string // kind=local only
	GitRemote      string // kind=git only
	GitSubpath     string
	RunnerRepoPath string // remote_runner only
}

// WorkspaceKind tags the workspace reference variant.
type WorkspaceKind string

const (
	WorkspaceKindLocal WorkspaceKind = "local"
	WorkspaceKindGit   WorkspaceKind = "git"
)

// ProjectStatus represents the provisioning state of a project.
type ProjectStatus string

const (
	ProjectStatusCreating ProjectStatus = "creating"
	ProjectStatusReady    ProjectStatus = "ready"
	ProjectStatusError    ProjectStatus = "error"
)

// ProjectMember grants a user a role on a project. Access to a project is
// ownership or membership; mutations require the admin role.
type ProjectMember struct {
	ID        string
	ProjectID string
	UserID    string
	Role      ProjectRole
	CreatedAt time.Time
}

// ProjectRole defines what a member may do.
type ProjectRole string

const (
	RoleAdmin  ProjectRole = "admin"
	RoleViewer ProjectRole = "viewer"
)

// ProjectPolicy holds per-project retention settings consumed by the
// retention sweeper. One row per project.
type ProjectPolicy struct {
	ID            string
	ProjectID     string
	RetentionDays int
	UpdatedAt     time.Time
}

// Runner is a long-lived worker identity within a project.
type Runner struct {
	ID           string
	ProjectID    string
	Name         string
	Version      string
	Capabilities RunnerCapabilities
	LastStatus   RunnerStatus
	LastSeenAt   time.Time
	CreatedAt    time.Time
}

// RunnerStatus is derived from heartbeats.
type RunnerStatus string

const (
	RunnerStatusOnline  RunnerStatus = "online"
	RunnerStatusOffline RunnerStatus = "offline"
)

// RunnerCapabilities is the runner's self-reported capability record.
// The key id is derived server-side as base64url(SHA-256(SPKI)).
type RunnerCapabilities struct {
	SupportsSealedInput      bool
	SealedInputAlg           string
	SealedInputKeyID         string
	SealedInputPublicKeySPKI string // base64url DER
	SupportsInfraApply       bool
	HasNix                   bool
}

// RunnerToken is an opaque bearer credential, stored as a SHA-256 hash and
// bound to one (project, runner) pair.
type RunnerToken struct {
	ID         string
	ProjectID  string
	RunnerID   string
	TokenHash  string    // lowercase hex
	ExpiresAt  time.Time // zero = no expiry
	RevokedAt  time.Time // zero = active
	LastUsedAt time.Time
	CreatedAt  time.Time
}

// Run is the user-facing unit of work a job belongs to.
type Run struct {
	ID              string
	ProjectID       string
	Kind            string // open enum of deployment phases
	Status          RunStatus
	Title           string
	Host            string
	InitiatorUserID string
	StartedAt       time.Time
	FinishedAt      time.Time
	ErrorMessage    string
}

// Well-known run kinds. Kind is open; these drive project status projection.
const (
	RunKindProjectInit   = "project_init"
	RunKindProjectImport = "project_import"
	RunKindCustom        = "custom"
)

// RunStatus represents the state of a run. Terminal statuses are absorbing.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// Job is a single executable step belonging to a run.
//
// Lease fields are present iff status is leased or running. Sealed fields
// are present iff SealedInputRequired. Kind and ProjectID are immutable
// after insert; Attempt never decreases.
type Job struct {
	ID        string
	ProjectID string
	RunID     string
	Kind      string // ^[A-Za-z0-9._-]+$
	Status    JobStatus

	PayloadMeta map[string]interface{} // non-secret metadata only
	PayloadHash string

	TargetRunnerID string // empty = any runner in the project

	SealedInputRequired    bool
	SealedInputB64         string
	SealedInputAlg         string
	SealedInputKeyID       string
	SealedPendingExpiresAt time.Time

	LeaseID          string
	LeasedByRunnerID string
	LeaseExpiresAt   time.Time

	Attempt      int
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	ErrorMessage string
}

// JobStatus represents the state of a job. Terminal statuses are absorbing.
type JobStatus string

const (
	JobStatusQueued        JobStatus = "queued"
	JobStatusSealedPending JobStatus = "sealed_pending"
	JobStatusLeased        JobStatus = "leased"
	JobStatusRunning       JobStatus = "running"
	JobStatusSucceeded     JobStatus = "succeeded"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCanceled      JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// CommandResult holds a small canonicalized JSON result for a job.
// Rows self-expire; the first successful take consumes them.
type CommandResult struct {
	ID         string
	ProjectID  string
	RunID      string
	JobID      string
	ResultJSON string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// CommandResultBlob references a storage-backed result for a job.
// ConsumedAt is set by take; consumed rows are invisible to later takes and
// removed by the expiry purge.
type CommandResultBlob struct {
	ID         string
	ProjectID  string
	RunID      string
	JobID      string
	StorageID  string
	Size       int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt time.Time
}

// SetupDraft is a pending-configuration scratchpad per (project, host).
// Each section is a sealed envelope with its own TTL; Version is an
// optimistic counter bumped on every section write.
type SetupDraft struct {
	ID               string
	ProjectID        string
	Host             string
	Status           DraftStatus
	Version          int64
	DeployCreds      *DraftSection
	BootstrapSecrets *DraftSection
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DraftSection is one sealed section of a setup draft.
type DraftSection struct {
	SealedB64 string
	Alg       string
	KeyID     string
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// DraftStatus represents the lifecycle of a setup draft.
type DraftStatus string

const (
	DraftStatusDraft      DraftStatus = "draft"
	DraftStatusCommitting DraftStatus = "committing"
	DraftStatusCommitted  DraftStatus = "committed"
	DraftStatusFailed     DraftStatus = "failed"
)

// Draft section names.
const (
	DraftSectionDeployCreds      = "deployCreds"
	DraftSectionBootstrapSecrets = "bootstrapSecrets"
)

// RetentionSweep is the persistent singleton cursor of the retention
// sweeper. Key is always "default"; the lease stamp serializes passes.
type RetentionSweep struct {
	Key            string
	Cursor         string // project id the last pass stopped after
	LeaseID        string
	LeaseExpiresAt time.Time
	UpdatedAt      time.Time
}

// RetentionReport summarizes one sweep pass.
type RetentionReport struct {
	ProjectsScanned  int
	RunEventsDeleted int
	AuditLogsDeleted int
	RunsDeleted      int
	Continued        bool
}

// DeletionJob drives staged erasure of one project.
type DeletionJob struct {
	ID                string
	ProjectID         string
	RequestedByUserID string
	Status            DeletionStatus
	Stage             DeletionStage
	Processed         int64
	LeaseID           string
	LeaseExpiresAt    time.Time
	LastError         string
	CreatedAt         time.Time
	CompletedAt       time.Time
}

// DeletionStatus represents the state of a deletion job.
type DeletionStatus string

const (
	DeletionStatusPending   DeletionStatus = "pending"
	DeletionStatusRunning   DeletionStatus = "running"
	DeletionStatusCompleted DeletionStatus = "completed"
	DeletionStatusFailed    DeletionStatus = "failed"
)

// Active reports whether the deletion job still holds the project.
func (s DeletionStatus) Active() bool {
	return s == DeletionStatusPending || s == DeletionStatusRunning
}

// DeletionStage names one table-clearing step of staged erasure.
type DeletionStage string

const (
	StageRunEvents      DeletionStage = "runEvents"
	StageRuns           DeletionStage = "runs"
	StageProviders      DeletionStage = "providers"
	StageProjectConfigs DeletionStage = "projectConfigs"
	StageHosts          DeletionStage = "hosts"
	StageGateways       DeletionStage = "gateways"
	StageSecretWiring   DeletionStage = "secretWiring"
	StageSetupDrafts    DeletionStage = "setupDrafts"
	StageJobs           DeletionStage = "jobs"
	StageResultBlobs    DeletionStage = "runnerCommandResultBlobs"
	StageResults        DeletionStage = "runnerCommandResults"
	StageRunnerTokens   DeletionStage = "runnerTokens"
	StageRunners        DeletionStage = "runners"
	StageCredentials    DeletionStage = "projectCredentials"
	StageMembers        DeletionStage = "projectMembers"
	StageAuditLogs      DeletionStage = "auditLogs"
	StagePolicies       DeletionStage = "projectPolicies"
	StageDeletionTokens DeletionStage = "projectDeletionTokens"
	StageProject        DeletionStage = "project"
	StageDone           DeletionStage = "done"
)

// DeletionStages is the fixed erasure order. Child tables drain before the
// rows they reference; the project row goes last.
var DeletionStages = []DeletionStage{
	StageRunEvents,
	StageRuns,
	StageProviders,
	StageProjectConfigs,
	StageHosts,
	StageGateways,
	StageSecretWiring,
	StageSetupDrafts,
	StageJobs,
	StageResultBlobs,
	StageResults,
	StageRunnerTokens,
	StageRunners,
	StageCredentials,
	StageMembers,
	StageAuditLogs,
	StagePolicies,
	StageDeletionTokens,
	StageProject,
	StageDone,
}

// Next returns the stage after s, or done when s is last or unknown.
func (s DeletionStage) Next() DeletionStage {
	for i, stage := range DeletionStages {
		if stage == s && i+1 < len(DeletionStages) {
			return DeletionStages[i+1]
		}
	}
	return StageDone
}

// DeletionToken is a one-shot confirmation token for project erasure,
// stored as a SHA-256 hash with a 15 minute TTL.
type DeletionToken struct {
	ID        string
	ProjectID string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AuditEntry is one append-only record of a privileged operator action.
// Action, Target, and Data shapes are constrained by the audit taxonomy.
type AuditEntry struct {
	ID        string
	ProjectID string // empty for account-level actions
	TS        time.Time
	UserID    string
	Action    string
	Target    *AuditTarget
	Data      map[string]interface{}
}

// AuditTarget identifies what an audited action touched.
type AuditTarget struct {
	Kind AuditTargetKind
	ID   string
	Name string
}

// AuditTargetKind tags the audit target variant.
type AuditTargetKind string

const (
	AuditTargetProject AuditTargetKind = "project"
	AuditTargetMember  AuditTargetKind = "member"
	AuditTargetPolicy  AuditTargetKind = "policy"
	AuditTargetRunner  AuditTargetKind = "runner"
	AuditTargetToken   AuditTargetKind = "token"
	AuditTargetJob     AuditTargetKind = "job"
	AuditTargetRun     AuditTargetKind = "run"
	AuditTargetHost    AuditTargetKind = "host"
	AuditTargetDraft   AuditTargetKind = "draft"
)

// RunEvent is a runner-reported log line attached to a run.
type RunEvent struct {
	ID        string
	ProjectID string
	RunID     string
	TS        time.Time
	Level     RunEventLevel
	Message   string
	Meta      *RunEventMeta
}

// RunEventLevel is the severity of a run event.
type RunEventLevel string

const (
	RunEventDebug RunEventLevel = "debug"
	RunEventInfo  RunEventLevel = "info"
	RunEventWarn  RunEventLevel = "warn"
	RunEventError RunEventLevel = "error"
)

// RunEventMeta carries either a deployment phase tag or an exit code,
// never both.
type RunEventMeta struct {
	Phase    RunPhase
	ExitCode *int // [-1, 255]
}

// RunPhase tags where in a deployment a run event was emitted.
type RunPhase string

const (
	PhasePrepare  RunPhase = "prepare"
	PhaseBuild    RunPhase = "build"
	PhasePush     RunPhase = "push"
	PhaseSwitch   RunPhase = "switch"
	PhaseVerify   RunPhase = "verify"
	PhaseRollback RunPhase = "rollback"
)

// RunPhases is the closed set of valid phase tags.
var RunPhases = []RunPhase{
	PhasePrepare, PhaseBuild, PhasePush, PhaseSwitch, PhaseVerify, PhaseRollback,
}

// HostRow is a runner-reported host, upserted by (project, hostName).
type HostRow struct {
	ID         string
	ProjectID  string
	HostName   string
	Summary    HostSummary
	ReportedAt time.Time
}

// HostSummary is the sanitized desired-state summary of a host.
type HostSummary struct {
	ServiceCount   int
	ContainerCount int
	SSHPort        int
	HTTPPort       int
	Profiles       []string
	Tags           []string
}

// GatewayRow is a runner-reported gateway, upserted by
// (project, hostName, gatewayID).
type GatewayRow struct {
	ID         string
	ProjectID  string
	HostName   string
	GatewayID  string
	Summary    GatewaySummary
	ReportedAt time.Time
}

// GatewaySummary is the sanitized desired-state summary of a gateway.
type GatewaySummary struct {
	ListenPort    int
	UpstreamCount int
	Routes        []string
}

// ProjectConfigRow is a runner-reported config entry, upserted by
// (project, key).
type ProjectConfigRow struct {
	ID         string
	ProjectID  string
	Key        string
	Value      string
	ReportedAt time.Time
}

// SecretWiringRow records where a named secret is wired on a host,
// upserted by (project, hostName, secretName). Values never appear here.
type SecretWiringRow struct {
	ID         string
	ProjectID  string
	HostName   string
	SecretName string
	Target     string // repo-relative path on the host config
	ReportedAt time.Time
}

// Provider is a project-scoped infrastructure provider registration.
type Provider struct {
	ID        string
	ProjectID string
	Name      string
	Kind      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProjectCredential is a project-scoped stored credential reference.
// Only hashes land here; plaintext never enters the store.
type ProjectCredential struct {
	ID             string
	ProjectID      string
	Name           string
	CredentialHash string
	CreatedAt      time.Time
}

// Principal is the opaque authenticated caller identity supplied by the
// outer authentication layer.
type Principal struct {
	UserID string
}
