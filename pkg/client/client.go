package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clawlets/clawlets/pkg/errdefs"
)

const (
	requestTimeout = 10 * time.Second

	// maxResponseBytes bounds response reads. The largest legal answer
	// is a taken result blob, base64 of at most 5 MiB.
	maxResponseBytes = 32 << 20
)

// Client wraps the operator HTTP API for easy CLI usage.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client against the given base URL without
// credentials, suitable for servers running with auth disabled.
func NewClient(baseURL string) *Client {
	return NewClientWithToken(baseURL, "")
}

// NewClientWithToken creates a client that authenticates every request
// with the given operator bearer token.
func NewClientWithToken(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{},
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do runs one request. Error answers carry the server's coded envelope,
// which is rebuilt as an errdefs error so callers can match on the code.
func (c *Client) do(method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *Client) post(path string, in, out interface{}) error {
	return c.do(http.MethodPost, path, in, out)
}

func (c *Client) put(path string, in, out interface{}) error {
	return c.do(http.MethodPut, path, in, out)
}

func (c *Client) delete(path string, out interface{}) error {
	return c.do(http.MethodDelete, path, nil, out)
}

// decodeError turns an HTTP error answer back into an errdefs error.
// Coded envelopes keep their code verbatim; anything else, like a proxy
// error page, is classified by status so IsNotFound and friends still
// work through intermediaries.
func decodeError(status int, body []byte) error {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		return &errdefs.Error{Code: errdefs.Code(env.Error.Code), Message: env.Error.Message}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized:
		return errdefs.Unauthorized("%s", msg)
	case http.StatusForbidden:
		return errdefs.Forbidden("%s", msg)
	case http.StatusNotFound:
		return errdefs.NotFound("%s", msg)
	case http.StatusConflict:
		return errdefs.Conflict("%s", msg)
	case http.StatusTooManyRequests:
		return errdefs.RateLimited("%s", msg)
	}
	return fmt.Errorf("server answered %d: %s", status, msg)
}

// pagePath appends cursor and limit query parameters when set.
func pagePath(path, cursor string, limit int) string {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func seg(s string) string {
	return url.PathEscape(s)
}

// CreateProject creates a new project owned by the calling user.
func (c *Client) CreateProject(req CreateProjectRequest) (*Project, error) {
	var out Project
	if err := c.post("/v1/projects", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects lists the projects the calling user belongs to.
func (c *Client) ListProjects() ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.get("/v1/projects", &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(projectID string) (*Project, error) {
	var out Project
	if err := c.get("/v1/projects/"+seg(projectID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddMember grants a user a role on the project.
func (c *Client) AddMember(projectID, userID, role string) (*Member, error) {
	req := struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}{UserID: userID, Role: role}
	var out Member
	if err := c.post("/v1/projects/"+seg(projectID)+"/members", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveMember removes a user's membership.
func (c *Client) RemoveMember(projectID, userID string) error {
	return c.delete("/v1/projects/"+seg(projectID)+"/members/"+seg(userID), nil)
}

// ListMembers lists the project's members.
func (c *Client) ListMembers(projectID string) ([]Member, error) {
	var out struct {
		Members []Member `json:"members"`
	}
	if err := c.get("/v1/projects/"+seg(projectID)+"/members", &out); err != nil {
		return nil, err
	}
	return out.Members, nil
}

// SetRetentionPolicy sets the project's retention window in days.
func (c *Client) SetRetentionPolicy(projectID string, days int) (*Policy, error) {
	req := struct {
		RetentionDays int `json:"retentionDays"`
	}{RetentionDays: days}
	var out Policy
	if err := c.put("/v1/projects/"+seg(projectID)+"/policy", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRetentionPolicy fetches the project's retention policy.
func (c *Client) GetRetentionPolicy(projectID string) (*Policy, error) {
	var out Policy
	if err := c.get("/v1/projects/"+seg(projectID)+"/policy", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryAuditLog pages through the project audit trail, newest first.
// The returned cursor is empty on the last page.
func (c *Client) QueryAuditLog(projectID, cursor string, limit int) ([]AuditEntry, string, error) {
	var out struct {
		Entries    []AuditEntry `json:"entries"`
		NextCursor string       `json:"nextCursor"`
	}
	path := pagePath("/v1/projects/"+seg(projectID)+"/audit", cursor, limit)
	if err := c.get(path, &out); err != nil {
		return nil, "", err
	}
	return out.Entries, out.NextCursor, nil
}

// RegisterRunner registers a named runner on the project.
func (c *Client) RegisterRunner(projectID, name string) (*Runner, error) {
	req := struct {
		Name string `json:"name"`
	}{Name: name}
	var out Runner
	if err := c.post("/v1/projects/"+seg(projectID)+"/runners", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRunners lists the project's runners.
func (c *Client) ListRunners(projectID string) ([]Runner, error) {
	var out struct {
		Runners []Runner `json:"runners"`
	}
	if err := c.get("/v1/projects/"+seg(projectID)+"/runners", &out); err != nil {
		return nil, err
	}
	return out.Runners, nil
}

// IssueRunnerToken mints a token for the runner. The plaintext appears
// only in this answer; a zero ttl means the token never expires.
func (c *Client) IssueRunnerToken(projectID, runnerID string, ttl time.Duration) (*IssuedToken, error) {
	req := struct {
		TTLSeconds int64 `json:"ttlSeconds"`
	}{TTLSeconds: int64(ttl / time.Second)}
	var out IssuedToken
	if err := c.post("/v1/projects/"+seg(projectID)+"/runners/"+seg(runnerID)+"/tokens", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRunnerTokens lists token metadata for the runner.
func (c *Client) ListRunnerTokens(projectID, runnerID string) ([]RunnerToken, error) {
	var out struct {
		Tokens []RunnerToken `json:"tokens"`
	}
	if err := c.get("/v1/projects/"+seg(projectID)+"/runners/"+seg(runnerID)+"/tokens", &out); err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// RevokeRunnerToken revokes a token by id.
func (c *Client) RevokeRunnerToken(projectID, tokenID string) error {
	return c.delete("/v1/projects/"+seg(projectID)+"/tokens/"+seg(tokenID), nil)
}

// Enqueue enqueues a job.
func (c *Client) Enqueue(projectID string, req EnqueueRequest) (*Job, error) {
	var out Job
	if err := c.post("/v1/projects/"+seg(projectID)+"/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListJobs pages through the project's jobs, newest first. An empty
// status matches all jobs.
func (c *Client) ListJobs(projectID, status, cursor string, limit int) ([]Job, string, error) {
	var out struct {
		Jobs       []Job  `json:"jobs"`
		NextCursor string `json:"nextCursor"`
	}
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/projects/" + seg(projectID) + "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	if err := c.get(path, &out); err != nil {
		return nil, "", err
	}
	return out.Jobs, out.NextCursor, nil
}

// ReserveSealedInput reserves a sealed-input job against the target
// runner's published key and returns the material to encrypt against.
func (c *Client) ReserveSealedInput(projectID string, req EnqueueRequest) (*SealedReservation, error) {
	var out SealedReservation
	if err := c.post("/v1/projects/"+seg(projectID)+"/jobs/reserve-sealed", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FinalizeSealedEnqueue attaches the ciphertext to a reservation and
// makes the job leasable.
func (c *Client) FinalizeSealedEnqueue(projectID, jobID string, req FinalizeRequest) (*Job, error) {
	var out Job
	if err := c.post("/v1/projects/"+seg(projectID)+"/jobs/"+seg(jobID)+"/finalize-sealed", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob cancels a job that has not finished.
func (c *Client) CancelJob(projectID, jobID string) (*Job, error) {
	var out Job
	if err := c.post("/v1/projects/"+seg(projectID)+"/jobs/"+seg(jobID)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(projectID, jobID string) (*Job, error) {
	var out Job
	if err := c.get("/v1/projects/"+seg(projectID)+"/jobs/"+seg(jobID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns pages through the project's runs, newest first.
func (c *Client) ListRuns(projectID, cursor string, limit int) ([]Run, string, error) {
	var out struct {
		Runs       []Run  `json:"runs"`
		NextCursor string `json:"nextCursor"`
	}
	path := pagePath("/v1/projects/"+seg(projectID)+"/runs", cursor, limit)
	if err := c.get(path, &out); err != nil {
		return nil, "", err
	}
	return out.Runs, out.NextCursor, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(projectID, runID string) (*Run, error) {
	var out Run
	if err := c.get("/v1/projects/"+seg(projectID)+"/runs/"+seg(runID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRunEvents pages through a run's log, oldest first.
func (c *Client) ListRunEvents(projectID, runID, cursor string, limit int) ([]RunEvent, string, error) {
	var out struct {
		Events     []RunEvent `json:"events"`
		NextCursor string     `json:"nextCursor"`
	}
	path := pagePath("/v1/projects/"+seg(projectID)+"/runs/"+seg(runID)+"/events", cursor, limit)
	if err := c.get(path, &out); err != nil {
		return nil, "", err
	}
	return out.Events, out.NextCursor, nil
}

// TakeResult consumes the job's result. A nil result means nothing is
// available; results are read-once, so a second take also returns nil.
func (c *Client) TakeResult(projectID, runID, jobID string) (*TakenResult, error) {
	var out struct {
		Result *TakenResult `json:"result"`
	}
	path := "/v1/projects/" + seg(projectID) + "/runs/" + seg(runID) + "/jobs/" + seg(jobID) + "/result/take"
	if err := c.post(path, nil, &out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// ListHosts lists the hosts runners have reported for the project.
func (c *Client) ListHosts(projectID string) ([]HostRow, error) {
	var out struct {
		Hosts []HostRow `json:"hosts"`
	}
	if err := c.get("/v1/projects/"+seg(projectID)+"/hosts", &out); err != nil {
		return nil, err
	}
	return out.Hosts, nil
}

// ListGateways lists the gateways runners have reported for the project.
func (c *Client) ListGateways(projectID string) ([]GatewayRow, error) {
	var out struct {
		Gateways []GatewayRow `json:"gateways"`
	}
	if err := c.get("/v1/projects/"+seg(projectID)+"/gateways", &out); err != nil {
		return nil, err
	}
	return out.Gateways, nil
}

// DeleteStart opens a deletion window and returns the single-use
// confirmation token.
func (c *Client) DeleteStart(projectID string) (*DeleteTicket, error) {
	var out DeleteTicket
	if err := c.post("/v1/projects/"+seg(projectID)+"/delete/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteConfirm consumes the token and starts staged erasure. The
// phrase must read "delete <project name>".
func (c *Client) DeleteConfirm(projectID, token, phrase string) (*DeletionJob, error) {
	req := struct {
		Token         string `json:"token"`
		ConfirmPhrase string `json:"confirmPhrase"`
	}{Token: token, ConfirmPhrase: phrase}
	var out DeletionJob
	if err := c.post("/v1/projects/"+seg(projectID)+"/delete/confirm", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteStatus fetches the project's deletion job.
func (c *Client) DeleteStatus(projectID string) (*DeletionJob, error) {
	var out DeletionJob
	if err := c.get("/v1/projects/"+seg(projectID)+"/delete/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PutDraftSection writes one sealed section of the host's setup draft.
func (c *Client) PutDraftSection(projectID, host, section string, req DraftSectionRequest) (*SetupDraft, error) {
	var out SetupDraft
	if err := c.put("/v1/projects/"+seg(projectID)+"/drafts/"+seg(host)+"/"+seg(section), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSetupDraft fetches the host's setup draft.
func (c *Client) GetSetupDraft(projectID, host string) (*SetupDraft, error) {
	var out SetupDraft
	if err := c.get("/v1/projects/"+seg(projectID)+"/drafts/"+seg(host), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CommitDraft marks the draft committing at the expected version.
func (c *Client) CommitDraft(projectID, host string, expectedVersion int64) (*SetupDraft, error) {
	req := struct {
		ExpectedVersion int64 `json:"expectedVersion"`
	}{ExpectedVersion: expectedVersion}
	var out SetupDraft
	if err := c.post("/v1/projects/"+seg(projectID)+"/drafts/"+seg(host)+"/commit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteDraft finishes a commit. ok true seals the draft committed
// and drops the envelope payloads; ok false reopens it.
func (c *Client) CompleteDraft(projectID, host string, ok bool) (*SetupDraft, error) {
	req := struct {
		OK bool `json:"ok"`
	}{OK: ok}
	var out SetupDraft
	if err := c.post("/v1/projects/"+seg(projectID)+"/drafts/"+seg(host)+"/complete", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DiscardDraft deletes the host's setup draft.
func (c *Client) DiscardDraft(projectID, host string) error {
	return c.delete("/v1/projects/"+seg(projectID)+"/drafts/"+seg(host), nil)
}

// Health fetches the server's liveness answer.
func (c *Client) Health() (*HealthInfo, error) {
	var out HealthInfo
	if err := c.get("/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PurgeExpiredResults deletes one batch of expired results and reports
// how many rows went. Call again until it returns zero.
func (c *Client) PurgeExpiredResults() (int, error) {
	var out struct {
		Purged int `json:"purged"`
	}
	if err := c.post("/maintenance/results/purge", nil, &out); err != nil {
		return 0, err
	}
	return out.Purged, nil
}

// RetentionSweep runs one metered retention pass across all projects.
func (c *Client) RetentionSweep() (*SweepReport, error) {
	var out SweepReport
	if err := c.post("/maintenance/retention/sweep", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PurgeTenant starts or resumes staged erasure for a project directly,
// bypassing the two-step confirmation.
func (c *Client) PurgeTenant(projectID string) (*DeletionJob, error) {
	req := struct {
		ProjectID string `json:"projectId"`
	}{ProjectID: projectID}
	var out DeletionJob
	if err := c.post("/maintenance/tenant/purge", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BackfillIndexes rebuilds every derived index from the primary rows.
func (c *Client) BackfillIndexes() (*BackfillReport, error) {
	var out BackfillReport
	if err := c.post("/maintenance/indexes/backfill", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
