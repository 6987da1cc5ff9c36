package framework

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clawlets/clawlets/pkg/client"
)

// Runner simulates a project runner over the ingest surface: it
// heartbeats, leases jobs, streams run events, completes work, and
// syncs metadata the way a real runner daemon would, using only the
// HTTP wire protocol.
type Runner struct {
	// Name is the runner name announced on heartbeats
	Name string
	// ProjectID scopes every call
	ProjectID string
	// ID is filled by the first successful heartbeat
	ID string

	baseURL string
	token   string
	http    *http.Client
}

// NewRunner creates a simulated runner. The token must come from the
// operator token-issue endpoint for a registered runner of the project.
func NewRunner(baseURL, projectID, token, name string) *Runner {
	return &Runner{
		Name:      name,
		ProjectID: projectID,
		baseURL:   baseURL,
		token:     token,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Heartbeat announces the runner and its capabilities. The resolved
// runner id is remembered on the Runner.
func (r *Runner) Heartbeat(caps *client.Capabilities) error {
	var resp struct {
		OK       bool   `json:"ok"`
		RunnerID string `json:"runnerId"`
	}
	err := r.post("/runner/heartbeat", map[string]interface{}{
		"projectId":    r.ProjectID,
		"runnerName":   r.Name,
		"version":      "test",
		"capabilities": caps,
	}, &resp)
	if err != nil {
		return err
	}
	r.ID = resp.RunnerID
	return nil
}

// LeaseNext claims the oldest eligible queued job. Returns nil when the
// queue has nothing for this runner.
func (r *Runner) LeaseNext(ttl time.Duration) (*client.Job, error) {
	var resp struct {
		Job *client.Job `json:"job"`
	}
	err := r.post("/runner/jobs/lease-next", map[string]interface{}{
		"projectId":  r.ProjectID,
		"leaseTtlMs": ttl.Milliseconds(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// ExtendLease renews the lease on a held job. The returned status tells
// the runner whether the job is still wanted (canceled jobs report
// their terminal status with ok=false).
func (r *Runner) ExtendLease(jobID, leaseID string, ttl time.Duration) (bool, string, error) {
	var resp struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	err := r.post("/runner/jobs/heartbeat", map[string]interface{}{
		"projectId":  r.ProjectID,
		"jobId":      jobID,
		"leaseId":    leaseID,
		"leaseTtlMs": ttl.Milliseconds(),
	}, &resp)
	if err != nil {
		return false, "", err
	}
	return resp.OK, resp.Status, nil
}

// Complete marks a job succeeded with no result payload
func (r *Runner) Complete(jobID, leaseID string) error {
	return r.complete(jobID, leaseID, "succeeded", "", "", "", 0)
}

// CompleteWithJSON marks a job succeeded carrying a small JSON result
func (r *Runner) CompleteWithJSON(jobID, leaseID, resultJSON string) error {
	return r.complete(jobID, leaseID, "succeeded", "", resultJSON, "", 0)
}

// CompleteWithBlob marks a job succeeded referencing an uploaded blob
func (r *Runner) CompleteWithBlob(jobID, leaseID, storageID string, size int64) error {
	return r.complete(jobID, leaseID, "succeeded", "", "", storageID, size)
}

// Fail marks a job failed with an error message
func (r *Runner) Fail(jobID, leaseID, message string) error {
	return r.complete(jobID, leaseID, "failed", message, "", "", 0)
}

func (r *Runner) complete(jobID, leaseID, status, errMsg, resultJSON, storageID string, size int64) error {
	var resp struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	err := r.post("/runner/jobs/complete", map[string]interface{}{
		"projectId":                   r.ProjectID,
		"jobId":                       jobID,
		"leaseId":                     leaseID,
		"status":                      status,
		"errorMessage":                errMsg,
		"commandResultJson":           resultJSON,
		"commandResultLargeStorageId": storageID,
		"commandResultLargeSize":      size,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("completion rejected, job status is %s", resp.Status)
	}
	return nil
}

// AppendEvents appends a batch of run events. Only ts, level, message,
// phase, and exitCode travel; server-assigned fields are ignored.
func (r *Runner) AppendEvents(runID string, events []client.RunEvent) error {
	return r.post("/runner/run-events/append-batch", map[string]interface{}{
		"projectId": r.ProjectID,
		"runId":     runID,
		"events":    events,
	}, nil)
}

// Event builds a run event with the current timestamp
func Event(level, phase, message string) client.RunEvent {
	return client.RunEvent{TS: time.Now().UTC(), Level: level, Phase: phase, Message: message}
}

// MetadataSync is the fleet snapshot a runner reports after applying
// infrastructure changes.
type MetadataSync struct {
	Configs      map[string]string
	Hosts        map[string]client.HostSummary
	Gateways     []GatewayReport
	SecretWiring []SecretWiringReport
}

// GatewayReport is one gateway entry of a metadata sync
type GatewayReport struct {
	HostName  string
	GatewayID string
	Summary   client.GatewaySummary
}

// SecretWiringReport is one secret wiring entry of a metadata sync
type SecretWiringReport struct {
	HostName   string
	SecretName string
	Target     string
}

// SyncMetadata replaces the project's reported fleet metadata and
// returns the per-kind row counts the server acknowledged.
func (r *Runner) SyncMetadata(sync MetadataSync) (map[string]int, error) {
	body := map[string]interface{}{"projectId": r.ProjectID}

	configs := make([]map[string]string, 0, len(sync.Configs))
	for k, v := range sync.Configs {
		configs = append(configs, map[string]string{"key": k, "value": v})
	}
	body["projectConfigs"] = configs

	hosts := make([]map[string]interface{}, 0, len(sync.Hosts))
	for name, summary := range sync.Hosts {
		hosts = append(hosts, map[string]interface{}{"hostName": name, "summary": summary})
	}
	body["hosts"] = hosts

	gateways := make([]map[string]interface{}, 0, len(sync.Gateways))
	for _, g := range sync.Gateways {
		gateways = append(gateways, map[string]interface{}{
			"hostName":  g.HostName,
			"gatewayId": g.GatewayID,
			"summary":   g.Summary,
		})
	}
	body["gateways"] = gateways

	wiring := make([]map[string]string, 0, len(sync.SecretWiring))
	for _, w := range sync.SecretWiring {
		wiring = append(wiring, map[string]string{
			"hostName":   w.HostName,
			"secretName": w.SecretName,
			"target":     w.Target,
		})
	}
	body["secretWiring"] = wiring

	var resp struct {
		OK     bool           `json:"ok"`
		Synced map[string]int `json:"synced"`
	}
	if err := r.post("/runner/metadata/sync", body, &resp); err != nil {
		return nil, err
	}
	return resp.Synced, nil
}

// UploadResult streams a raw result blob and returns the storage id to
// reference from CompleteWithBlob.
func (r *Runner) UploadResult(data []byte) (string, int64, error) {
	req, err := http.NewRequest(http.MethodPost, r.baseURL+"/runner/results/upload", bytes.NewReader(data))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("X-Project-Id", r.ProjectID)
	req.Header.Set("Content-Type", "application/octet-stream")

	httpResp, err := r.http.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", 0, err
	}
	if httpResp.StatusCode >= 400 {
		return "", 0, fmt.Errorf("upload failed with %d: %s", httpResp.StatusCode, raw)
	}
	var resp struct {
		StorageID string `json:"storageId"`
		Size      int64  `json:"size"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", 0, err
	}
	return resp.StorageID, resp.Size, nil
}

// post sends one JSON request with the runner bearer token. Error
// envelopes come back as plain errors carrying code and message.
func (r *Runner) post(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return err
	}
	if httpResp.StatusCode >= 400 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error.Code != "" {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("request failed with %d: %s", httpResp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
