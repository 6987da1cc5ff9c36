package api

import (
	"net/http"
	"time"

	"github.com/clawlets/clawlets/pkg/engine"
	"github.com/clawlets/clawlets/pkg/validate"
)

// maxResultBlob bounds the raw result upload body.
const maxResultBlob = 5 << 20

// authRunner authenticates the bearer token against the caller-asserted
// project. Every runner route passes through here after decoding its
// body, because the project id travels in the body.
func (s *Server) authRunner(w http.ResponseWriter, r *http.Request, projectID string) (*engine.RunnerAuth, bool) {
	auth, err := s.engine.AuthenticateRunner(r.Context(), r.Header.Get("Authorization"), projectID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return auth, true
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID    string            `json:"projectId"`
		RunnerName   string            `json:"runnerName"`
		Version      string            `json:"version"`
		Capabilities *capabilitiesJSON `json:"capabilities"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	auth, ok := s.authRunner(w, r, req.ProjectID)
	if !ok {
		return
	}

	hb := engine.HeartbeatRequest{
		RunnerName: req.RunnerName,
		Version:    req.Version,
	}
	if req.Capabilities != nil {
		hb.Capabilities = req.Capabilities.toTypes()
	}
	runner, err := s.engine.RunnerHeartbeat(r.Context(), auth, hb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"runnerId": runner.ID,
	})
}

func (s *Server) handleLeaseNext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID  string `json:"projectId"`
		LeaseTTLMS int64  `json:"leaseTtlMs"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	auth, ok := s.authRunner(w, r, req.ProjectID)
	if !ok {
		return
	}

	job, err := s.engine.LeaseNext(r.Context(), auth, req.LeaseTTLMS)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": toJobJSON(job)})
}

func (s *Server) handleJobHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID  string `json:"projectId"`
		JobID      string `json:"jobId"`
		LeaseID    string `json:"leaseId"`
		LeaseTTLMS int64  `json:"leaseTtlMs"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	auth, ok := s.authRunner(w, r, req.ProjectID)
	if !ok {
		return
	}

	ack, err := s.engine.JobHeartbeat(r.Context(), auth, req.JobID, req.LeaseID, req.LeaseTTLMS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     ack.OK,
		"status": ack.Status,
	})
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID                   string `json:"projectId"`
		JobID                       string `json:"jobId"`
		LeaseID                     string `json:"leaseId"`
		Status                      string `json:"status"`
		ErrorMessage                string `json:"errorMessage"`
		CommandResultJSON           string `json:"commandResultJson"`
		CommandResultLargeStorageID string `json:"commandResultLargeStorageId"`
		CommandResultLargeSize      int64  `json:"commandResultLargeSize"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	auth, ok := s.authRunner(w, r, req.ProjectID)
	if !ok {
		return
	}

	ack, err := s.engine.Complete(r.Context(), auth, engine.CompleteRequest{
		JobID:           req.JobID,
		LeaseID:         req.LeaseID,
		Status:          jobStatusFrom(req.Status),
		ErrorMessage:    req.ErrorMessage,
		ResultJSON:      req.CommandResultJSON,
		ResultStorageID: req.CommandResultLargeStorageID,
		ResultSize:      req.CommandResultLargeSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     ack.OK,
		"status": ack.Status,
	})
}

func (s *Server) handleAppendRunEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"projectId"`
		RunID     string `json:"runId"`
		Events    []struct {
			TS       time.Time `json:"ts"`
			Level    string    `json:"level"`
			Message  string    `json:"message"`
			Phase    string    `json:"phase"`
			ExitCode *int      `json:"exitCode"`
		} `json:"events"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	auth, ok := s.authRunner(w, r, req.ProjectID)
	if !ok {
		return
	}

	batch := make([]validate.RunEventInput, len(req.Events))
	for i, ev := range req.Events {
		batch[i] = validate.RunEventInput{
			TS:       ev.TS,
			Level:    ev.Level,
			Message:  ev.Message,
			Phase:    ev.Phase,
			ExitCode: ev.ExitCode,
		}
	}
	if _, err := s.engine.AppendRunEvents(r.Context(), auth, req.RunID, batch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleMetadataSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID      string `json:"projectId"`
		ProjectConfigs []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"projectConfigs"`
		Hosts []struct {
			HostName string          `json:"hostName"`
			Summary  hostSummaryJSON `json:"summary"`
		} `json:"hosts"`
		Gateways []struct {
			HostName  string             `json:"hostName"`
			GatewayID string             `json:"gatewayId"`
			Summary   gatewaySummaryJSON `json:"summary"`
		} `json:"gateways"`
		SecretWiring []struct {
			HostName   string `json:"hostName"`
			SecretName string `json:"secretName"`
			Target     string `json:"target"`
		} `json:"secretWiring"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	auth, ok := s.authRunner(w, r, req.ProjectID)
	if !ok {
		return
	}

	sync := engine.SyncRequest{}
	for _, c := range req.ProjectConfigs {
		sync.Configs = append(sync.Configs, engine.ConfigEntry{Key: c.Key, Value: c.Value})
	}
	for _, h := range req.Hosts {
		sync.Hosts = append(sync.Hosts, engine.HostEntry{HostName: h.HostName, Summary: h.Summary.toTypes()})
	}
	for _, g := range req.Gateways {
		sync.Gateways = append(sync.Gateways, engine.GatewayEntry{
			HostName:  g.HostName,
			GatewayID: g.GatewayID,
			Summary:   g.Summary.toTypes(),
		})
	}
	for _, sw := range req.SecretWiring {
		sync.SecretWiring = append(sync.SecretWiring, engine.SecretWiringEntry{
			HostName:   sw.HostName,
			SecretName: sw.SecretName,
			Target:     sw.Target,
		})
	}

	counts, err := s.engine.MetadataSync(r.Context(), auth, sync)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"synced": map[string]int{
			"configs":      counts.Configs,
			"hosts":        counts.Hosts,
			"gateways":     counts.Gateways,
			"secretWiring": counts.SecretWiring,
		},
	})
}

// handleResultUpload takes a raw octet stream; the project rides in the
// X-Project-Id header because there is no JSON body to carry it.
func (s *Server) handleResultUpload(w http.ResponseWriter, r *http.Request) {
	projectID := r.Header.Get("X-Project-Id")
	auth, ok := s.authRunner(w, r, projectID)
	if !ok {
		return
	}

	data, err := readLimited(http.MaxBytesReader(w, r.Body, maxResultBlob+1), maxResultBlob)
	if err != nil {
		writeBadRequest(w, "result blob exceeds %d bytes", maxResultBlob)
		return
	}
	storageID, size, err := s.engine.UploadResultBlob(r.Context(), auth, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"storageId": storageID,
		"size":      size,
	})
}
