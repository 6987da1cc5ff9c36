package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/clawlets/clawlets/pkg/engine"
	"github.com/clawlets/clawlets/pkg/types"
)

// Cursors are opaque storage keys; the wire carries them base64url.

func encodeCursor(cursor []byte) string {
	if len(cursor) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(cursor)
}

func parseCursor(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return nil, true
	}
	cursor, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		writeBadRequest(w, "invalid cursor")
		return nil, false
	}
	return cursor, true
}

// parseLimit returns 0 for an absent limit; the engine applies its own
// defaults and caps.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		writeBadRequest(w, "invalid limit")
		return 0, false
	}
	return limit, true
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string           `json:"name"`
		ExecutionMode string           `json:"executionMode"`
		WorkspaceRef  workspaceRefJSON `json:"workspaceRef"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	project, err := s.engine.CreateProject(r.Context(), principalFrom(r), engine.CreateProjectRequest{
		Name:          req.Name,
		ExecutionMode: types.ExecutionMode(req.ExecutionMode),
		WorkspaceRef: types.WorkspaceRef{
			Kind:           types.WorkspaceKind(req.WorkspaceRef.Kind),
			LocalPathHash:  req.WorkspaceRef.LocalPathHash,
			GitRemote:      req.WorkspaceRef.GitRemote,
			GitSubpath:     req.WorkspaceRef.GitSubpath,
			RunnerRepoPath: req.WorkspaceRef.RunnerRepoPath,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectJSON(project))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.engine.ListProjects(r.Context(), principalFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]projectJSON, len(projects))
	for i, p := range projects {
		out[i] = toProjectJSON(p)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": out})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.engine.GetProject(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectJSON(project))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	member, err := s.engine.AddMember(r.Context(), principalFrom(r), mux.Vars(r)["id"], req.UserID, types.ProjectRole(req.Role))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberJSON(member))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.engine.RemoveMember(r.Context(), principalFrom(r), vars["id"], vars["user"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.engine.ListMembers(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]memberJSON, len(members))
	for i, m := range members {
		out[i] = toMemberJSON(m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": out})
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retentionDays"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	policy, err := s.engine.SetRetentionPolicy(r.Context(), principalFrom(r), mux.Vars(r)["id"], req.RetentionDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyJSON(policy))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.engine.GetRetentionPolicy(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyJSON(policy))
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	cursor, ok := parseCursor(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, next, err := s.engine.QueryAuditLog(r.Context(), principalFrom(r), mux.Vars(r)["id"], cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditEntryJSON, len(entries))
	for i, e := range entries {
		out[i] = toAuditEntryJSON(e)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":    out,
		"nextCursor": encodeCursor(next),
	})
}

func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	runner, err := s.engine.RegisterRunner(r.Context(), principalFrom(r), mux.Vars(r)["id"], req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunnerJSON(runner))
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.engine.ListRunners(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]runnerJSON, len(runners))
	for i, rn := range runners {
		out[i] = toRunnerJSON(rn)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runners": out})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLSeconds int64 `json:"ttlSeconds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	issued, err := s.engine.IssueRunnerToken(r.Context(), principalFrom(r), vars["id"], vars["rid"], time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIssuedTokenJSON(issued))
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tokens, err := s.engine.ListRunnerTokens(r.Context(), principalFrom(r), vars["id"], vars["rid"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]tokenMetaJSON, len(tokens))
	for i, t := range tokens {
		out[i] = toTokenMetaJSON(t)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.engine.RevokeRunnerToken(r.Context(), principalFrom(r), vars["id"], vars["tid"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type enqueueBody struct {
	Kind           string                 `json:"kind"`
	PayloadMeta    map[string]interface{} `json:"payloadMeta"`
	RunID          string                 `json:"runId"`
	Title          string                 `json:"title"`
	Host           string                 `json:"host"`
	TargetRunnerID string                 `json:"targetRunnerId"`
}

func (b enqueueBody) toRequest() engine.EnqueueRequest {
	return engine.EnqueueRequest{
		Kind:           b.Kind,
		PayloadMeta:    b.PayloadMeta,
		RunID:          b.RunID,
		Title:          b.Title,
		Host:           b.Host,
		TargetRunnerID: b.TargetRunnerID,
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueBody
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.engine.Enqueue(r.Context(), principalFrom(r), mux.Vars(r)["id"], req.toRequest())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	cursor, ok := parseCursor(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	status := types.JobStatus(r.URL.Query().Get("status"))
	jobs, next, err := s.engine.ListJobs(r.Context(), principalFrom(r), mux.Vars(r)["id"], status, cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]jobJSON, len(jobs))
	for i, j := range jobs {
		out[i] = toJobJSON(j)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":       out,
		"nextCursor": encodeCursor(next),
	})
}

func (s *Server) handleReserveSealed(w http.ResponseWriter, r *http.Request) {
	var req enqueueBody
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.engine.ReserveSealedInput(r.Context(), principalFrom(r), mux.Vars(r)["id"], req.toRequest())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":         res.JobID,
		"runId":         res.RunID,
		"alg":           res.Alg,
		"keyId":         res.KeyID,
		"publicKeySpki": res.PublicKeySPKI,
		"expiresAt":     res.ExpiresAt,
	})
}

func (s *Server) handleFinalizeSealed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind           string `json:"kind"`
		SealedInputB64 string `json:"sealedInputB64"`
		Alg            string `json:"alg"`
		KeyID          string `json:"keyId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	job, err := s.engine.FinalizeSealedEnqueue(r.Context(), principalFrom(r), vars["id"], engine.FinalizeRequest{
		JobID:          vars["jid"],
		Kind:           req.Kind,
		SealedInputB64: req.SealedInputB64,
		Alg:            req.Alg,
		KeyID:          req.KeyID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := s.engine.CancelJob(r.Context(), principalFrom(r), vars["id"], vars["jid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := s.engine.GetJob(r.Context(), principalFrom(r), vars["id"], vars["jid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobJSON(job))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	cursor, ok := parseCursor(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	runs, next, err := s.engine.ListRuns(r.Context(), principalFrom(r), mux.Vars(r)["id"], cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]runJSON, len(runs))
	for i, run := range runs {
		out[i] = toRunJSON(run)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":       out,
		"nextCursor": encodeCursor(next),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	run, err := s.engine.GetRun(r.Context(), principalFrom(r), vars["id"], vars["rid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunJSON(run))
}

func (s *Server) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	cursor, ok := parseCursor(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	evts, next, err := s.engine.ListRunEvents(r.Context(), principalFrom(r), vars["id"], vars["rid"], cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]runEventJSON, len(evts))
	for i, ev := range evts {
		out[i] = toRunEventJSON(ev)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":     out,
		"nextCursor": encodeCursor(next),
	})
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.engine.ListHosts(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]hostRowJSON, len(hosts))
	for i, h := range hosts {
		out[i] = toHostRowJSON(h)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": out})
}

func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	gateways, err := s.engine.ListGateways(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]gatewayRowJSON, len(gateways))
	for i, g := range gateways {
		out[i] = toGatewayRowJSON(g)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"gateways": out})
}

// handleTakeResult consumes the job's result. The small variant embeds
// the stored JSON document; the blob variant rides base64 so the route
// stays uniformly JSON. A null result means nothing is available, which
// is also what a second take returns.
func (s *Server) handleTakeResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	taken, err := s.engine.TakeResult(r.Context(), principalFrom(r), vars["id"], vars["rid"], vars["jid"])
	if err != nil {
		writeError(w, err)
		return
	}
	if taken == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"result": nil})
		return
	}
	result := map[string]interface{}{}
	if taken.ResultJSON != "" {
		result["json"] = json.RawMessage(taken.ResultJSON)
	}
	if len(taken.Blob) > 0 {
		result["blobB64"] = taken.Blob
		result["size"] = taken.Size
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (s *Server) handleDeleteStart(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.engine.DeleteStart(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     ticket.Token,
		"expiresAt": ticket.ExpiresAt,
	})
}

func (s *Server) handleDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token         string `json:"token"`
		ConfirmPhrase string `json:"confirmPhrase"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.engine.DeleteConfirm(r.Context(), principalFrom(r), mux.Vars(r)["id"], req.Token, req.ConfirmPhrase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionJobJSON(job))
}

func (s *Server) handleDeleteStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.DeleteStatus(r.Context(), principalFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionJobJSON(job))
}

func (s *Server) handlePutDraftSection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SealedB64       string `json:"sealedB64"`
		Alg             string `json:"alg"`
		KeyID           string `json:"keyId"`
		ExpectedVersion int64  `json:"expectedVersion"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	draft, err := s.engine.PutDraftSection(r.Context(), principalFrom(r), vars["id"], vars["host"], vars["section"], engine.DraftSectionRequest{
		SealedB64:       req.SealedB64,
		Alg:             req.Alg,
		KeyID:           req.KeyID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftJSON(draft))
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	draft, err := s.engine.GetSetupDraft(r.Context(), principalFrom(r), vars["id"], vars["host"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftJSON(draft))
}

func (s *Server) handleDraftCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectedVersion int64 `json:"expectedVersion"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	draft, err := s.engine.MarkDraftCommitting(r.Context(), principalFrom(r), vars["id"], vars["host"], req.ExpectedVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftJSON(draft))
}

func (s *Server) handleDraftComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OK bool `json:"ok"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	draft, err := s.engine.CompleteDraft(r.Context(), principalFrom(r), vars["id"], vars["host"], req.OK)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDraftJSON(draft))
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.engine.DiscardDraft(r.Context(), principalFrom(r), vars["id"], vars["host"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
