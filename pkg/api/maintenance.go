package api

import (
	"net/http"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/storage"
)

// maintenancePurgeBatch bounds one purge call so the request returns
// promptly; operators call again until purged comes back zero.
const maintenancePurgeBatch = 500

func (s *Server) handleMaintenancePurgeResults(w http.ResponseWriter, r *http.Request) {
	purged, err := s.engine.PurgeExpiredResults(r.Context(), maintenancePurgeBatch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": purged})
}

func (s *Server) handleMaintenanceSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, errdefs.Conflict("retention sweeper is not running"))
		return
	}
	report, err := s.sweeper.Sweep("maintenance")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projectsScanned":  report.ProjectsScanned,
		"runEventsDeleted": report.RunEventsDeleted,
		"auditLogsDeleted": report.AuditLogsDeleted,
		"runsDeleted":      report.RunsDeleted,
		"continued":        report.Continued,
	})
}

func (s *Server) handleMaintenanceTenantPurge(w http.ResponseWriter, r *http.Request) {
	if s.eraser == nil {
		writeError(w, errdefs.Conflict("erasure worker is not running"))
		return
	}
	var req struct {
		ProjectID string `json:"projectId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		writeBadRequest(w, "projectId is required")
		return
	}
	job, err := s.eraser.Purge(req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionJobJSON(job))
}

func (s *Server) handleMaintenanceBackfill(w http.ResponseWriter, r *http.Request) {
	var counts *storage.IndexBackfill
	err := s.store.Update(func(tx *storage.Tx) error {
		var err error
		counts, err = tx.BackfillIndexes()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":      counts.Jobs,
		"runs":      counts.Runs,
		"runEvents": counts.RunEvents,
		"audit":     counts.Audit,
		"results":   counts.Results,
		"blobs":     counts.Blobs,
		"tokens":    counts.Tokens,
	})
}
