package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/clawlets/clawlets/pkg/authz"
	"github.com/clawlets/clawlets/pkg/engine"
	"github.com/clawlets/clawlets/pkg/erasure"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/log"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/retention"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// Config holds the server dependencies.
type Config struct {
	Engine *engine.Engine
	Store  storage.Store

	// Broker feeds the /ws/events stream; nil disables it.
	Broker *events.Broker

	// Sweeper and Eraser back the maintenance endpoints; nil disables
	// the corresponding endpoint with a conflict error.
	Sweeper *retention.Sweeper
	Eraser  *erasure.Worker

	// AuthDisabled maps every operator request to the development
	// principal. OperatorTokens is the static bearer table otherwise,
	// token to user id.
	AuthDisabled   bool
	OperatorTokens map[string]string

	// MaintenanceEnabled exposes the /maintenance routes. Hidden routes
	// answer 404 like any unknown path.
	MaintenanceEnabled bool

	Version string
}

// Server is the HTTP surface of the control plane: runner ingest routes,
// the operator /v1 API, health and metrics, the event stream, and the
// gated maintenance routes.
type Server struct {
	engine *engine.Engine
	store  storage.Store
	broker *events.Broker

	sweeper *retention.Sweeper
	eraser  *erasure.Worker

	authDisabled bool
	tokens       map[string]string
	maintenance  bool
	version      string

	router    *mux.Router
	http      *http.Server
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// NewServer assembles the router. Start binds the listener.
func NewServer(cfg Config) *Server {
	s := &Server{
		engine:       cfg.Engine,
		store:        cfg.Store,
		broker:       cfg.Broker,
		sweeper:      cfg.Sweeper,
		eraser:       cfg.Eraser,
		authDisabled: cfg.AuthDisabled,
		tokens:       cfg.OperatorTokens,
		maintenance:  cfg.MaintenanceEnabled,
		version:      cfg.Version,
		logger:       log.WithComponent("api"),
		startedAt:    time.Now(),
	}
	s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP on addr until Shutdown. WriteTimeout stays unset so
// the websocket stream is not cut; slow clients are bounded by the
// header timeout and the broker's drop policy instead.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http api listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: errorInfo{
			Code:    "method_not_allowed",
			Message: "method not allowed",
		}})
	})
	r.Use(s.recoverMiddleware, s.logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/events", s.handleEventStream).Methods(http.MethodGet)

	runner := r.PathPrefix("/runner").Subrouter()
	runner.HandleFunc("/heartbeat", s.handleRunnerHeartbeat).Methods(http.MethodPost)
	runner.HandleFunc("/jobs/lease-next", s.handleLeaseNext).Methods(http.MethodPost)
	runner.HandleFunc("/jobs/heartbeat", s.handleJobHeartbeat).Methods(http.MethodPost)
	runner.HandleFunc("/jobs/complete", s.handleJobComplete).Methods(http.MethodPost)
	runner.HandleFunc("/run-events/append-batch", s.handleAppendRunEvents).Methods(http.MethodPost)
	runner.HandleFunc("/metadata/sync", s.handleMetadataSync).Methods(http.MethodPost)
	runner.HandleFunc("/results/upload", s.handleResultUpload).Methods(http.MethodPost)

	op := r.PathPrefix("/v1").Subrouter()
	op.Use(s.operatorAuth)
	op.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	op.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}", s.handleGetProject).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/members", s.handleAddMember).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/members", s.handleListMembers).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/members/{user}", s.handleRemoveMember).Methods(http.MethodDelete)
	op.HandleFunc("/projects/{id}/policy", s.handleSetPolicy).Methods(http.MethodPut)
	op.HandleFunc("/projects/{id}/policy", s.handleGetPolicy).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/audit", s.handleQueryAudit).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/runners", s.handleRegisterRunner).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/runners", s.handleListRunners).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/runners/{rid}/tokens", s.handleIssueToken).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/runners/{rid}/tokens", s.handleListTokens).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/tokens/{tid}", s.handleRevokeToken).Methods(http.MethodDelete)
	op.HandleFunc("/projects/{id}/jobs", s.handleEnqueue).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/jobs", s.handleListJobs).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/jobs/reserve-sealed", s.handleReserveSealed).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/jobs/{jid}/finalize-sealed", s.handleFinalizeSealed).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/jobs/{jid}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/jobs/{jid}", s.handleGetJob).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/hosts", s.handleListHosts).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/gateways", s.handleListGateways).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/runs", s.handleListRuns).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/runs/{rid}", s.handleGetRun).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/runs/{rid}/events", s.handleListRunEvents).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/runs/{rid}/jobs/{jid}/result/take", s.handleTakeResult).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/delete/start", s.handleDeleteStart).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/delete/confirm", s.handleDeleteConfirm).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/delete/status", s.handleDeleteStatus).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/drafts/{host}/commit", s.handleDraftCommit).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/drafts/{host}/complete", s.handleDraftComplete).Methods(http.MethodPost)
	op.HandleFunc("/projects/{id}/drafts/{host}/{section}", s.handlePutDraftSection).Methods(http.MethodPut)
	op.HandleFunc("/projects/{id}/drafts/{host}", s.handleGetDraft).Methods(http.MethodGet)
	op.HandleFunc("/projects/{id}/drafts/{host}", s.handleDiscardDraft).Methods(http.MethodDelete)

	maint := r.PathPrefix("/maintenance").Subrouter()
	maint.Use(s.maintenanceGate, s.operatorAuth)
	maint.HandleFunc("/results/purge", s.handleMaintenancePurgeResults).Methods(http.MethodPost)
	maint.HandleFunc("/retention/sweep", s.handleMaintenanceSweep).Methods(http.MethodPost)
	maint.HandleFunc("/tenant/purge", s.handleMaintenanceTenantPurge).Methods(http.MethodPost)
	maint.HandleFunc("/indexes/backfill", s.handleMaintenanceBackfill).Methods(http.MethodPost)

	s.router = r
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade hijacks the connection; wrapping the
		// writer would hide the Hijacker interface from the upgrader.
		if r.URL.Path == "/ws/events" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorInfo{
					Code:    "internal",
					Message: "internal error",
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maintenanceGate hides the maintenance routes entirely when the flag is
// off, so probing them looks no different from any unknown path.
func (s *Server) maintenanceGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.maintenance {
			writeNotFound(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type principalKey struct{}

// operatorAuth resolves the caller's principal. With auth disabled every
// request runs as the development principal; otherwise the bearer token
// must appear in the static operator table.
func (s *Server) operatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal types.Principal
		if s.authDisabled {
			principal = types.Principal{UserID: authz.DevUserID}
		} else {
			raw, ok := security.ParseBearer(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, errdefs.Unauthorized("missing or malformed authorization header"))
				return
			}
			user, ok := s.tokens[raw]
			if !ok {
				writeError(w, errdefs.Unauthorized("unknown operator token"))
				return
			}
			principal = types.Principal{UserID: user}
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) types.Principal {
	principal, _ := r.Context().Value(principalKey{}).(types.Principal)
	return principal
}
