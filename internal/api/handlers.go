package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tripwire/ftrace/internal/audit"
	"github.com/tripwire/ftrace/internal/session"
)

// Server holds the dependencies needed by the control API's handlers.
type Server struct {
	controller *session.Controller
	logger     *slog.Logger
	auditLog   *audit.Logger
}

// NewServer creates a Server driving controller. auditLog may be nil, in
// which case finish/disable/enable requests are not recorded.
func NewServer(controller *session.Controller, logger *slog.Logger, auditLog *audit.Logger) *Server {
	return &Server{controller: controller, logger: logger, auditLog: auditLog}
}

// recordAction appends action to the audit log, if configured, tagged with
// the caller's JWT subject as the actor. A write failure is logged, not
// propagated, since the control action already took effect on the session.
func (s *Server) recordAction(r *http.Request, action audit.Action) {
	if s.auditLog == nil {
		return
	}
	actor := ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		actor = claims.Subject
	}
	if _, err := s.auditLog.Append(action, actor); err != nil {
		s.logger.Warn("api: audit append failed", slog.String("action", string(action)), slog.Any("error", err))
	}
}

// handleHealthz responds to GET /healthz with HTTP 200 so load balancers
// and orchestrators can verify liveness independent of session state.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// sessionView is the JSON body returned by GET /v1/session.
type sessionView struct {
	State       string `json:"state"`
	ModuleCount int    `json:"module_count"`
	ThreadCount int    `json:"thread_count"`
	DetachError string `json:"detach_error,omitempty"`
}

// handleGetSession responds to GET /v1/session with a snapshot of the
// session's lifecycle state.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	st := s.controller.Status()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessionView{
		State:       st.State,
		ModuleCount: st.ModuleCount,
		ThreadCount: st.ThreadCount,
		DetachError: st.DetachError,
	})
}

// handleFinish responds to POST /v1/finish, requesting an early flush of
// the current session. Returns HTTP 409 if the session has not reached
// Tracing.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Finish(); err != nil {
		if errors.Is(err, session.ErrNotArmed) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordAction(r, audit.ActionFinish)
	w.WriteHeader(http.StatusNoContent)
}

// handleDisable responds to POST /v1/disable, suspending record emission
// without tearing down the patch table.
func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.controller.Disable()
	s.recordAction(r, audit.ActionDisable)
	w.WriteHeader(http.StatusNoContent)
}

// handleEnable responds to POST /v1/enable, resuming record emission after
// a prior Disable.
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.controller.Enable()
	s.recordAction(r, audit.ActionEnable)
	w.WriteHeader(http.StatusNoContent)
}
