// Package control implements the tracer's remote control plane, a
// tracepb.TraceControlServer wired directly to a session.Controller. It
// mirrors the shape of the teacher's alert ingestion service
// (internal/server/grpc.AlertService/NewAlertService): a small struct
// holding the one collaborator it needs, a constructor, and one method per
// RPC that translates domain errors into grpc/status codes.
package control

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	tracepb "github.com/tripwire/ftrace/proto/tracepb"

	"github.com/tripwire/ftrace/internal/audit"
	"github.com/tripwire/ftrace/internal/session"
)

// Server implements tracepb.TraceControlServer against a single traced
// session. One Server is created per traced process.
type Server struct {
	tracepb.UnimplementedTraceControlServer

	controller *session.Controller
	logger     *slog.Logger

	// auditLog records every Finish/Disable/Enable call in a tamper-evident
	// hash chain so a later inspector can tell whether the control history
	// for this session was altered. nil disables audit logging.
	auditLog *audit.Logger
}

// NewServer creates a Server that drives controller's lifecycle triggers.
// auditLog may be nil, in which case control-plane calls are not recorded.
func NewServer(controller *session.Controller, logger *slog.Logger, auditLog *audit.Logger) *Server {
	return &Server{controller: controller, logger: logger, auditLog: auditLog}
}

// recordAction appends action to the audit log, if configured, logging
// (rather than failing the RPC on) any write error: a control action that
// already took effect on the session must not be rolled back because its
// audit trail could not be written. The gRPC control plane does not yet
// authenticate callers, so every entry it appends has an empty actor.
func (s *Server) recordAction(action audit.Action) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(action, ""); err != nil {
		s.logger.Warn("control: audit append failed", slog.String("action", string(action)), slog.Any("error", err))
	}
}

// Finish implements tracepb.TraceControlServer.Finish, the RPC equivalent
// of the trace control API's POST /v1/finish: requests an early flush of
// the current session, the same trigger a SIGUSR2 or a finish() runtime
// call would raise in-process.
func (s *Server) Finish(ctx context.Context, req *tracepb.FinishRequest) (*tracepb.FinishResponse, error) {
	if err := s.controller.Finish(); err != nil {
		if errors.Is(err, session.ErrNotArmed) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		s.logger.Error("control: finish failed", slog.Any("error", err))
		return nil, status.Errorf(codes.Internal, "finish: %v", err)
	}
	s.recordAction(audit.ActionFinish)
	return &tracepb.FinishResponse{Ok: true}, nil
}

// Disable implements tracepb.TraceControlServer.Disable, suspending record
// emission without tearing down the patch table, mirroring POST
// /v1/disable.
func (s *Server) Disable(ctx context.Context, req *tracepb.DisableRequest) (*tracepb.DisableResponse, error) {
	s.controller.Disable()
	s.recordAction(audit.ActionDisable)
	return &tracepb.DisableResponse{Ok: true}, nil
}

// Enable implements tracepb.TraceControlServer.Enable, resuming record
// emission after a prior Disable, mirroring POST /v1/enable.
func (s *Server) Enable(ctx context.Context, req *tracepb.EnableRequest) (*tracepb.EnableResponse, error) {
	s.controller.Enable()
	s.recordAction(audit.ActionEnable)
	return &tracepb.EnableResponse{Ok: true}, nil
}

// Status implements tracepb.TraceControlServer.Status, mirroring GET
// /v1/session.
func (s *Server) Status(ctx context.Context, req *tracepb.StatusRequest) (*tracepb.StatusResponse, error) {
	st := s.controller.Status()
	return &tracepb.StatusResponse{
		State:       st.State,
		ModuleCount: int32(st.ModuleCount),
		ThreadCount: int32(st.ThreadCount),
		DetachError: st.DetachError,
	}, nil
}
