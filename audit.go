package goAuthClient

import (
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/MrEthical07/goAuthClient/internal/audit"
	"github.com/rs/zerolog"
)

// AuditEvent is one session lifecycle event. Tokens and passwords never
// appear in events.
type AuditEvent = audit.Event

// AuditSink receives lifecycle events from the controller's dispatcher goroutine.
type AuditSink = audit.Sink

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc = audit.FuncSink

type (
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
)

func NewChannelSink(buffer int) *ChannelSink { return audit.NewChannelSink(buffer) }

func NewJSONWriterSink(w io.Writer) *JSONWriterSink { return audit.NewJSONWriterSink(w) }

const (
	AuditLoginSuccess     = "login_success"
	AuditLoginFailure     = "login_failure"
	AuditRegisterSuccess  = "register_success"
	AuditRegisterPending  = "register_pending"
	AuditRegisterFailure  = "register_failure"
	AuditLogout           = "logout"
	AuditForcedLogout     = "forced_logout"
	AuditRefreshSuccess   = "refresh_success"
	AuditRefreshFailure   = "refresh_failure"
	AuditRefreshDiscarded = "refresh_discarded"
	AuditBootstrap        = "bootstrap"
	AuditStateChange      = "state_change"
)

// ZerologSink writes events to a zerolog logger. Forced logouts and failures
// are logged at warn level, everything else at info.
type ZerologSink struct {
	Logger zerolog.Logger
}

func (s ZerologSink) Emit(_ context.Context, ev AuditEvent) {
	e := s.Logger.Info()
	if !ev.Success || ev.EventType == AuditForcedLogout {
		e = s.Logger.Warn()
	}
	e = e.Time("at", ev.Timestamp).Str("event", ev.EventType)
	if ev.UserID != "" {
		e = e.Str("user_id", ev.UserID)
	}
	if ev.From != "" || ev.To != "" {
		e = e.Str("from", ev.From).Str("to", ev.To)
	}
	if ev.Reason != "" {
		e = e.Str("reason", ev.Reason)
	}
	if ev.Error != "" {
		e = e.Str("error", ev.Error)
	}
	for k, v := range ev.Metadata {
		e = e.Str(k, v)
	}
	e.Bool("success", ev.Success).Msg("auth session event")
}

func userIDString(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// emitAudit queues an event. Must not be called with c.mu held when the
// dispatcher may block.
func (c *Controller) emitAudit(ev AuditEvent) {
	if c.audit == nil {
		return
	}
	c.audit.Emit(context.Background(), ev)
}

func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountDeactivated):
		return "account_deactivated"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "backend_error"
	}
}
