package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"corpportal.org/internal/auth"
	"corpportal.org/internal/ids"
	"corpportal.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes security events as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink over l, or the shared logger when l is nil.
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = obs.Logger()
	}
	return &LogSink{logger: l.Named("audit")}
}

// Record implements auth.AuditSink.
func (s *LogSink) Record(ctx context.Context, ev auth.SecurityEvent) error {
	if ev.Kind == "" {
		return errors.New("audit: event kind is required")
	}
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.Time("occurred_at", ev.Timestamp),
	}
	if ev.SubjectID != "" {
		fields = append(fields, zap.String("subject_id", ev.SubjectID))
	}
	if ev.Subject != "" {
		fields = append(fields, zap.String("subject", ev.Subject))
	}
	if ev.Origin.Address != "" {
		fields = append(fields, zap.String("remote_addr", ev.Origin.Address))
	}
	if ev.Origin.Agent != "" {
		fields = append(fields, zap.String("user_agent", ev.Origin.Agent))
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}
	if actor, ok := auth.SubjectIDFromContext(ctx); ok {
		fields = append(fields, zap.String("actor_id", actor))
	}
	if len(ev.Detail) > 0 {
		fields = append(fields, zap.Any("detail", ev.Detail))
	}
	s.logger.Info("security_event", fields...)
	return nil
}

// LogEvent writes an ad-hoc audit entry for actions outside the login flow,
// such as operator tooling.
func LogEvent(ctx context.Context, event string, fields map[string]string) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	ev := auth.SecurityEvent{
		ID:        ids.New(),
		Kind:      auth.EventKind(event),
		Timestamp: time.Now().UTC(),
		Detail:    fields,
	}
	return NewLogSink(nil).Record(ctx, ev)
}
