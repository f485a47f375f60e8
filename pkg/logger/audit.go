package logger

import (
	"context"
	"log/slog"
)

// LoginAudit describes one finished login attempt
type LoginAudit struct {
	Identity  string
	UserID    string
	Origin    string
	UserAgent string
	Step      string // last pipeline step that ran
	Outcome   string
	Tier      int
}

// AuditLogger writes the security audit trail as structured log lines tagged
// audit=true so they can be routed separately from application logs.
// Identities are always masked.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.With(slog.Bool("audit", true))}
}

// Login records a login attempt. Successes log at info, everything else at warn.
func (al *AuditLogger) Login(ctx context.Context, a LoginAudit) {
	level, msg := slog.LevelInfo, "login succeeded"
	if a.Outcome != "success" {
		level, msg = slog.LevelWarn, "login rejected"
	}

	attrs := []slog.Attr{
		slog.String("identity", SanitizedEmail(a.Identity)),
		slog.String("origin", a.Origin),
		slog.String("step", a.Step),
		slog.String("outcome", a.Outcome),
		slog.Int("tier", a.Tier),
	}
	if a.UserID != "" {
		attrs = append(attrs, slog.String("user_id", a.UserID))
	}
	if a.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", a.UserAgent))
	}

	al.logger.LogAttrs(ctx, level, msg, attrs...)
}

// AdminAction records an operator intervention such as a manual unlock
func (al *AuditLogger) AdminAction(ctx context.Context, action, actorID, identity string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{
		slog.String("action", action),
		slog.String("actor_id", actorID),
		slog.String("identity", SanitizedEmail(identity)),
	}, extra...)

	al.logger.LogAttrs(ctx, slog.LevelInfo, "admin action", attrs...)
}
