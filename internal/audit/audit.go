package audit

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Decision is the recorded outcome of a request
type Decision string

const (
	// DecisionAllow covers every request that passed policy, including ones
	// that later failed at routing or upstream
	DecisionAllow Decision = "allow"

	// DecisionDeny is a policy denial for a verified identity
	DecisionDeny Decision = "deny"

	// DecisionUnauthenticated is a request rejected before policy because no
	// token verified
	DecisionUnauthenticated Decision = "unauthenticated"
)

// Record is the access record emitted exactly once per request, on every
// exit path. Subject and Username are nil unless a token was structurally
// verified; they are populated even when policy then denied the request,
// because a denial trail without identity is useless.
//
// A Record never carries the raw token or signature material.
type Record struct {
	RequestID string
	Method    string
	Path      string
	Status    int
	Decision  Decision

	// RuleID is the matched policy rule, empty when no rule matched
	RuleID string

	// Subject and Username come from verified claims only
	Subject  *string
	Username *string

	// Backend is the routed backend name, empty before routing
	Backend string

	// Reason is a short machine-readable cause for non-2xx outcomes,
	// e.g. "expired", "signature_invalid", "no_route", "upstream_timeout"
	Reason string

	Latency time.Duration
}

// Logger emits one line-delimited JSON record per request to a sink
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates an audit logger writing to the given sink
func NewLogger(w io.Writer) *Logger {
	return &Logger{
		logger: slog.New(slog.NewJSONHandler(w, nil)),
	}
}

// Write emits the record. The handler serializes concurrent writers, so one
// request's record never interleaves with another's.
func (l *Logger) Write(ctx context.Context, rec *Record) {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "access",
		slog.String("request_id", rec.RequestID),
		slog.String("method", rec.Method),
		slog.String("path", rec.Path),
		slog.Int("status", rec.Status),
		slog.String("decision", string(rec.Decision)),
		slog.String("rule_id", rec.RuleID),
		slog.Any("subject", rec.Subject),
		slog.Any("username", rec.Username),
		slog.String("backend", rec.Backend),
		slog.String("reason", rec.Reason),
		slog.Float64("latency_ms", float64(rec.Latency)/float64(time.Millisecond)),
	)
}
