// Package probe provides request-scoped observability hooks for the gateway
// pipeline. The pipeline reports stage transitions to a probe; the logging
// implementation turns them into structured debug logs without the pipeline
// knowing anything about log formats.
package probe

import (
	"context"
	"log/slog"
)

// Observer creates request-scoped probes
type Observer interface {
	// RequestStarted is called when a request enters the pipeline. The
	// returned probe receives that request's stage events.
	RequestStarted(ctx context.Context, requestID, method, path string) RequestProbe
}

// RequestProbe receives the stage events of a single request
type RequestProbe interface {
	// Authenticated is called after token verification succeeds
	Authenticated(subject, username string)

	// AuthenticationFailed is called when token verification fails
	AuthenticationFailed(err error)

	// Decided is called after policy evaluation
	Decided(ruleID string, allowed bool)

	// Routed is called after a backend was selected
	Routed(backend, rewrittenPath string)

	// Completed is called with the final status and reason
	Completed(status int, reason string)
}

// loggingObserver creates request-scoped logging probes
type loggingObserver struct {
	logger *slog.Logger
}

// NewLoggingObserver creates an observer that logs pipeline stage events
// using structured logging with slog.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingObserver{logger: logger}
}

func (o *loggingObserver) RequestStarted(ctx context.Context, requestID, method, path string) RequestProbe {
	logger := o.logger.With(
		slog.String("request_id", requestID),
		slog.String("method", method),
		slog.String("path", path),
	)
	logger.LogAttrs(ctx, slog.LevelDebug, "request started")

	return &loggingProbe{ctx: ctx, logger: logger}
}

// loggingProbe logs events for a single request
type loggingProbe struct {
	ctx    context.Context
	logger *slog.Logger
}

func (p *loggingProbe) Authenticated(subject, username string) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "token verified",
		slog.String("subject", subject),
		slog.String("username", username),
	)
}

func (p *loggingProbe) AuthenticationFailed(err error) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "token rejected",
		slog.String("error", err.Error()),
	)
}

func (p *loggingProbe) Decided(ruleID string, allowed bool) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "policy decided",
		slog.String("rule_id", ruleID),
		slog.Bool("allowed", allowed),
	)
}

func (p *loggingProbe) Routed(backend, rewrittenPath string) {
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "request routed",
		slog.String("backend", backend),
		slog.String("rewritten_path", rewrittenPath),
	)
}

func (p *loggingProbe) Completed(status int, reason string) {
	attrs := []slog.Attr{slog.Int("status", status)}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	p.logger.LogAttrs(p.ctx, slog.LevelDebug, "request completed", attrs...)
}
