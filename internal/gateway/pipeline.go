package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/athorsen/portcullis/internal/audit"
	"github.com/athorsen/portcullis/internal/claims"
	"github.com/athorsen/portcullis/internal/clock"
	"github.com/athorsen/portcullis/internal/metrics"
	"github.com/athorsen/portcullis/internal/policy"
	"github.com/athorsen/portcullis/internal/probe"
	"github.com/athorsen/portcullis/internal/route"
	"github.com/athorsen/portcullis/internal/trust"
)

// Verifier validates a raw bearer token and returns verified claims
type Verifier interface {
	Verify(ctx context.Context, raw string) (*claims.Context, error)
}

// Config configures a Pipeline
type Config struct {
	Verifier  Verifier
	Policy    *policy.Engine
	Routes    *route.Table
	Forwarder *Forwarder
	Audit     *audit.Logger

	// Clock is an optional clock for testing (defaults to system clock)
	Clock clock.Clock

	// Logger is the operational logger (defaults to slog.Default)
	Logger *slog.Logger

	// Observer receives request-scoped stage events
	// (defaults to a logging observer on Logger)
	Observer probe.Observer
}

// Pipeline handles one request end to end:
//
//	verify token -> evaluate policy -> route -> forward -> audit
//
// Authentication and authorization failures synthesize a local 401/403
// without contacting any backend. Every exit path, including upstream
// failures and client cancellation, emits exactly one audit record.
type Pipeline struct {
	verifier  Verifier
	policy    *policy.Engine
	routes    *route.Table
	forwarder *Forwarder
	audit     *audit.Logger
	clock     clock.Clock
	logger    *slog.Logger
	observer  probe.Observer
}

// New creates a pipeline. All components except Clock and Logger are
// required; the constructor fails rather than building a gateway that could
// skip a stage.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("policy engine is required")
	}
	if cfg.Routes == nil {
		return nil, errors.New("routing table is required")
	}
	if cfg.Forwarder == nil {
		return nil, errors.New("forwarder is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("audit logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = probe.NewLoggingObserver(cfg.Logger)
	}
	return &Pipeline{
		verifier:  cfg.Verifier,
		policy:    cfg.Policy,
		routes:    cfg.Routes,
		forwarder: cfg.Forwarder,
		audit:     cfg.Audit,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}, nil
}

// ServeHTTP implements http.Handler
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := p.clock.Now()

	// Policy, routing, and the forwarded request all see the normalized
	// path. Evaluating the raw path would let a dot-segment spelling of a
	// denied resource slip past a deny rule and be re-normalized by the
	// backend into the very resource the rule protects.
	reqPath := normalizePath(r.URL.Path)

	rec := &audit.Record{
		RequestID: uuid.NewString(),
		Method:    r.Method,
		Path:      reqPath,
	}
	pr := p.observer.RequestStarted(r.Context(), rec.RequestID, r.Method, reqPath)

	identity, err := p.authenticate(r)
	if err != nil {
		pr.AuthenticationFailed(err)
		reason := verificationReason(err)
		p.reject(w, http.StatusUnauthorized, reason)
		p.emit(r.Context(), rec, pr, http.StatusUnauthorized, audit.DecisionUnauthenticated, reason, start)
		return
	}
	pr.Authenticated(identity.Subject, identity.Username)

	// Identity goes into the record before policy runs: a later denial must
	// still be attributable to who was denied.
	subject := identity.Subject
	username := identity.Username
	rec.Subject = &subject
	rec.Username = &username

	decision := p.policy.Decide(r.Method, reqPath, identity)
	rec.RuleID = decision.RuleID
	pr.Decided(decision.RuleID, decision.Allowed)
	if !decision.Allowed {
		p.reject(w, http.StatusForbidden, "policy_denied")
		p.emit(r.Context(), rec, pr, http.StatusForbidden, audit.DecisionDeny, "policy_denied", start)
		return
	}

	match, err := p.routes.Match(reqPath)
	if err != nil {
		p.reject(w, http.StatusNotFound, "no_route")
		p.emit(r.Context(), rec, pr, http.StatusNotFound, audit.DecisionAllow, "no_route", start)
		return
	}
	rec.Backend = match.Backend
	pr.Routed(match.Backend, match.Path)

	status, reason := p.forwarder.Forward(w, r, match, identity, rec.RequestID)
	switch reason {
	case reasonClientCanceled:
		// Nothing can be written to a gone client; record and stop
	case reasonUpstreamTimeout, reasonUpstreamUnreachable:
		p.reject(w, status, reason)
	}
	p.emit(r.Context(), rec, pr, status, audit.DecisionAllow, reason, start)
}

// authenticate extracts the bearer token and verifies it.
// A missing or non-Bearer Authorization header is a missing token.
func (p *Pipeline) authenticate(r *http.Request) (*claims.Context, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, trust.ErrTokenMissing
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("%w: unsupported authorization scheme", trust.ErrTokenMissing)
	}
	return p.verifier.Verify(r.Context(), token)
}

// reject synthesizes a local JSON error response
func (p *Pipeline) reject(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": reason}); err != nil {
		p.logger.Warn("failed to write error response", slog.String("error", err.Error()))
	}
}

// emit finalizes and writes the audit record. It is the single audit exit:
// every terminal path above flows through here exactly once.
func (p *Pipeline) emit(ctx context.Context, rec *audit.Record, pr probe.RequestProbe, status int, decision audit.Decision, reason string, start time.Time) {
	rec.Status = status
	rec.Decision = decision
	rec.Reason = reason
	rec.Latency = p.clock.Now().Sub(start)

	pr.Completed(status, reason)
	p.audit.Write(ctx, rec)

	metrics.RequestsTotal.WithLabelValues(string(decision)).Inc()
	metrics.RequestDurationSeconds.WithLabelValues(string(decision)).Observe(rec.Latency.Seconds())
}

// normalizePath resolves dot segments and collapses empty segments before
// any matching happens, so /a/../b and //b are the same request as /b.
// A trailing slash is kept; prefix matching treats it as a segment boundary
// anyway.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	clean := path.Clean(p)
	if clean != "/" && strings.HasSuffix(p, "/") {
		clean += "/"
	}
	return clean
}

// verificationReason maps a verification error to the audit reason code
func verificationReason(err error) string {
	switch {
	case errors.Is(err, trust.ErrTokenMissing):
		return "token_missing"
	case errors.Is(err, trust.ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, trust.ErrAlgorithmNotAllowed):
		return "algorithm_not_allowed"
	case errors.Is(err, trust.ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, trust.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, trust.ErrIssuerMismatch):
		return "issuer_mismatch"
	case errors.Is(err, trust.ErrTokenExpired):
		return "expired"
	case errors.Is(err, trust.ErrTokenNotYetValid):
		return "not_yet_valid"
	}
	return "invalid_token"
}
