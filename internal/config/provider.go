package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/athorsen/portcullis/internal/audit"
	"github.com/athorsen/portcullis/internal/gateway"
	"github.com/athorsen/portcullis/internal/keyring"
	"github.com/athorsen/portcullis/internal/policy"
	"github.com/athorsen/portcullis/internal/route"
	"github.com/athorsen/portcullis/internal/trust"
)

// Provider constructs all gateway components from configuration.
// Construction is fail-closed: a missing issuer, empty rule list, or empty
// routing table is a startup error, never a permissive default.
type Provider struct {
	config *Config

	// Lazily constructed components (cached after first call)
	resolver  *keyring.Resolver
	verifier  *trust.Verifier
	engine    *policy.Engine
	routes    *route.Table
	auditLog  *audit.Logger
	auditSink io.Closer
	logger    *slog.Logger
}

// NewProvider creates a new provider from configuration
func NewProvider(config *Config) *Provider {
	return &Provider{config: config}
}

// KeyResolver returns the configured JWKS key resolver
func (p *Provider) KeyResolver() (*keyring.Resolver, error) {
	if p.resolver != nil {
		return p.resolver, nil
	}

	if p.config.Issuer.JWKSURL == "" {
		return nil, errors.New("issuer.jwks_url is required")
	}

	ttl, err := parseDuration(p.config.Issuer.CacheTTL, keyring.DefaultCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer.cache_ttl: %w", err)
	}
	fetchTimeout, err := parseDuration(p.config.Issuer.FetchTimeout, keyring.DefaultFetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer.fetch_timeout: %w", err)
	}

	resolver, err := keyring.NewResolver(keyring.Config{
		JWKSURL:      p.config.Issuer.JWKSURL,
		CacheTTL:     ttl,
		FetchTimeout: fetchTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key resolver: %w", err)
	}

	p.resolver = resolver
	return resolver, nil
}

// Verifier returns the configured token verifier
func (p *Provider) Verifier() (*trust.Verifier, error) {
	if p.verifier != nil {
		return p.verifier, nil
	}

	resolver, err := p.KeyResolver()
	if err != nil {
		return nil, err
	}

	verifier, err := trust.NewVerifier(trust.VerifierConfig{
		Issuer:        p.config.Issuer.Name,
		Keys:          resolver,
		Algorithms:    p.config.Issuer.Algorithms,
		UsernameClaim: p.config.Issuer.UsernameClaim,
		RolesClaim:    p.config.Issuer.RolesClaim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	p.verifier = verifier
	return verifier, nil
}

// PolicyEngine returns the configured policy engine
func (p *Provider) PolicyEngine() (*policy.Engine, error) {
	if p.engine != nil {
		return p.engine, nil
	}

	rules, err := p.loadRules()
	if err != nil {
		return nil, err
	}

	engine, err := policy.NewEngine(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	p.engine = engine
	return engine, nil
}

// ReloadPolicy re-reads the rules file and swaps the running rule snapshot.
// Only file-backed policies are reloadable; inline rules require a restart.
func (p *Provider) ReloadPolicy() error {
	if p.engine == nil {
		return errors.New("policy engine not constructed")
	}
	if p.config.Policy.RulesFile == "" {
		return errors.New("policy is inline; reload requires policy.rules_file")
	}
	rules, err := policy.LoadRulesFile(p.config.Policy.RulesFile)
	if err != nil {
		return err
	}
	return p.engine.Reload(rules)
}

func (p *Provider) loadRules() ([]policy.Rule, error) {
	if p.config.Policy.RulesFile != "" {
		return policy.LoadRulesFile(p.config.Policy.RulesFile)
	}

	rules := make([]policy.Rule, 0, len(p.config.Policy.Rules))
	for _, rc := range p.config.Policy.Rules {
		rules = append(rules, policy.Rule{
			ID:      rc.ID,
			Effect:  policy.Effect(rc.Effect),
			Path:    rc.Path,
			Match:   policy.MatchType(rc.Match),
			Methods: rc.Methods,
			Principal: policy.Principal{
				Kind:     policy.PrincipalKind(rc.Principal.Kind),
				Username: rc.Principal.Username,
				Role:     rc.Principal.Role,
			},
		})
	}
	return rules, nil
}

// RouteTable returns the configured routing table
func (p *Provider) RouteTable() (*route.Table, error) {
	if p.routes != nil {
		return p.routes, nil
	}

	routes := make([]route.Route, 0, len(p.config.Routes))
	for _, rc := range p.config.Routes {
		routes = append(routes, route.Route{
			Prefix:        rc.Prefix,
			Backend:       rc.Backend,
			Target:        rc.Target,
			RewritePrefix: rc.RewritePrefix,
		})
	}

	table, err := route.NewTable(routes)
	if err != nil {
		return nil, fmt.Errorf("failed to create routing table: %w", err)
	}

	p.routes = table
	return table, nil
}

// AuditLogger returns the configured audit logger
func (p *Provider) AuditLogger() (*audit.Logger, error) {
	if p.auditLog != nil {
		return p.auditLog, nil
	}

	var w io.Writer
	switch p.config.Audit.Sink {
	case "", "stdout":
		w = os.Stdout
	case "file":
		if p.config.Audit.Path == "" {
			return nil, errors.New("audit.path is required for the file sink")
		}
		f, err := os.OpenFile(p.config.Audit.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit sink: %w", err)
		}
		p.auditSink = f
		w = f
	default:
		return nil, fmt.Errorf("unknown audit sink %q (want stdout or file)", p.config.Audit.Sink)
	}

	p.auditLog = audit.NewLogger(w)
	return p.auditLog, nil
}

// Pipeline returns the fully wired request pipeline
func (p *Provider) Pipeline() (*gateway.Pipeline, error) {
	verifier, err := p.Verifier()
	if err != nil {
		return nil, err
	}
	engine, err := p.PolicyEngine()
	if err != nil {
		return nil, err
	}
	routes, err := p.RouteTable()
	if err != nil {
		return nil, err
	}
	auditLog, err := p.AuditLogger()
	if err != nil {
		return nil, err
	}

	upstreamTimeout, err := parseDuration(p.config.Upstream.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream.timeout: %w", err)
	}

	forwarder := gateway.NewForwarder(gateway.ForwarderConfig{
		Timeout:       upstreamTimeout,
		RetryAttempts: p.config.Upstream.RetryAttempts,
		ClaimsHeader:  p.config.Upstream.ClaimsHeader,
		Logger:        p.Logger(),
	})

	return gateway.New(gateway.Config{
		Verifier:  verifier,
		Policy:    engine,
		Routes:    routes,
		Forwarder: forwarder,
		Audit:     auditLog,
		Logger:    p.Logger(),
	})
}

// Logger returns the operational logger built from log config
func (p *Provider) Logger() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}

	var level slog.Level
	switch p.config.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if p.config.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	p.logger = slog.New(handler)
	return p.logger
}

// ShutdownTimeout returns the configured graceful drain bound
func (p *Provider) ShutdownTimeout() (time.Duration, error) {
	return parseDuration(p.config.Server.ShutdownTimeout, 10*time.Second)
}

// Close releases resources held by constructed components (the audit sink)
func (p *Provider) Close() error {
	if p.auditSink != nil {
		return p.auditSink.Close()
	}
	return nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}
