package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/athorsen/portcullis/internal/audit"
	"github.com/athorsen/portcullis/internal/idptest"
	"github.com/athorsen/portcullis/internal/keyring"
	"github.com/athorsen/portcullis/internal/policy"
	"github.com/athorsen/portcullis/internal/route"
	"github.com/athorsen/portcullis/internal/trust"
)

// testGateway wires a full pipeline against an in-process identity provider
// and a recording backend.
type testGateway struct {
	idp      *idptest.Provider
	pipeline *Pipeline
	auditBuf *bytes.Buffer

	// lastBackendReq is the most recent request seen by the backend,
	// nil when the backend was never reached
	lastBackendReq *http.Request
}

type gatewayOptions struct {
	rules     []policy.Rule
	routes    []route.Route
	forwarder ForwarderConfig
}

func newTestGateway(t *testing.T, opts gatewayOptions) *testGateway {
	t.Helper()

	g := &testGateway{idp: idptest.New(t), auditBuf: &bytes.Buffer{}}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.lastBackendReq = r.Clone(context.Background())
		w.Header().Set("X-Backend", "ok")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"hello":"world"}`))
	}))
	t.Cleanup(backend.Close)

	resolver, err := keyring.NewResolver(keyring.Config{JWKSURL: g.idp.JWKSURL()})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	verifier, err := trust.NewVerifier(trust.VerifierConfig{
		Issuer: g.idp.Issuer,
		Keys:   resolver,
	})
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	if opts.rules == nil {
		opts.rules = []policy.Rule{
			{ID: "allow-alice", Effect: policy.EffectAllow, Path: "/alice",
				Principal: policy.Principal{Kind: policy.PrincipalUsername, Username: "alice"}},
			{ID: "allow-authenticated-api", Effect: policy.EffectAllow, Path: "/api",
				Principal: policy.Principal{Kind: policy.PrincipalAnyAuthenticated}},
		}
	}
	engine, err := policy.NewEngine(opts.rules)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	if opts.routes == nil {
		opts.routes = []route.Route{
			{Prefix: "/alice", Backend: "files", Target: backend.URL},
			{Prefix: "/api", Backend: "api", Target: backend.URL, RewritePrefix: "/v1"},
		}
	} else {
		for i := range opts.routes {
			if opts.routes[i].Target == "" {
				opts.routes[i].Target = backend.URL
			}
		}
	}
	table, err := route.NewTable(opts.routes)
	if err != nil {
		t.Fatalf("failed to create routing table: %v", err)
	}

	g.pipeline, err = New(Config{
		Verifier:  verifier,
		Policy:    engine,
		Routes:    table,
		Forwarder: NewForwarder(opts.forwarder),
		Audit:     audit.NewLogger(g.auditBuf),
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return g
}

func (g *testGateway) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	g.pipeline.ServeHTTP(w, req)
	return w
}

// auditRecords decodes every audit line written so far
func (g *testGateway) auditRecords(t *testing.T) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(g.auditBuf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("audit line is not valid JSON: %v\n%s", err, line)
		}
		records = append(records, entry)
	}
	return records
}

func (g *testGateway) lastAudit(t *testing.T) map[string]any {
	t.Helper()
	records := g.auditRecords(t)
	if len(records) == 0 {
		t.Fatal("no audit records written")
	}
	return records[len(records)-1]
}

func TestPipelineForwardsAllowedRequest(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice", Roles: []string{"viewer"}})

	w := g.do(t, "GET", "/alice/photos?page=2", token)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"hello":"world"}` {
		t.Errorf("body = %q, want backend body", w.Body.String())
	}
	if w.Header().Get("X-Backend") != "ok" {
		t.Error("backend response header not relayed")
	}

	backendReq := g.lastBackendReq
	if backendReq == nil {
		t.Fatal("backend was never reached")
	}
	if backendReq.URL.Path != "/photos" {
		t.Errorf("backend path = %q, want /photos", backendReq.URL.Path)
	}
	if backendReq.URL.RawQuery != "page=2" {
		t.Errorf("backend query = %q, want page=2", backendReq.URL.RawQuery)
	}
	if auth := backendReq.Header.Get("Authorization"); auth != "" {
		t.Errorf("credential leaked to backend: %q", auth)
	}
	if backendReq.Header.Get("X-Request-Id") == "" {
		t.Error("backend request is missing X-Request-Id")
	}

	encoded := backendReq.Header.Get("X-Forwarded-Claims")
	if encoded == "" {
		t.Fatal("backend request is missing X-Forwarded-Claims")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("claims header is not base64url: %v", err)
	}
	var forwarded map[string]any
	if err := json.Unmarshal(decoded, &forwarded); err != nil {
		t.Fatalf("claims header is not JSON: %v", err)
	}
	if forwarded["username"] != "alice" || forwarded["sub"] != "user-123" {
		t.Errorf("forwarded claims = %v", forwarded)
	}

	rec := g.lastAudit(t)
	if rec["decision"] != "allow" || rec["status"] != float64(200) {
		t.Errorf("audit record = %v", rec)
	}
	if rec["rule_id"] != "allow-alice" || rec["backend"] != "files" {
		t.Errorf("audit record = %v", rec)
	}
}

func TestPipelineRewritesRoutePrefix(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "bob"})

	w := g.do(t, "GET", "/api/orders/42", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if g.lastBackendReq.URL.Path != "/v1/orders/42" {
		t.Errorf("backend path = %q, want /v1/orders/42", g.lastBackendReq.URL.Path)
	}
}

func TestPipelineRejectsUnauthenticated(t *testing.T) {
	tests := []struct {
		name   string
		token  func(t *testing.T, g *testGateway) string
		reason string
	}{
		{
			name:   "missing token",
			token:  func(t *testing.T, g *testGateway) string { return "" },
			reason: "token_missing",
		},
		{
			name: "malformed token",
			token: func(t *testing.T, g *testGateway) string {
				return "garbage"
			},
			reason: "token_malformed",
		},
		{
			name: "expired token",
			token: func(t *testing.T, g *testGateway) string {
				return g.idp.Mint(t, idptest.Token{
					Subject:   "user-123",
					Username:  "alice",
					IssuedAt:  time.Now().Add(-2 * time.Hour),
					ExpiresAt: time.Now().Add(-1 * time.Hour),
				})
			},
			reason: "expired",
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T, g *testGateway) string {
				return g.idp.Mint(t, idptest.Token{Issuer: "https://evil.test", Subject: "user-123", Username: "alice"})
			},
			reason: "issuer_mismatch",
		},
		{
			name: "unknown signing key",
			token: func(t *testing.T, g *testGateway) string {
				return g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice", KeyID: "retired-key"})
			},
			reason: "key_unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, gatewayOptions{})
			w := g.do(t, "GET", "/alice/photos", tt.token(t, g))

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if g.lastBackendReq != nil {
				t.Error("backend must not be contacted for unauthenticated requests")
			}

			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if body["error"] != tt.reason {
				t.Errorf("error = %q, want %q", body["error"], tt.reason)
			}

			rec := g.lastAudit(t)
			if rec["decision"] != "unauthenticated" || rec["reason"] != tt.reason {
				t.Errorf("audit record = %v", rec)
			}
			if rec["subject"] != nil {
				t.Errorf("unauthenticated record must not carry a subject, got %v", rec["subject"])
			}
		})
	}
}

func TestPipelineRejectsTamperedToken(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "bob"})

	parts := strings.Split(token, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	parts[1] = base64.RawURLEncoding.EncodeToString(
		[]byte(strings.Replace(string(payload), `"bob"`, `"alice"`, 1)))

	w := g.do(t, "GET", "/alice/photos", strings.Join(parts, "."))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if rec := g.lastAudit(t); rec["reason"] != "signature_invalid" {
		t.Errorf("reason = %v, want signature_invalid", rec["reason"])
	}
}

func TestPipelineDeniesByPolicy(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	// Verified identity, but bob is not alice and the admin role does not help
	token := g.idp.Mint(t, idptest.Token{Subject: "user-456", Username: "bob", Roles: []string{"admin"}})

	w := g.do(t, "GET", "/alice/photos", token)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if g.lastBackendReq != nil {
		t.Error("backend must not be contacted for denied requests")
	}

	rec := g.lastAudit(t)
	if rec["decision"] != "deny" || rec["reason"] != "policy_denied" {
		t.Errorf("audit record = %v", rec)
	}
	// Denials are attributed to the verified identity
	if rec["subject"] != "user-456" || rec["username"] != "bob" {
		t.Errorf("audit record = %v", rec)
	}
}

func TestPipelineNormalizesPathBeforePolicy(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{
		rules: []policy.Rule{
			{ID: "deny-admin", Effect: policy.EffectDeny, Path: "/api/admin",
				Principal: policy.Principal{Kind: policy.PrincipalAnyAuthenticated}},
			{ID: "allow-api", Effect: policy.EffectAllow, Path: "/api",
				Principal: policy.Principal{Kind: policy.PrincipalAnyAuthenticated}},
		},
		routes: []route.Route{{Prefix: "/api", Backend: "api"}},
	})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice"})

	// Every spelling of the denied resource hits the deny rule, not the
	// broad allow below it
	traversals := []string{
		"/api/x/../admin",
		"/api/../api/admin",
		"/api//admin",
		"/api/./admin",
		"/api/admin/extra/..",
	}
	for _, path := range traversals {
		t.Run(path, func(t *testing.T) {
			w := g.do(t, "GET", path, token)
			if w.Code != http.StatusForbidden {
				t.Fatalf("status = %d, want 403 for traversal spelling", w.Code)
			}
			rec := g.lastAudit(t)
			if rec["rule_id"] != "deny-admin" {
				t.Errorf("rule_id = %v, want deny-admin", rec["rule_id"])
			}
			if p, _ := rec["path"].(string); strings.Contains(p, "..") || strings.Contains(p, "//") {
				t.Errorf("audit path not normalized: %q", p)
			}
		})
	}

	t.Run("allowed requests forward the normalized path", func(t *testing.T) {
		w := g.do(t, "GET", "/api//orders/./42/../42", token)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if g.lastBackendReq.URL.Path != "/orders/42" {
			t.Errorf("backend path = %q, want /orders/42", g.lastBackendReq.URL.Path)
		}
	})
}

func TestPipelineNoRoute(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{
		rules: []policy.Rule{
			{ID: "allow-all", Effect: policy.EffectAllow, Path: "/",
				Principal: policy.Principal{Kind: policy.PrincipalAnyAuthenticated}},
		},
		routes: []route.Route{{Prefix: "/api", Backend: "api"}},
	})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice"})

	w := g.do(t, "GET", "/unrouted", token)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	rec := g.lastAudit(t)
	if rec["decision"] != "allow" || rec["reason"] != "no_route" {
		t.Errorf("audit record = %v", rec)
	}
}

func TestPipelineEmitsExactlyOneAuditRecordPerRequest(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice"})

	g.do(t, "GET", "/alice/photos", token) // forwarded
	g.do(t, "GET", "/alice/photos", "")    // unauthenticated
	g.do(t, "DELETE", "/other", token)     // denied

	records := g.auditRecords(t)
	if len(records) != 3 {
		t.Fatalf("expected 3 audit records, got %d", len(records))
	}
	seen := map[string]bool{}
	for _, rec := range records {
		id, _ := rec["request_id"].(string)
		if id == "" {
			t.Errorf("record missing request_id: %v", rec)
		}
		if seen[id] {
			t.Errorf("duplicate request_id %q", id)
		}
		seen[id] = true
	}
}

// failingTransport fails every attempt and counts them
type failingTransport struct {
	attempts int
}

func (f *failingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.attempts++
	return nil, errors.New("connection refused")
}

func TestPipelineUpstreamUnreachable(t *testing.T) {
	transport := &failingTransport{}
	g := newTestGateway(t, gatewayOptions{
		forwarder: ForwarderConfig{
			RetryAttempts: 1,
			Transport:     transport,
		},
	})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice"})

	t.Run("idempotent request is retried once", func(t *testing.T) {
		w := g.do(t, "GET", "/alice/photos", token)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", w.Code)
		}
		if transport.attempts != 2 {
			t.Errorf("attempts = %d, want 2", transport.attempts)
		}
		rec := g.lastAudit(t)
		if rec["decision"] != "allow" || rec["reason"] != "upstream_unreachable" {
			t.Errorf("audit record = %v", rec)
		}
	})

	t.Run("non-idempotent request is not retried", func(t *testing.T) {
		transport.attempts = 0
		w := g.do(t, "POST", "/alice/photos", token)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", w.Code)
		}
		if transport.attempts != 1 {
			t.Errorf("attempts = %d, want 1", transport.attempts)
		}
	})

	// A failed attempt may have read part of the body, so even idempotent
	// methods are sent once when a body is present
	t.Run("request with a body is not retried", func(t *testing.T) {
		transport.attempts = 0
		req := httptest.NewRequest("GET", "/alice/photos", strings.NewReader(`{"filter":"recent"}`))
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		g.pipeline.ServeHTTP(w, req)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", w.Code)
		}
		if transport.attempts != 1 {
			t.Errorf("attempts = %d, want 1", transport.attempts)
		}
	})
}

func TestPipelineUpstreamTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	g := newTestGateway(t, gatewayOptions{
		routes:    []route.Route{{Prefix: "/alice", Backend: "files", Target: slow.URL}},
		forwarder: ForwarderConfig{Timeout: 100 * time.Millisecond},
	})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice"})

	w := g.do(t, "GET", "/alice/photos", token)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
	rec := g.lastAudit(t)
	if rec["reason"] != "upstream_timeout" {
		t.Errorf("reason = %v, want upstream_timeout", rec["reason"])
	}
}

func TestPipelineClientCancellation(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	token := g.idp.Mint(t, idptest.Token{Subject: "user-123", Username: "alice"})

	// Resolve the signing key first so cancellation hits the upstream call,
	// not the JWKS fetch
	g.do(t, "GET", "/alice/warmup", token)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/alice/photos", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	g.pipeline.ServeHTTP(w, req)

	// Nothing is written to a client that already went away
	if w.Body.Len() != 0 {
		t.Errorf("expected empty response body, got %q", w.Body.String())
	}

	rec := g.lastAudit(t)
	if rec["reason"] != "client_canceled" {
		t.Errorf("reason = %v, want client_canceled", rec["reason"])
	}
	if rec["status"] != float64(499) {
		t.Errorf("status = %v, want 499", rec["status"])
	}
}
