package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/athorsen/portcullis/internal/claims"
	"github.com/athorsen/portcullis/internal/metrics"
	"github.com/athorsen/portcullis/internal/route"
)

// Reason codes for forwarding outcomes
const (
	reasonUpstreamTimeout     = "upstream_timeout"
	reasonUpstreamUnreachable = "upstream_unreachable"
	reasonClientCanceled      = "client_canceled"
)

// statusClientClosedRequest mirrors nginx's 499: the client went away before
// a response could be written. Audit-only; never sent on the wire.
const statusClientClosedRequest = 499

// DefaultClaimsHeader carries the verified claims to the backend
const DefaultClaimsHeader = "X-Forwarded-Claims"

// hopHeaders are stripped before forwarding, per RFC 9110 connection
// semantics
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwarderConfig configures a Forwarder
type ForwarderConfig struct {
	// Timeout bounds the whole backend call (default 30s)
	Timeout time.Duration

	// RetryAttempts is how many extra attempts are made after a transport
	// failure. Retries apply to idempotent, bodyless requests only and never
	// after the timeout elapsed.
	RetryAttempts int

	// ClaimsHeader is the header carrying the encoded verified claims
	// (default X-Forwarded-Claims)
	ClaimsHeader string

	// Transport overrides the HTTP transport (for tests)
	Transport http.RoundTripper

	// Logger is the operational logger (defaults to slog.Default)
	Logger *slog.Logger
}

// Forwarder performs the backend call for an authorized, routed request
type Forwarder struct {
	client       *http.Client
	timeout      time.Duration
	retries      int
	claimsHeader string
	logger       *slog.Logger
}

// NewForwarder creates a forwarder
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ClaimsHeader == "" {
		cfg.ClaimsHeader = DefaultClaimsHeader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Forwarder{
		client:       &http.Client{Transport: transport},
		timeout:      cfg.Timeout,
		retries:      cfg.RetryAttempts,
		claimsHeader: cfg.ClaimsHeader,
		logger:       cfg.Logger,
	}
}

// Forward sends the request to the matched backend and streams the response
// to the client. It returns the final status and a reason code; the reason
// is empty when the backend answered. On upstream failure nothing has been
// written yet, so the caller synthesizes the error response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, m *route.Match, identity *claims.Context, requestID string) (int, string) {
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	// A failed attempt may have consumed part of the body, so only bodyless
	// requests are safe to rebuild and resend. ContentLength is -1 for
	// chunked bodies, which this check also excludes.
	attempts := 1
	if isIdempotent(r.Method) && r.ContentLength == 0 {
		attempts += f.retries
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.UpstreamRetriesTotal.Inc()
			f.logger.Debug("retrying upstream call",
				slog.String("backend", m.Backend),
				slog.Int("attempt", attempt+1),
			)
		}

		var req *http.Request
		req, err = f.buildRequest(ctx, r, m, identity, requestID)
		if err != nil {
			return http.StatusBadGateway, reasonUpstreamUnreachable
		}

		resp, err = f.client.Do(req)
		if err == nil || ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		switch {
		case r.Context().Err() != nil:
			return statusClientClosedRequest, reasonClientCanceled
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return http.StatusGatewayTimeout, reasonUpstreamTimeout
		default:
			f.logger.Warn("upstream call failed",
				slog.String("backend", m.Backend),
				slog.String("error", err.Error()),
			)
			return http.StatusBadGateway, reasonUpstreamUnreachable
		}
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Status already on the wire; the client likely disconnected
		f.logger.Debug("response stream interrupted", slog.String("error", err.Error()))
	}
	return resp.StatusCode, ""
}

// buildRequest constructs the outbound request: original method and body,
// rewritten path, credential headers stripped, verified claims attached.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, m *route.Match, identity *claims.Context, requestID string) (*http.Request, error) {
	target := *m.Target
	target.Path = joinTargetPath(m.Target.Path, m.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength

	copyHeaders(req.Header, r.Header)

	// The gateway is the trust boundary: the external credential never
	// reaches a backend, only the verified claims do.
	req.Header.Del("Authorization")
	req.Header.Set(f.claimsHeader, encodeClaims(identity))
	req.Header.Set("X-Request-Id", requestID)

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			host = prior + ", " + host
		}
		req.Header.Set("X-Forwarded-For", host)
	}

	return req, nil
}

// encodeClaims renders the verified claims as base64url JSON. Backends are
// free to ignore the header; the gateway remains the trust boundary either
// way.
func encodeClaims(identity *claims.Context) string {
	payload := map[string]any{
		"iss":      identity.Issuer,
		"sub":      identity.Subject,
		"username": identity.Username,
		"roles":    identity.Roles(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// isIdempotent reports whether a method is safe to retry. Deliberately
// narrower than RFC 7231's idempotent set: PUT and DELETE carry effects we
// do not want applied twice on an ambiguous transport failure.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopHeader(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func joinTargetPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	return strings.TrimSuffix(base, "/") + path
}
