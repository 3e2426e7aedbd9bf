package trust

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/athorsen/portcullis/internal/claims"
	"github.com/athorsen/portcullis/internal/clock"
)

// Verification failures. The pipeline maps every one of these to a locally
// synthesized 401; none of them reach a backend.
var (
	ErrTokenMissing        = errors.New("token missing")
	ErrTokenMalformed      = errors.New("token malformed")
	ErrAlgorithmNotAllowed = errors.New("signing algorithm not allowed")
	ErrKeyUnavailable      = errors.New("signing key unavailable")
	ErrSignatureInvalid    = errors.New("token signature invalid")
	ErrIssuerMismatch      = errors.New("issuer mismatch")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenNotYetValid    = errors.New("token not yet valid")
)

// KeyResolver resolves a public signing key by the key id from a token header
type KeyResolver interface {
	Resolve(ctx context.Context, keyID string) (jwk.Key, error)
}

// DefaultAlgorithms is the signing algorithm allow-list used when none is
// configured. Asymmetric only.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// VerifierConfig configures a Verifier
type VerifierConfig struct {
	// Issuer is the exact expected value of the token's iss claim
	Issuer string

	// Keys resolves signing keys by key id
	Keys KeyResolver

	// Algorithms is the pinned allow-list of signing algorithm names.
	// Symmetric algorithms and "none" are rejected at construction: with
	// only public keys provisioned, honoring them would let a client forge
	// signatures from the published key material.
	Algorithms []string

	// UsernameClaim names the claim carrying the policy-matching identity
	// (default "username")
	UsernameClaim string

	// RolesClaim names the claim carrying advisory role strings
	// (default "roles")
	RolesClaim string

	// Clock is an optional clock for testing (defaults to system clock)
	Clock clock.Clock
}

// Verifier parses a compact token, verifies its signature against a resolved
// key, and validates the structural and time claims. Claims are only ever
// exposed after every check passes.
type Verifier struct {
	issuer        string
	keys          KeyResolver
	allowed       map[jwa.SignatureAlgorithm]bool
	usernameClaim string
	rolesClaim    string
	clock         clock.Clock
}

// NewVerifier creates a verifier for the given issuer and key resolver
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = DefaultAlgorithms
	}
	if cfg.UsernameClaim == "" {
		cfg.UsernameClaim = "username"
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "roles"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}

	allowed := make(map[jwa.SignatureAlgorithm]bool, len(cfg.Algorithms))
	for _, name := range cfg.Algorithms {
		alg, err := lookupAlgorithm(name)
		if err != nil {
			return nil, err
		}
		allowed[alg] = true
	}

	return &Verifier{
		issuer:        cfg.Issuer,
		keys:          cfg.Keys,
		allowed:       allowed,
		usernameClaim: cfg.UsernameClaim,
		rolesClaim:    cfg.RolesClaim,
		clock:         cfg.Clock,
	}, nil
}

// lookupAlgorithm resolves an algorithm name against jwx's registry and
// rejects anything that is not an asymmetric signature algorithm.
func lookupAlgorithm(name string) (jwa.SignatureAlgorithm, error) {
	switch jwa.SignatureAlgorithm(name) {
	case jwa.NoSignature:
		return "", fmt.Errorf("algorithm %q is not allowed", name)
	case jwa.HS256, jwa.HS384, jwa.HS512:
		return "", fmt.Errorf("symmetric algorithm %q is not allowed with public key sets", name)
	}
	for _, alg := range jwa.SignatureAlgorithms() {
		if alg == jwa.SignatureAlgorithm(name) {
			return alg, nil
		}
	}
	return "", fmt.Errorf("unknown signing algorithm %q", name)
}

// Verify validates a raw compact token and returns its verified claims.
// Every failure is terminal: the returned context is nil and the error wraps
// one of the package sentinels.
func (v *Verifier) Verify(ctx context.Context, raw string) (*claims.Context, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMissing
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: expected three non-empty segments", ErrTokenMalformed)
	}

	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one signature", ErrTokenMalformed)
	}

	hdr := sigs[0].ProtectedHeaders()
	alg := hdr.Algorithm()
	if !v.allowed[alg] {
		return nil, fmt.Errorf("%w: %q", ErrAlgorithmNotAllowed, alg.String())
	}

	kid := hdr.KeyID()
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrTokenMalformed)
	}

	// Key selection is by kid only; the resolver never tries other keys
	key, err := v.keys.Resolve(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	if _, err := jws.Verify([]byte(raw), jws.WithKey(alg, key)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	// Signature checked above; parse the payload without re-verifying
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	if tok.Issuer() != v.issuer {
		return nil, fmt.Errorf("%w: got %q", ErrIssuerMismatch, tok.Issuer())
	}
	if tok.Subject() == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenMalformed)
	}

	now := v.clock.Now()
	exp := tok.Expiration()
	if exp.IsZero() {
		return nil, fmt.Errorf("%w: missing exp claim", ErrTokenMalformed)
	}
	if !now.Before(exp) {
		return nil, fmt.Errorf("%w: expired at %s", ErrTokenExpired, exp.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if nbf := tok.NotBefore(); !nbf.IsZero() && now.Before(nbf) {
		return nil, fmt.Errorf("%w: valid from %s", ErrTokenNotYetValid, nbf.UTC().Format("2006-01-02T15:04:05Z"))
	}

	private := claims.Claims(tok.PrivateClaims())
	username := private.GetString(v.usernameClaim)
	roles := private.GetStringSlice(v.rolesClaim)

	return claims.NewContext(
		tok.Issuer(),
		tok.Subject(),
		username,
		roles,
		exp,
		tok.NotBefore(),
		tok.IssuedAt(),
		private,
	), nil
}
