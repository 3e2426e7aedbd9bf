// Package idptest provides an in-process identity provider for tests. It
// serves a JWKS endpoint backed by a generated RSA key and mints signed
// tokens against it.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Provider is a fake identity provider. It owns a signing key and serves
// the corresponding public key set over HTTP.
type Provider struct {
	Issuer string

	server     *httptest.Server
	privateKey *rsa.PrivateKey
	keyID      string
	fetches    atomic.Int64
}

// New starts a provider with a freshly generated RSA key. The JWKS server
// is shut down via t.Cleanup.
func New(t *testing.T) *Provider {
	t.Helper()

	p := &Provider{
		Issuer: "https://idp.test",
		keyID:  "key-1",
	}
	p.privateKey = generateKey(t)

	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.keySet(t)); err != nil {
			t.Errorf("failed to encode JWKS: %v", err)
		}
	}))
	t.Cleanup(p.server.Close)

	return p
}

// JWKSURL returns the URL of the JWKS endpoint.
func (p *Provider) JWKSURL() string {
	return p.server.URL
}

// Fetches reports how many times the JWKS endpoint has been hit.
func (p *Provider) Fetches() int {
	return int(p.fetches.Load())
}

// Rotate replaces the signing key and key ID. Tokens minted before the
// rotation no longer verify against the published set.
func (p *Provider) Rotate(t *testing.T, keyID string) {
	t.Helper()
	p.privateKey = generateKey(t)
	p.keyID = keyID
}

// Token describes a token to mint. Zero values get sensible defaults: the
// provider's issuer, a one-hour expiry, and the provider's current key.
type Token struct {
	Issuer    string
	Subject   string
	Username  string
	Roles     []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	Extra     map[string]any

	// OmitExpiry leaves the exp claim out entirely.
	OmitExpiry bool
	// KeyID overrides the kid header on the signed token.
	KeyID string
}

// Mint signs a token with the provider's current key.
func (p *Provider) Mint(t *testing.T, tok Token) string {
	t.Helper()

	now := time.Now()
	if tok.Issuer == "" {
		tok.Issuer = p.Issuer
	}
	if tok.IssuedAt.IsZero() {
		tok.IssuedAt = now
	}
	if tok.ExpiresAt.IsZero() && !tok.OmitExpiry {
		tok.ExpiresAt = now.Add(1 * time.Hour)
	}

	token := jwt.New()
	set := func(name string, value any) {
		if err := token.Set(name, value); err != nil {
			t.Fatalf("failed to set claim %s: %v", name, err)
		}
	}
	set(jwt.IssuerKey, tok.Issuer)
	set(jwt.IssuedAtKey, tok.IssuedAt)
	if tok.Subject != "" {
		set(jwt.SubjectKey, tok.Subject)
	}
	if !tok.OmitExpiry {
		set(jwt.ExpirationKey, tok.ExpiresAt)
	}
	if !tok.NotBefore.IsZero() {
		set(jwt.NotBeforeKey, tok.NotBefore)
	}
	if tok.Username != "" {
		set("username", tok.Username)
	}
	if tok.Roles != nil {
		set("roles", tok.Roles)
	}
	for name, value := range tok.Extra {
		set(name, value)
	}

	keyID := tok.KeyID
	if keyID == "" {
		keyID = p.keyID
	}
	key, err := jwk.FromRaw(p.privateKey)
	if err != nil {
		t.Fatalf("failed to create JWK from private key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, keyID); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

func (p *Provider) keySet(t *testing.T) jwk.Set {
	publicKey, err := jwk.FromRaw(p.privateKey.PublicKey)
	if err != nil {
		t.Fatalf("failed to create JWK: %v", err)
	}
	if err := publicKey.Set(jwk.KeyIDKey, p.keyID); err != nil {
		t.Fatalf("failed to set key ID: %v", err)
	}
	if err := publicKey.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("failed to set algorithm: %v", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(publicKey); err != nil {
		t.Fatalf("failed to add key to set: %v", err)
	}
	return set
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return privateKey
}
