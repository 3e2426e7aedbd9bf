package keyring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/singleflight"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/athorsen/portcullis/internal/clock"
	"github.com/athorsen/portcullis/internal/metrics"
)

// ErrKeyNotFound is returned when the key set does not contain the requested
// key id, even after a refresh. Callers treat any resolver failure as a
// verification failure, never as permission to skip verification.
var ErrKeyNotFound = errors.New("signing key not found")

const (
	// DefaultCacheTTL matches the identity provider's key rotation cadence
	DefaultCacheTTL = 5 * time.Minute

	// DefaultFetchTimeout bounds a single JWKS fetch; waiters coalesced onto
	// an in-flight fetch all fail together when it elapses
	DefaultFetchTimeout = 5 * time.Second
)

// Config configures a Resolver
type Config struct {
	// JWKSURL is the identity provider's public key set endpoint
	JWKSURL string

	// CacheTTL is how long a fetched key set is served without refreshing.
	// Expired entries are refreshed lazily on next use.
	CacheTTL time.Duration

	// FetchTimeout bounds each outbound JWKS fetch
	FetchTimeout time.Duration

	// HTTPClient is the client used for JWKS fetches (defaults to a client
	// with FetchTimeout)
	HTTPClient *http.Client

	// Clock is an optional clock for testing (defaults to system clock)
	Clock clock.Clock
}

// Resolver fetches and caches the identity provider's public signing keys.
//
// The cached key set is an immutable snapshot swapped atomically on refresh,
// so concurrent readers never observe a partially-updated set. Concurrent
// misses for the same key id coalesce into a single outbound fetch.
type Resolver struct {
	jwksURL      string
	cacheTTL     time.Duration
	fetchTimeout time.Duration
	client       *http.Client
	clock        clock.Clock

	flight   singleflight.Group
	snapshot atomic.Pointer[keySnapshot]
}

// keySnapshot is an immutable view of the key set at fetch time
type keySnapshot struct {
	set       jwk.Set
	fetchedAt time.Time
}

// NewResolver creates a resolver for the given JWKS endpoint
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}

	return &Resolver{
		jwksURL:      cfg.JWKSURL,
		cacheTTL:     cfg.CacheTTL,
		fetchTimeout: cfg.FetchTimeout,
		client:       cfg.HTTPClient,
		clock:        cfg.Clock,
	}, nil
}

// Resolve returns the public key for the given key id.
//
// A fresh snapshot is consulted first. On a miss (unknown key id or expired
// snapshot) the key set is re-fetched; concurrent callers missing on the same
// key id share one fetch and receive its result, or its failure, together.
// Selection is strictly by key id; there is no trial across cached keys.
func (r *Resolver) Resolve(ctx context.Context, keyID string) (jwk.Key, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: empty key id", ErrKeyNotFound)
	}

	if snap := r.snapshot.Load(); snap != nil && r.fresh(snap) {
		if key, ok := snap.set.LookupKeyID(keyID); ok {
			return key, nil
		}
	}

	v, err := r.flight.Do(keyID, func() (interface{}, error) {
		// A caller that was queued behind the winning fetch may find the key
		// already present; re-check before fetching again.
		if snap := r.snapshot.Load(); snap != nil && r.fresh(snap) {
			if key, ok := snap.set.LookupKeyID(keyID); ok {
				return key, nil
			}
		}

		set, err := r.fetch()
		if err != nil {
			metrics.KeyFetchesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.KeyFetchesTotal.WithLabelValues("ok").Inc()

		r.snapshot.Store(&keySnapshot{set: set, fetchedAt: r.clock.Now()})

		if key, ok := set.LookupKeyID(keyID); ok {
			return key, nil
		}
		return nil, fmt.Errorf("%w: %q not in key set", ErrKeyNotFound, keyID)
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Key), nil
}

func (r *Resolver) fresh(snap *keySnapshot) bool {
	return r.clock.Now().Before(snap.fetchedAt.Add(r.cacheTTL))
}

// fetch performs one outbound JWKS fetch. It deliberately uses its own
// timeout-bounded context rather than any single caller's: the result is
// shared across coalesced callers, so one caller's cancellation must not
// fail the rest.
func (r *Resolver) fetch() (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return set, nil
}
