package policy

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/athorsen/portcullis/internal/claims"
)

// ErrNoRules is returned when an engine would be created or reloaded with an
// empty rule list. An empty policy is indistinguishable from a broken one,
// and the gateway must stay fail-closed.
var ErrNoRules = errors.New("policy has no rules")

// Decision is the outcome of evaluating a request against the rule list
type Decision struct {
	// Allowed is true only when an allow rule matched
	Allowed bool

	// RuleID identifies the matched rule. Empty when no rule matched and
	// the default deny applied.
	RuleID string
}

// Engine evaluates an ordered rule list with first-match-wins semantics.
//
// The rule list is held as an immutable snapshot swapped atomically on
// reload; in-flight evaluations keep the snapshot they started with, so
// readers never observe a partially-updated table.
type Engine struct {
	rules atomic.Pointer[[]Rule]
}

// NewEngine creates an engine from an ordered rule list.
// Returns an error for an empty or invalid rule set.
func NewEngine(rules []Rule) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload validates and atomically installs a new rule list.
// On error the previous rules stay in effect.
func (e *Engine) Reload(rules []Rule) error {
	if len(rules) == 0 {
		return ErrNoRules
	}
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return fmt.Errorf("invalid rule at index %d: %w", i, err)
		}
		if seen[rules[i].ID] {
			return fmt.Errorf("duplicate rule id %q", rules[i].ID)
		}
		seen[rules[i].ID] = true
	}

	snapshot := make([]Rule, len(rules))
	copy(snapshot, rules)
	e.rules.Store(&snapshot)
	return nil
}

// Rules returns a copy of the current rule list
func (e *Engine) Rules() []Rule {
	current := *e.rules.Load()
	out := make([]Rule, len(current))
	copy(out, current)
	return out
}

// Decide evaluates the request against the rule list in order and returns
// the first full match. No match means deny: the policy is fail-closed.
//
// identity is nil for unauthenticated requests; no principal predicate is
// satisfiable without identity, so such requests can only fall through to
// the default deny.
func (e *Engine) Decide(method, path string, identity *claims.Context) Decision {
	for _, rule := range *e.rules.Load() {
		if !rule.matchesRequest(method, path) {
			continue
		}
		if !rule.matchesPrincipal(identity) {
			continue
		}
		return Decision{Allowed: rule.Effect == EffectAllow, RuleID: rule.ID}
	}
	return Decision{Allowed: false}
}

func (r *Rule) matchesRequest(method, path string) bool {
	switch r.matchType() {
	case MatchExact:
		if path != r.Path {
			return false
		}
	default:
		if !hasPathPrefix(path, r.Path) {
			return false
		}
	}
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func (r *Rule) matchesPrincipal(identity *claims.Context) bool {
	if identity == nil {
		return false
	}
	switch r.Principal.Kind {
	case PrincipalAnyAuthenticated:
		return true
	case PrincipalUsername:
		// Exact, case-sensitive comparison. Roles are ignored on purpose.
		return identity.Username == r.Principal.Username
	case PrincipalRole:
		return identity.HasRole(r.Principal.Role)
	}
	return false
}

// hasPathPrefix matches on path segment boundaries: prefix /alice matches
// /alice and /alice/photos but not /alicedata.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
