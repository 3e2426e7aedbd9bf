package policy

import (
	"fmt"
	"strings"
)

// Effect is what a matched rule decides
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// MatchType selects how a rule's path predicate is applied
type MatchType string

const (
	MatchPrefix MatchType = "prefix"
	MatchExact  MatchType = "exact"
)

// PrincipalKind selects which principal predicate a rule uses.
//
// Username and role predicates are deliberately orthogonal: a username rule
// ignores role claims entirely, so no role (including any admin-like role)
// can substitute for the required identity. Authorization here is
// identity-scoped per resource, not privilege-scoped globally.
type PrincipalKind string

const (
	// PrincipalAnyAuthenticated matches any request with verified claims
	PrincipalAnyAuthenticated PrincipalKind = "any_authenticated"

	// PrincipalUsername matches when the verified username claim equals the
	// configured literal exactly (case-sensitive, no normalization)
	PrincipalUsername PrincipalKind = "username"

	// PrincipalRole matches when the configured role is a member of the
	// verified roles claim
	PrincipalRole PrincipalKind = "role"
)

// Principal is a rule's principal predicate
type Principal struct {
	Kind     PrincipalKind `yaml:"kind"`
	Username string        `yaml:"username,omitempty"`
	Role     string        `yaml:"role,omitempty"`
}

// Rule is one ordered authorization policy entry. Rules are evaluated in
// list order and the first full match determines the decision; there is no
// implicit priority by specificity.
type Rule struct {
	// ID identifies the rule in decisions and audit records
	ID string `yaml:"id"`

	// Effect is the decision this rule produces when it matches
	Effect Effect `yaml:"effect"`

	// Path and Match form the path predicate
	Path  string    `yaml:"path"`
	Match MatchType `yaml:"match,omitempty"`

	// Methods optionally restricts the rule to an HTTP method set.
	// Empty means any method.
	Methods []string `yaml:"methods,omitempty"`

	// Principal is the principal predicate
	Principal Principal `yaml:"principal"`
}

// Validate checks a rule for configuration defects. The gateway refuses to
// start (or reload) with an invalid rule rather than run fail-open.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule is missing an id")
	}
	switch r.Effect {
	case EffectAllow, EffectDeny:
	default:
		return fmt.Errorf("rule %q: unknown effect %q (want allow or deny)", r.ID, r.Effect)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("rule %q: path must start with /", r.ID)
	}
	switch r.Match {
	case MatchPrefix, MatchExact, "":
	default:
		return fmt.Errorf("rule %q: unknown match type %q (want prefix or exact)", r.ID, r.Match)
	}
	switch r.Principal.Kind {
	case PrincipalAnyAuthenticated:
	case PrincipalUsername:
		if r.Principal.Username == "" {
			return fmt.Errorf("rule %q: username principal requires a username", r.ID)
		}
	case PrincipalRole:
		if r.Principal.Role == "" {
			return fmt.Errorf("rule %q: role principal requires a role", r.ID)
		}
	default:
		return fmt.Errorf("rule %q: unknown principal kind %q", r.ID, r.Principal.Kind)
	}
	return nil
}

// matchType returns the effective match type (prefix when unset)
func (r *Rule) matchType() MatchType {
	if r.Match == "" {
		return MatchPrefix
	}
	return r.Match
}
