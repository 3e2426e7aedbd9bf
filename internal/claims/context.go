package claims

import "time"

// Context is the verified identity attached to a request after signature
// verification succeeds. It is only ever constructed by the token verifier;
// nothing downstream may build one from an unverified token.
//
// A Context is treated as immutable: it is passed by pointer through the
// pipeline but no stage mutates it. Accessors that return reference types
// return copies.
type Context struct {
	// Issuer is the token issuer (the identity provider URL)
	Issuer string

	// Subject is the opaque unique identifier of the authenticated subject
	Subject string

	// Username is the human-readable identity used for policy matching
	Username string

	// roles are advisory group claims. They never substitute for an
	// identity match; see the policy engine.
	roles []string

	// ExpiresAt, NotBefore and IssuedAt are the token's time claims.
	// NotBefore and IssuedAt are zero when the token omitted them.
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time

	// extra holds the remaining (non-registered) claims from the payload
	extra Claims
}

// NewContext constructs a verified claims context. The roles and extra
// claims are copied so the caller cannot alias the context's state.
func NewContext(issuer, subject, username string, roles []string, expiresAt, notBefore, issuedAt time.Time, extra Claims) *Context {
	rs := make([]string, len(roles))
	copy(rs, roles)
	return &Context{
		Issuer:    issuer,
		Subject:   subject,
		Username:  username,
		roles:     rs,
		ExpiresAt: expiresAt,
		NotBefore: notBefore,
		IssuedAt:  issuedAt,
		extra:     extra.Copy(),
	}
}

// Roles returns a copy of the role claims
func (c *Context) Roles() []string {
	out := make([]string, len(c.roles))
	copy(out, c.roles)
	return out
}

// HasRole reports whether the given role is present in the role claims
func (c *Context) HasRole(role string) bool {
	for _, r := range c.roles {
		if r == role {
			return true
		}
	}
	return false
}

// Extra returns a copy of the non-registered claims
func (c *Context) Extra() Claims {
	return c.extra.Copy()
}
