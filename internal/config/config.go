package config

// Config is the root configuration structure for portcullis
type Config struct {
	// Server configuration (proxy and admin listeners)
	Server ServerConfig `koanf:"server"`

	// Issuer is the trusted identity provider
	Issuer IssuerConfig `koanf:"issuer"`

	// Routes is the static path-prefix-to-backend table
	Routes []RouteConfig `koanf:"routes"`

	// Policy is the ordered authorization rule list
	Policy PolicyConfig `koanf:"policy"`

	// Upstream configures backend calls
	Upstream UpstreamConfig `koanf:"upstream"`

	// Audit configures the access record sink
	Audit AuditConfig `koanf:"audit"`

	// Log configures operational logging
	Log LogConfig `koanf:"log"`
}

// ServerConfig contains network-level server settings
type ServerConfig struct {
	// ListenAddr is the proxy listener, e.g. ":8080"
	ListenAddr string `koanf:"listen_addr"`

	// AdminAddr is the admin listener (health, metrics, policy reload)
	AdminAddr string `koanf:"admin_addr"`

	// ShutdownTimeout bounds graceful drain, duration string like "10s"
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

// IssuerConfig configures token verification against the identity provider
type IssuerConfig struct {
	// Name is the exact expected iss claim
	Name string `koanf:"name"`

	// JWKSURL is the provider's public signing-key set endpoint
	JWKSURL string `koanf:"jwks_url"`

	// CacheTTL is the key-cache time-to-live, duration string like "300s"
	CacheTTL string `koanf:"cache_ttl"`

	// FetchTimeout bounds each JWKS fetch, duration string like "5s"
	FetchTimeout string `koanf:"fetch_timeout"`

	// Algorithms is the pinned signing algorithm allow-list
	// (default RS256/RS384/RS512/ES256/ES384/ES512)
	Algorithms []string `koanf:"algorithms"`

	// UsernameClaim names the claim used for identity matching
	// (default "username")
	UsernameClaim string `koanf:"username_claim"`

	// RolesClaim names the claim carrying role strings (default "roles")
	RolesClaim string `koanf:"roles_claim"`
}

// RouteConfig maps a path prefix to a backend
type RouteConfig struct {
	// Prefix is the inbound path prefix
	Prefix string `koanf:"prefix"`

	// Backend names the backend for audit records
	Backend string `koanf:"backend"`

	// Target is the backend base URL
	Target string `koanf:"target"`

	// RewritePrefix replaces the matched prefix (default "/")
	RewritePrefix string `koanf:"rewrite_prefix"`
}

// PolicyConfig holds the rule list, inline or in a separate file.
// When RulesFile is set it wins over inline rules and can be hot reloaded.
type PolicyConfig struct {
	// RulesFile is a YAML file containing the ordered rule list
	RulesFile string `koanf:"rules_file"`

	// Rules is the inline ordered rule list
	Rules []RuleConfig `koanf:"rules"`
}

// RuleConfig is one ordered authorization rule.
// First match in list order decides; document precedence in the file when
// mixing role and username rules on the same route.
type RuleConfig struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"`

	Path    string   `koanf:"path"`
	Match   string   `koanf:"match"`
	Methods []string `koanf:"methods"`

	Principal PrincipalConfig `koanf:"principal"`
}

// PrincipalConfig is a rule's principal predicate
type PrincipalConfig struct {
	// Kind is one of any_authenticated, username, role
	Kind     string `koanf:"kind"`
	Username string `koanf:"username"`
	Role     string `koanf:"role"`
}

// UpstreamConfig configures backend calls
type UpstreamConfig struct {
	// Timeout bounds the whole backend call, duration string like "30s"
	Timeout string `koanf:"timeout"`

	// RetryAttempts is how many extra attempts follow a transport failure
	// (idempotent methods only)
	RetryAttempts int `koanf:"retry_attempts"`

	// ClaimsHeader carries the verified claims to the backend
	// (default X-Forwarded-Claims)
	ClaimsHeader string `koanf:"claims_header"`
}

// AuditConfig configures the access record sink
type AuditConfig struct {
	// Sink selects the destination
	// Options: "stdout", "file"
	Sink string `koanf:"sink"`

	// Path is the file path when Sink is "file"
	Path string `koanf:"path"`
}

// LogConfig configures operational logging
type LogConfig struct {
	// Level sets the log level
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `koanf:"level"`

	// Format sets the log format
	// Options: "json", "text"
	// Default: "json"
	Format string `koanf:"format"`
}
