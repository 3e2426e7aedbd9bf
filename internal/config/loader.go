package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// envPrefix namespaces environment overrides, e.g.
// PORTCULLIS_SERVER__LISTEN_ADDR=:9000 sets server.listen_addr.
// Double underscore is the nesting delimiter so keys that themselves contain
// underscores stay addressable.
const envPrefix = "PORTCULLIS_"

// flagMapping maps the serve command's flag names to config paths.
// Only flags the operator actually set override file and env values.
var flagMapping = map[string]string{
	"listen-addr": "server.listen_addr",
	"admin-addr":  "server.admin_addr",
	"issuer":      "issuer.name",
	"jwks-url":    "issuer.jwks_url",
	"rules-file":  "policy.rules_file",
	"audit-sink":  "audit.sink",
	"audit-path":  "audit.path",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

// Load reads configuration with the precedence flags > env > file.
// The file is required; a gateway without explicit policy and routing
// configuration must not start.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagMapping[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("failed to load flag overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// envToKey converts PORTCULLIS_SERVER__LISTEN_ADDR to server.listen_addr
func envToKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
