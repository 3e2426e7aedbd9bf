package policy

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// ruleFile is the on-disk shape of a rules file
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRulesFile reads an ordered rule list from a YAML file.
//
// The file order is the evaluation order. When a deployment mixes role rules
// and username rules against the same route, whichever appears first in the
// file wins; that precedence is the file author's explicit choice.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s: %w", path, ErrNoRules)
	}
	return f.Rules, nil
}
