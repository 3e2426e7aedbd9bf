package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeRulesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	return path
}

func TestLoadRulesFile(t *testing.T) {
	path := writeRulesFile(t, `
rules:
  - id: allow-alice
    effect: allow
    path: /alice
    principal:
      kind: username
      username: alice
  - id: allow-reads
    effect: allow
    path: /api
    match: exact
    methods: [GET]
    principal:
      kind: any_authenticated
`)

	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].ID != "allow-alice" || rules[1].ID != "allow-reads" {
		t.Errorf("rules out of file order: %q, %q", rules[0].ID, rules[1].ID)
	}
	if rules[0].Principal.Kind != PrincipalUsername || rules[0].Principal.Username != "alice" {
		t.Errorf("unexpected principal: %+v", rules[0].Principal)
	}
	if rules[1].Match != MatchExact {
		t.Errorf("expected exact match, got %q", rules[1].Match)
	}
	if len(rules[1].Methods) != 1 || rules[1].Methods[0] != "GET" {
		t.Errorf("unexpected methods: %v", rules[1].Methods)
	}
}

func TestLoadRulesFileEmpty(t *testing.T) {
	path := writeRulesFile(t, "rules: []\n")
	if _, err := LoadRulesFile(path); !errors.Is(err, ErrNoRules) {
		t.Errorf("expected ErrNoRules, got %v", err)
	}
}

func TestLoadRulesFileMissing(t *testing.T) {
	if _, err := LoadRulesFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadRulesFileMalformed(t *testing.T) {
	path := writeRulesFile(t, "rules: [:::\n")
	if _, err := LoadRulesFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}
