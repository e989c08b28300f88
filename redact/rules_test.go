package redact

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExtraRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	body := `[{"name":"acme-ticket","pattern":"ACME-[0-9]{6}","replacement":"[TICKET]"}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadExtraRules(path); err != nil {
		t.Fatal(err)
	}

	res := RedactString("see ACME-123456 for details")
	if res.Value != "see [TICKET] for details" {
		t.Fatalf("value = %q", res.Value)
	}
	applied := false
	for _, name := range res.RulesApplied {
		if name == "acme-ticket" {
			applied = true
		}
	}
	if !applied {
		t.Fatalf("rules applied = %v", res.RulesApplied)
	}
}

func TestLoadExtraRulesRejectsBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	body := `[{"name":"broken","pattern":"["}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadExtraRules(path); err == nil {
		t.Fatal("invalid pattern accepted")
	}
}
