package redact

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// extraRule is one user-supplied pattern from the rules file.
type extraRule struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// LoadExtraRules appends patterns from a JSON rules file after the
// built-ins. The file holds an array of {name, pattern, replacement};
// an empty replacement defaults to the generic marker. Call before the
// first RedactString: the rule set is not safe to mutate while serving.
func LoadExtraRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("redact: read rules %s: %w", path, err)
	}
	var extras []extraRule
	if err := json.Unmarshal(data, &extras); err != nil {
		return fmt.Errorf("redact: parse rules %s: %w", path, err)
	}
	for i, ex := range extras {
		if ex.Name == "" {
			return fmt.Errorf("redact: rule %d in %s has no name", i, path)
		}
		re, err := regexp.Compile(ex.Pattern)
		if err != nil {
			return fmt.Errorf("redact: rule %q: %w", ex.Name, err)
		}
		repl := ex.Replacement
		if repl == "" {
			repl = MarkerRedacted
		}
		rules = append(rules, rule{name: ex.Name, re: re, repl: repl})
	}
	return nil
}
