// Package redact decides whether captured records may be persisted or
// returned, and how sensitive substrings are replaced. The marker strings
// are part of the bridge's wire contract and must not change.
package redact

import (
	"regexp"
	"strings"
)

// Marker strings. Bit-exact contract with the extension and existing hosts.
const (
	MarkerRedacted   = "[REDACTED]"
	MarkerJWT        = "[JWT_TOKEN]"
	MarkerAPIKey     = "[API_KEY]"
	MarkerPassword   = "[PASSWORD]"
	MarkerCreditCard = "[CREDIT_CARD]"
	MarkerEmail      = "[EMAIL]"
	MarkerToken      = "[TOKEN]"
	MarkerSafeMode   = "[REDACTED_SAFE_MODE]"
	MarkerSnapshot   = "[REDACTED_SNAPSHOT]"
)

// rule is one ordered redaction pattern. Rules apply first-match-wins per
// substring: earlier rules replace text before later ones see it, and every
// replacement is a fixed point of the full rule set (idempotence).
type rule struct {
	name string
	re   *regexp.Regexp
	repl string

	// validate optionally rejects a match after the regex hit (Luhn).
	validate func(string) bool
}

var rules = []rule{
	{
		name: "authorization-header",
		re:   regexp.MustCompile(`(?i)(authorization["']?\s*[:=]\s*)(?:bearer\s+)?[^\s"',}]+`),
		repl: "${1}" + MarkerRedacted,
	},
	{
		name: "jwt-token",
		re:   regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
		repl: MarkerJWT,
	},
	{
		name: "api-key",
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)(["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-.]{8,}`),
		repl: "${1}${2}" + MarkerAPIKey,
	},
	{
		name: "password",
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)(["']?\s*[:=]\s*["']?)[^\s"',;&]+`),
		repl: "${1}${2}" + MarkerPassword,
	},
	{
		name:     "credit-card",
		re:       regexp.MustCompile(`\b[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}\b`),
		repl:     MarkerCreditCard,
		validate: luhnValid,
	},
	{
		name: "email",
		re:   regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		repl: MarkerEmail,
	},
	{
		name: "generic-token",
		re:   regexp.MustCompile(`(?i)(token|secret|auth)(["']?\s*[:=]\s*["']?)[A-Za-z0-9+/=_\-.]{12,}`),
		repl: "${1}${2}" + MarkerToken,
	},
}

// StringResult is the outcome of redacting one string.
type StringResult struct {
	Value        string   `json:"value"`
	RulesApplied []string `json:"rules_applied"`
}

// RedactString applies the ordered rule set to s. RulesApplied names the
// rules that actually replaced something, in rule order.
func RedactString(s string) StringResult {
	res := StringResult{Value: s}
	if s == "" {
		return res
	}
	for _, r := range rules {
		before := res.Value
		if r.validate != nil {
			res.Value = r.re.ReplaceAllStringFunc(res.Value, func(match string) string {
				if r.validate(match) {
					return r.repl
				}
				return match
			})
		} else {
			res.Value = r.re.ReplaceAllString(res.Value, r.repl)
		}
		if res.Value != before {
			res.RulesApplied = append(res.RulesApplied, r.name)
		}
	}
	return res
}

// RuleNames returns the stable rule names in application order.
func RuleNames() []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.name
	}
	return out
}

// luhnValid reports whether the digits of a candidate card number pass the
// Luhn checksum. Filters out phone numbers and IDs that merely look like
// card numbers.
func luhnValid(candidate string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, candidate)
	if len(digits) != 16 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
