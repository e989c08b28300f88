package redact

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// Snapshot-specific masking. Unlike the generic engine, this operates on
// captured DOM markup: form values are masked, sensitive attributes are
// rewritten, and a sensitive selector poisons the whole subtree.

// Privacy profiles.
const (
	ProfileStandard = "standard"
	ProfileStrict   = "strict"
)

// SnapshotPolicy selects how aggressively a capture is masked.
type SnapshotPolicy struct {
	SafeMode bool
	Profile  string // ProfileStandard or ProfileStrict
}

// SnapshotOutcome reports what the policy did to one capture.
type SnapshotOutcome struct {
	DomHTML         string   `json:"-"`
	BlockPNG        bool     `json:"block_png"`
	SubtreeRedacted bool     `json:"subtree_redacted"`
	Reasons         []string `json:"reasons,omitempty"`
}

var (
	sensitiveSelectorRe = regexp.MustCompile(`(?i)(password|token|secret|auth|session|email|card|cvv|cvc|ssn|iban|payment)`)

	inputValueDQRe  = regexp.MustCompile(`(?i)(<input\b[^>]*\bvalue\s*=\s*")[^"]*(")`)
	inputValueSQRe  = regexp.MustCompile(`(?i)(<input\b[^>]*\bvalue\s*=\s*')[^']*(')`)
	textareaRe      = regexp.MustCompile(`(?is)(<textarea\b[^>]*>).*?(</textarea>)`)
	sensitiveAttrRe = regexp.MustCompile(`(?i)\b(data-(?:token|auth|secret|session|key|api[_-]?key|credential))\s*=\s*"[^"]*"`)
)

// strictSanitizer strips scripts, iframes and event handlers from captured
// markup while keeping the structural attributes debugging needs.
var strictSanitizer = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class", "id", "style", "role", "type", "name", "placeholder").Globally()
	p.AllowElements("input", "textarea", "select", "option", "button", "form", "label")
	return p
}()

// RedactSnapshotDOM applies the snapshot masking policy to captured markup.
// A selector matching the sensitive pattern marks the entire selected
// subtree sensitive and replaces the payload with the snapshot marker.
func RedactSnapshotDOM(domHTML, selector string, policy SnapshotPolicy) SnapshotOutcome {
	out := SnapshotOutcome{DomHTML: domHTML}

	if policy.SafeMode && policy.Profile == ProfileStrict {
		out.BlockPNG = true
		out.Reasons = append(out.Reasons, "png_blocked_strict_safe_mode")
	}

	if selector != "" && sensitiveSelectorRe.MatchString(selector) {
		out.DomHTML = MarkerSnapshot
		out.SubtreeRedacted = true
		out.Reasons = append(out.Reasons, "subtree_sensitive_selector")
		return out
	}
	if domHTML == "" {
		return out
	}

	masked := inputValueDQRe.ReplaceAllString(out.DomHTML, "${1}"+MarkerRedacted+"${2}")
	masked = inputValueSQRe.ReplaceAllString(masked, "${1}"+MarkerRedacted+"${2}")
	if masked != out.DomHTML {
		out.Reasons = append(out.Reasons, "input_values_masked")
	}

	before := masked
	masked = textareaRe.ReplaceAllString(masked, "${1}"+MarkerRedacted+"${2}")
	if masked != before {
		out.Reasons = append(out.Reasons, "textareas_masked")
	}

	before = masked
	masked = sensitiveAttrRe.ReplaceAllString(masked, `${1}="`+MarkerRedacted+`"`)
	if masked != before {
		out.Reasons = append(out.Reasons, "sensitive_attributes_masked")
	}

	if policy.Profile == ProfileStrict {
		masked = strictSanitizer.Sanitize(masked)
		out.Reasons = append(out.Reasons, "dom_sanitized_strict")
	}

	out.DomHTML = masked
	return out
}
