package redact

import (
	"strings"
	"testing"
)

func TestSnapshotSensitiveSelector(t *testing.T) {
	out := RedactSnapshotDOM("<div><input value=\"x\"></div>", "#password-form", SnapshotPolicy{Profile: ProfileStandard})
	if out.DomHTML != MarkerSnapshot {
		t.Fatalf("payload = %q, want marker", out.DomHTML)
	}
	if !out.SubtreeRedacted {
		t.Fatal("subtree not marked redacted")
	}
}

func TestSnapshotSelectorPatterns(t *testing.T) {
	sensitive := []string{"#token-box", ".auth-panel", "[data-session]", "#cardNumber", ".cvv", "#payment"}
	for _, sel := range sensitive {
		out := RedactSnapshotDOM("<div></div>", sel, SnapshotPolicy{})
		if !out.SubtreeRedacted {
			t.Fatalf("selector %q not treated as sensitive", sel)
		}
	}
	out := RedactSnapshotDOM("<div></div>", "#main-content", SnapshotPolicy{})
	if out.SubtreeRedacted {
		t.Fatal("#main-content wrongly treated as sensitive")
	}
}

func TestSnapshotMasksFormValues(t *testing.T) {
	html := `<form><input name="q" value="typed text"><textarea>dear diary</textarea></form>`
	out := RedactSnapshotDOM(html, "", SnapshotPolicy{Profile: ProfileStandard})
	if strings.Contains(out.DomHTML, "typed text") {
		t.Fatalf("input value survived: %s", out.DomHTML)
	}
	if strings.Contains(out.DomHTML, "dear diary") {
		t.Fatalf("textarea body survived: %s", out.DomHTML)
	}
	if !strings.Contains(out.DomHTML, MarkerRedacted) {
		t.Fatalf("marker missing: %s", out.DomHTML)
	}
}

func TestSnapshotMasksSensitiveAttributes(t *testing.T) {
	html := `<div data-token="abc123" data-auth="xyz" data-color="red"></div>`
	out := RedactSnapshotDOM(html, "", SnapshotPolicy{})
	if strings.Contains(out.DomHTML, "abc123") || strings.Contains(out.DomHTML, "xyz") {
		t.Fatalf("sensitive attr survived: %s", out.DomHTML)
	}
	if !strings.Contains(out.DomHTML, `data-color="red"`) {
		t.Fatalf("benign attr lost: %s", out.DomHTML)
	}
}

func TestSnapshotPNGBlockedStrictSafeMode(t *testing.T) {
	out := RedactSnapshotDOM("<div></div>", "", SnapshotPolicy{SafeMode: true, Profile: ProfileStrict})
	if !out.BlockPNG {
		t.Fatal("png not blocked under strict safe mode")
	}

	out = RedactSnapshotDOM("<div></div>", "", SnapshotPolicy{SafeMode: true, Profile: ProfileStandard})
	if out.BlockPNG {
		t.Fatal("png blocked under standard profile")
	}
}

func TestSnapshotStrictStripsScripts(t *testing.T) {
	html := `<div onclick="steal()">hi<script>alert(1)</script></div>`
	out := RedactSnapshotDOM(html, "", SnapshotPolicy{Profile: ProfileStrict})
	if strings.Contains(out.DomHTML, "script") || strings.Contains(out.DomHTML, "onclick") {
		t.Fatalf("strict profile kept active content: %s", out.DomHTML)
	}
	if !strings.Contains(out.DomHTML, "hi") {
		t.Fatalf("text content lost: %s", out.DomHTML)
	}
}
