package redact

import "testing"

func TestSafeModeDropsStorageCategories(t *testing.T) {
	for _, cat := range []string{"storage", "cookie-dump"} {
		out, dropped := ApplySafeMode(cat, map[string]any{"anything": "x"})
		if !dropped || out != nil {
			t.Fatalf("category %q not dropped", cat)
		}
	}
}

func TestSafeModeConsolePayload(t *testing.T) {
	payload := map[string]any{
		"inputValue": "secret text",
		"nested": map[string]any{
			"cookieHeader":     "Cookie: auth=abc123",
			"localStorageDump": map[string]any{"token": "abc"},
		},
		"message": "Set-Cookie: refreshToken=xyz",
		"status":  "ok",
	}

	out, dropped := ApplySafeMode("console", payload)
	if dropped {
		t.Fatal("console category must not be dropped")
	}
	if out["inputValue"] != MarkerSafeMode {
		t.Fatalf("inputValue = %v", out["inputValue"])
	}
	nested := out["nested"].(map[string]any)
	if nested["cookieHeader"] != MarkerSafeMode {
		t.Fatalf("cookieHeader = %v", nested["cookieHeader"])
	}
	if nested["localStorageDump"] != MarkerSafeMode {
		t.Fatalf("localStorageDump = %v", nested["localStorageDump"])
	}
	if out["message"] != MarkerSafeMode {
		t.Fatalf("message = %v", out["message"])
	}
	if out["status"] != "ok" {
		t.Fatalf("status = %v", out["status"])
	}
}

func TestSafeModeNilPayload(t *testing.T) {
	out, dropped := ApplySafeMode("console", nil)
	if dropped || out != nil {
		t.Fatalf("nil payload: out=%v dropped=%v", out, dropped)
	}
}
