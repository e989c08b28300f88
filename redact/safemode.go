package redact

import "strings"

// Safe-mode payload policy. Applied at ingest time when the owning session
// has safe_mode enabled: whole categories are dropped, and known-sensitive
// fields or cookie-bearing values are replaced with the safe-mode marker.

// droppedCategories are event categories discarded entirely in safe mode.
var droppedCategories = map[string]bool{
	"storage":     true,
	"cookie-dump": true,
}

// safeModeFields are field names replaced wholesale, whatever their value.
var safeModeFields = map[string]bool{
	"inputValue":         true,
	"cookieHeader":       true,
	"localStorageDump":   true,
	"sessionStorageDump": true,
	"cookies":            true,
}

// ApplySafeMode enforces the safe-mode payload policy for one event.
// Returns (nil, true) when the category is dropped; otherwise the payload
// with sensitive fields and cookie-bearing strings replaced.
func ApplySafeMode(category string, payload map[string]any) (map[string]any, bool) {
	if droppedCategories[category] {
		return nil, true
	}
	if payload == nil {
		return nil, false
	}
	out, _ := walkSafeMode(payload).(map[string]any)
	return out, false
}

func walkSafeMode(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			if safeModeFields[k] {
				out[k] = MarkerSafeMode
				continue
			}
			out[k] = walkSafeMode(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = walkSafeMode(elem)
		}
		return out
	case string:
		if strings.Contains(val, "Cookie:") || strings.Contains(val, "Set-Cookie:") {
			return MarkerSafeMode
		}
		return val
	default:
		return v
	}
}
