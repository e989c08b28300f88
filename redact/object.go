package redact

// Summary describes what redaction did to a structured value. Shape is part
// of the MCP envelope contract.
type Summary struct {
	TotalFields    int      `json:"total_fields"`
	RedactedFields int      `json:"redacted_fields"`
	RulesApplied   []string `json:"rules_applied"`
}

// ObjectResult is the outcome of redacting a structured value.
type ObjectResult struct {
	Value   any     `json:"value"`
	Summary Summary `json:"summary"`
}

// RedactObject walks maps and ordered sequences, redacting every string
// leaf. Non-string leaves pass through unchanged. The summary counts string
// fields visited and replaced, and unions the rules applied.
func RedactObject(obj any) ObjectResult {
	res := ObjectResult{}
	seen := map[string]bool{}
	res.Value = walkRedact(obj, &res.Summary, seen)
	if res.Summary.RulesApplied == nil {
		res.Summary.RulesApplied = []string{}
	}
	return res
}

func walkRedact(v any, sum *Summary, seen map[string]bool) any {
	switch val := v.(type) {
	case string:
		sum.TotalFields++
		r := RedactString(val)
		if len(r.RulesApplied) > 0 {
			sum.RedactedFields++
			for _, name := range r.RulesApplied {
				if !seen[name] {
					seen[name] = true
					sum.RulesApplied = append(sum.RulesApplied, name)
				}
			}
		}
		return r.Value
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = walkRedact(elem, sum, seen)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = walkRedact(elem, sum, seen)
		}
		return out
	default:
		return v
	}
}
