package wire

import (
	"net/url"
	"strings"
)

// ParseAllowlist normalizes a raw allowlist string into host patterns.
// Entries split on commas and newlines; each entry is trimmed, lowercased,
// and reduced to its host when it parses as a URL. A leading "*." wildcard
// is preserved. Empty entries are dropped.
func ParseAllowlist(raw string) []string {
	var out []string
	for _, entry := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	}) {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "://") {
			if u, err := url.Parse(entry); err == nil && u.Host != "" {
				entry = u.Hostname()
			}
		}
		out = append(out, entry)
	}
	return out
}

// HostAllowed reports whether the URL's host matches any allowlist pattern.
// A bare host matches exactly; a "*." prefix matches any subdomain but not
// the apex.
func HostAllowed(rawURL string, allowlist []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, pattern := range allowlist {
		if sub, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(host, "."+sub) {
				return true
			}
			continue
		}
		if host == pattern {
			return true
		}
	}
	return false
}
