package store

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Fingerprinting groups recurring errors by a digest of the normalized
// message and stack. Normalization is the minimum that stabilizes across
// runs: strip :line:col suffixes, lowercase pathnames, drop webpack chunk
// hashes, collapse whitespace.

var (
	lineColRe     = regexp.MustCompile(`:\d+:\d+`)
	webpackHashRe = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// NormalizeMessage canonicalizes an error message for fingerprinting.
func NormalizeMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	msg = spaceRe.ReplaceAllString(msg, " ")
	return msg
}

// NormalizeStack canonicalizes a stack trace: per frame, strip the
// trailing :line:col, lowercase the pathname portion, and drop hex chunk
// hashes from bundled filenames.
func NormalizeStack(stack string) string {
	if stack == "" {
		return ""
	}
	lines := strings.Split(stack, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = lineColRe.ReplaceAllString(line, "")
		// Lowercase only the path segment, keeping symbol names intact.
		// In "at handleClick (Src/App.js)" only the paren part is lowered.
		if idx := strings.LastIndex(line, "("); idx >= 0 {
			line = line[:idx] + strings.ToLower(line[idx:])
		} else if strings.HasPrefix(line, "at ") || strings.Contains(line, "://") {
			line = strings.ToLower(line)
		}
		line = webpackHashRe.ReplaceAllString(line, "")
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// FingerprintHash returns the stable digest for a (message, stack) pair.
// Identical normalized forms hash identically; the digest is hex of the
// first 16 bytes of sha256.
func FingerprintHash(message, stack string) string {
	h := sha256.Sum256([]byte(NormalizeMessage(message) + "\n" + NormalizeStack(stack)))
	return hex.EncodeToString(h[:16])
}
