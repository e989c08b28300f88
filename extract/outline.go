// Package extract turns captured DOM markup into compact representations:
// a structural outline used as the fallback when full HTML would exceed
// byte limits, and a markdown rendering for text-oriented consumers.
package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// skipTags are elements that carry no structure worth outlining.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"meta": true, "link": true, "template": true,
}

// Outline parses markup and renders a depth-limited structural summary:
// one element per line, indented, with id/class hints and leaf text. A
// depth cutoff annotates how many children were elided.
func Outline(markup string, maxDepth int) (string, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("extract: parse: %w", err)
	}

	var b strings.Builder
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || skipTags[c.Data] || c.Data == "head" {
				continue
			}
			// html and body are parser-inserted wrappers; descend through
			// them without spending outline depth.
			if c.Data == "html" || c.Data == "body" {
				walk(c, depth)
				continue
			}
			if depth >= maxDepth {
				if count := countElements(c); count > 0 {
					fmt.Fprintf(&b, "%s… (%d elements elided)\n",
						strings.Repeat("  ", depth), count)
				}
				return
			}
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString(describe(c))
			b.WriteByte('\n')
			walk(c, depth+1)
		}
	}
	walk(doc, 0)
	return strings.TrimRight(b.String(), "\n"), nil
}

// describe renders one element: tag#id.class "leaf text".
func describe(n *html.Node) string {
	var b strings.Builder
	b.WriteString(n.Data)
	var classes string
	for _, a := range n.Attr {
		switch a.Key {
		case "id":
			if a.Val != "" {
				b.WriteByte('#')
				b.WriteString(a.Val)
			}
		case "class":
			classes = a.Val
		}
	}
	for _, cl := range strings.Fields(classes) {
		b.WriteByte('.')
		b.WriteString(cl)
	}
	if text := leafText(n); text != "" {
		fmt.Fprintf(&b, " %q", truncate(text, 40))
	}
	return b.String()
}

// leafText returns the direct text content of an element with no element
// children, collapsed to single spaces.
func leafText(n *html.Node) string {
	var parts []string
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return ""
		}
		if c.Type == html.TextNode {
			if t := strings.TrimSpace(c.Data); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, " ")
}

// countElements counts element descendants of n, including n itself.
func countElements(n *html.Node) int {
	count := 0
	if n.Type == html.ElementNode && !skipTags[n.Data] {
		count = 1
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		count += countElements(c)
	}
	return count
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
