package extract

import (
	"strings"
	"testing"
)

const sampleHTML = `<html><body>
<div id="app" class="container main">
  <nav class="header"><a href="/">Home</a></nav>
  <main>
    <button class="buy">Buy now</button>
    <ul><li>one</li><li>two</li></ul>
  </main>
</div>
<script>ignore()</script>
</body></html>`

func TestOutlineStructure(t *testing.T) {
	out, err := Outline(sampleHTML, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"div#app.container.main", "nav.header", `button.buy "Buy now"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("outline missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "script") {
		t.Fatalf("script leaked into outline:\n%s", out)
	}
}

func TestOutlineDepthLimit(t *testing.T) {
	out, err := Outline(sampleHTML, 3)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "li") && !strings.Contains(out, "elided") {
		t.Fatalf("depth limit not applied:\n%s", out)
	}
}

func TestOutlineIndentation(t *testing.T) {
	out, err := Outline("<div><span>x</span></div>", 10)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out, "\n")
	foundIndent := false
	for _, l := range lines {
		if strings.HasPrefix(l, "  ") {
			foundIndent = true
		}
	}
	if !foundIndent {
		t.Fatalf("no indentation in outline:\n%s", out)
	}
}

func TestOutlineEmpty(t *testing.T) {
	out, err := Outline("", 3)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "div") {
		t.Fatalf("unexpected content: %q", out)
	}
}

func TestMarkdown(t *testing.T) {
	md, err := Markdown(`<h1>Title</h1><p>Some <strong>bold</strong> text.</p>`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "Title") || !strings.Contains(md, "**bold**") {
		t.Fatalf("markdown = %q", md)
	}
}
