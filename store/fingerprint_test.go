package store

import "testing"

func TestFingerprintStableAcrossLineNumbers(t *testing.T) {
	a := FingerprintHash("TypeError: x is undefined", "at handleClick (app.js:10:5)\nat dispatch (react-dom.js:100:20)")
	b := FingerprintHash("TypeError: x is undefined", "at handleClick (app.js:42:9)\nat dispatch (react-dom.js:7:3)")
	if a != b {
		t.Fatalf("line/col changes produced distinct fingerprints:\n%s\n%s", a, b)
	}
}

func TestFingerprintCaseInsensitivePaths(t *testing.T) {
	a := FingerprintHash("boom", "at f (Src/App.js:1:1)")
	b := FingerprintHash("boom", "at f (src/app.js:2:2)")
	if a != b {
		t.Fatal("pathname case produced distinct fingerprints")
	}
}

func TestFingerprintWebpackHashDropped(t *testing.T) {
	a := FingerprintHash("boom", "at f (main.abc123def456.js:1:1)")
	b := FingerprintHash("boom", "at f (main.fed654cba321.js:1:1)")
	if a != b {
		t.Fatal("webpack chunk hash produced distinct fingerprints")
	}
}

func TestFingerprintDistinctMessages(t *testing.T) {
	a := FingerprintHash("TypeError: x is undefined", "")
	b := FingerprintHash("ReferenceError: y is not defined", "")
	if a == b {
		t.Fatal("distinct messages collided")
	}
}

func TestNormalizeMessageCollapsesWhitespace(t *testing.T) {
	if got := NormalizeMessage("  a \t b\n c  "); got != "a b c" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeStackDropsBlankLines(t *testing.T) {
	got := NormalizeStack("at f (a.js:1:1)\n\n  at g (b.js:2:2)  \n")
	want := "at f (a.js)\nat g (b.js)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
