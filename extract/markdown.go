package extract

import (
	"fmt"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Markdown converts captured document markup to markdown. Used by the
// document tool's markdown mode; scripts and styling are dropped by the
// converter.
func Markdown(markup string) (string, error) {
	md, err := htmltomarkdown.ConvertString(markup)
	if err != nil {
		return "", fmt.Errorf("extract: markdown: %w", err)
	}
	return md, nil
}
