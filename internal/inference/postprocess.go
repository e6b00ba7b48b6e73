// ABOUTME: Validation and rendering of raw model output
// ABOUTME: Empty output is an error; oversized output is truncated by runes

package inference

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdown renders replies with GFM tables and autolinks. Raw HTML in model
// output is omitted, never passed through.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// truncationMarker ends a truncated reply.
const truncationMarker = "\n\n[output truncated]"

// finalize trims whitespace, rejects empty output, and truncates so the
// result including the marker fits in maxChars runes. It reports whether
// truncation happened.
func finalize(raw string, maxChars int) (string, bool, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", false, NewBackendError(ClassEmptyOutput, ErrEmptyOutput)
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text, false, nil
	}
	runes := []rune(text)
	keep := maxChars - utf8.RuneCountInString(truncationMarker)
	if keep <= 0 {
		return string(runes[:maxChars]), true, nil
	}
	return strings.TrimRightFunc(string(runes[:keep]), func(r rune) bool { return r == ' ' || r == '\n' }) + truncationMarker, true, nil
}

// RenderHTML converts a markdown reply to HTML. Rendering failures return
// the empty string; the plain text is always delivered.
func RenderHTML(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return buf.String()
}
