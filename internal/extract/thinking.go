// Package extract separates provider reasoning spans from visible answer
// text. Extraction is a pure re-scan over the full accumulated text, so it is
// safe to re-run on every streaming update.
package extract

import (
	"regexp"
	"strings"
)

var (
	spanRegex = regexp.MustCompile(`(?is)<think(?:ing)?>(.*?)</think(?:ing)?>`)
	openRegex = regexp.MustCompile(`(?i)<think(?:ing)?>`)
)

// Extraction is the result of splitting raw text into visible content and
// reasoning blocks.
type Extraction struct {
	// Content is the visible text with all completed spans removed. Text
	// inside an unterminated span is excluded as well.
	Content string
	// Thinking holds the completed spans in document order.
	Thinking []string
	// Pending is the text inside an unterminated span, if any. It belongs to
	// neither Content nor Thinking until its closing tag arrives.
	Pending string
}

// Thinking scans raw text for paired reasoning markers. Any number of
// non-overlapping spans is supported, and a span split across streaming chunk
// boundaries is simply picked up once the closing tag has accumulated.
func Thinking(text string) Extraction {
	var blocks []string
	remainder := spanRegex.ReplaceAllStringFunc(text, func(match string) string {
		inner := spanRegex.FindStringSubmatch(match)[1]
		if trimmed := strings.TrimSpace(inner); trimmed != "" {
			blocks = append(blocks, trimmed)
		}
		return ""
	})

	var pending string
	if loc := openRegex.FindStringIndex(remainder); loc != nil {
		pending = remainder[loc[1]:]
		remainder = remainder[:loc[0]]
	}

	return Extraction{
		Content:  strings.TrimSpace(remainder),
		Thinking: blocks,
		Pending:  pending,
	}
}

// Content returns only the visible text, discarding reasoning spans.
func Content(text string) string {
	return Thinking(text).Content
}
