package consumer

import (
	"regexp"
	"strconv"
)

var markerRegex = regexp.MustCompile(`\[(\d+)\]`)

// CitationRef is one inline [n] marker found in clean content. Index is the
// literal 1-based number from the text; URL is set only when the marker
// resolves against the source list. Unresolved markers render as plain text.
type CitationRef struct {
	Index    int
	URL      string
	Resolved bool
}

// ResolveCitations scans content for bracketed numeric markers and resolves
// each against the 1-indexed source list, in document order.
func ResolveCitations(content string, sources []string) []CitationRef {
	matches := markerRegex.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	refs := make([]CitationRef, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ref := CitationRef{Index: n}
		if n >= 1 && n <= len(sources) {
			ref.URL = sources[n-1]
			ref.Resolved = true
		}
		refs = append(refs, ref)
	}
	return refs
}
