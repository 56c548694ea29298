package blocks

import (
	"regexp"
	"strings"
)

const (
	openDelim  = '['
	closeDelim = ']'
	tagMarker  = '^'
)

var (
	// closing delimiter immediately followed by ^id
	tagRe = regexp.MustCompile(`\]\^([A-Za-z0-9_-]+)`)
	refRe = regexp.MustCompile(`\^([A-Za-z0-9_-]+)`)
)

// Extracted is one block definition found in a text.
type Extracted struct {
	ID      string
	Content string
	Line    int
}

// Extract finds every "[content]^id" block in text, in order of their closing tags.
// Nested delimiter pairs inside the body are kept verbatim; a tag without a
// matching opening delimiter is dropped. An empty body still yields a block.
func Extract(text string) []Extracted {
	matches := tagRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	var out []Extracted
	for _, m := range matches {
		closeAt := m[0]
		openAt := matchOpen(text, closeAt)
		if openAt < 0 {
			continue
		}
		content := strings.TrimSpace(text[openAt+1 : closeAt])
		out = append(out, Extracted{
			ID:      text[m[2]:m[3]],
			Content: content,
			Line:    strings.Count(text[:openAt], "\n") + 1,
		})
	}
	return out
}

// matchOpen walks backward from the closing delimiter at closeAt and returns the
// index of the opening delimiter that balances it, or -1.
func matchOpen(text string, closeAt int) int {
	depth := 0
	for i := closeAt; i >= 0; i-- {
		switch text[i] {
		case closeDelim:
			depth++
		case openDelim:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// References returns the ids mentioned as "^id" in text that are not a block's
// own closing tag, deduplicated in order of first appearance.
func References(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range refRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > 0 && text[m[0]-1] == closeDelim {
			continue
		}
		id := text[m[2]:m[3]]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Format renders content as a block definition tagged with id.
func Format(id, content string) string {
	return string(openDelim) + content + string(closeDelim) + string(tagMarker) + id
}
