// Package summarizer produces a short frequency-ranked digest of indexed blocks.
package summarizer

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"ragnotes/internal/domain"
)

// Digest is an overview of a block set: its dominant terms and the blocks
// that best represent them.
type Digest struct {
	Blocks     int
	TopTerms   []string
	Highlights []Highlight
}

// Highlight is a representative block shown by its first sentence.
type Highlight struct {
	BlockID string
	Snippet string
	Score   float64
}

// String renders the digest as a few lines of plain text.
func (d Digest) String() string {
	if d.Blocks == 0 {
		return "no blocks indexed"
	}
	var b strings.Builder
	b.WriteString(pluralize(d.Blocks, "block"))
	if len(d.TopTerms) > 0 {
		b.WriteString(" · ")
		b.WriteString(strings.Join(d.TopTerms, ", "))
	}
	for _, h := range d.Highlights {
		b.WriteString("\n^")
		b.WriteString(h.BlockID)
		b.WriteString("  ")
		b.WriteString(h.Snippet)
	}
	return b.String()
}

func pluralize(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// FrequencySummarizer ranks blocks by how many of the corpus's frequent terms they use (stopwords filtered).
type FrequencySummarizer struct {
	tokenPattern    *regexp.Regexp
	sentencePattern *regexp.Regexp
	stopwords       map[string]struct{}
}

// NewFrequencySummarizer creates a frequency-based block ranker.
func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{
		tokenPattern:    regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`),
		sentencePattern: regexp.MustCompile(`(?m)(?U)([^.!?\n]+[.!?])`),
		stopwords:       defaultStopwords(),
	}
}

// Summarize digests blocks into at most maxHighlights highlights and maxTerms terms.
// Non-positive limits default to 3 and 5.
func (s *FrequencySummarizer) Summarize(blocks []domain.Block, maxHighlights, maxTerms int) Digest {
	if maxHighlights <= 0 {
		maxHighlights = 3
	}
	if maxTerms <= 0 {
		maxTerms = 5
	}
	d := Digest{Blocks: len(blocks)}
	if len(blocks) == 0 {
		return d
	}

	tokens := make([][]string, len(blocks))
	freq := map[string]float64{}
	for i, b := range blocks {
		for _, tok := range s.tokens(b.Content) {
			if _, ok := s.stopwords[tok]; ok {
				continue
			}
			tokens[i] = append(tokens[i], tok)
			freq[tok]++
		}
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	d.TopTerms = terms

	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, len(blocks))
	for i := range blocks {
		score := 0.0
		for _, tok := range tokens[i] {
			score += freq[tok] / maxF
		}
		// normalize by length so long blocks don't dominate
		if l := float64(len(tokens[i])); l > 0 {
			score /= math.Sqrt(l)
		}
		scores[i] = pair{i, score}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if maxHighlights > len(scores) {
		maxHighlights = len(scores)
	}
	for _, p := range scores[:maxHighlights] {
		d.Highlights = append(d.Highlights, Highlight{
			BlockID: blocks[p.idx].ID,
			Snippet: s.firstSentence(blocks[p.idx].Content),
			Score:   p.score,
		})
	}
	return d
}

func (s *FrequencySummarizer) firstSentence(text string) string {
	if m := s.sentencePattern.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}

func (s *FrequencySummarizer) tokens(text string) []string {
	lower := strings.ToLower(text)
	return s.tokenPattern.FindAllString(lower, -1)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now", "i", "my", "we", "note",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
