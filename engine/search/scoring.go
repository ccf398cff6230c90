package search

import (
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`the a an is are was were be been being have has had do does did
		will would could should may might must can to of in for on with at by from it this that
		these those i you he she we they my your his her our their`) {
		stopWords[w] = struct{}{}
	}
}

func contentWords(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		if _, stop := stopWords[w]; !stop {
			out[w] = struct{}{}
		}
	}
	return out
}

// KeywordScore is the fraction of the query's non-stop words present in
// content, in [0,1]. A query made only of stop words scores 0.
func KeywordScore(query, content string) float64 {
	q := contentWords(query)
	if len(q) == 0 {
		return 0
	}
	c := contentWords(content)
	hit := 0
	for w := range q {
		if _, ok := c[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(q))
}

// Weights blends semantic and keyword scores.
type Weights struct {
	Semantic float64
	Keyword  float64
}

// DefaultWeights is 0.7 semantic, 0.3 keyword.
var DefaultWeights = Weights{Semantic: 0.7, Keyword: 0.3}

// Combine returns the weighted score.
func (w Weights) Combine(semantic, keyword float64) float64 {
	return w.Semantic*semantic + w.Keyword*keyword
}

// SemanticFloor is the lowest semantic score that can still reach minScore
// when the keyword score is perfect. Backends use it to prefilter.
func (w Weights) SemanticFloor(minScore float64) float64 {
	if w.Semantic <= 0 {
		return 0
	}
	return max(0, (minScore-w.Keyword)/w.Semantic)
}

// pageRefRe counts cross-references such as "P. 123", "→ P. 123",
// "...... 123" and "…… 123".
var pageRefRe = regexp.MustCompile(`(?:→\s*)?P\.\s*\d+|(?:\.{3,}|…+)\s*\d+`)

// TOCDetector flags table-of-contents and index pages. The thresholds are
// hand tuned.
type TOCDetector struct {
	MinRefs  int
	MinRatio float64
	Markers  []string
}

// DefaultTOC flags pages with at least 4 page references making up more than
// 3% of their words, or any explicit index marker.
var DefaultTOC = TOCDetector{
	MinRefs:  4,
	MinRatio: 0.03,
	Markers:  []string{"pictorial index", "table of contents", "alphabetical index"},
}

// PageRefs counts page reference patterns in text.
func PageRefs(text string) int {
	return len(pageRefRe.FindAllStringIndex(text, -1))
}

// IsTOC reports whether text looks like a table of contents or index.
func (d TOCDetector) IsTOC(text string) bool {
	refs := PageRefs(text)
	words := len(strings.Fields(text))
	if words > 0 && refs >= d.MinRefs && float64(refs)/float64(words) > d.MinRatio {
		return true
	}
	lower := strings.ToLower(text)
	for _, m := range d.Markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
