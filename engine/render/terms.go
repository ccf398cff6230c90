package render

import (
	"regexp"
	"strings"
)

// MaxKeyTerms caps ExtractKeyTerms.
const MaxKeyTerms = 10

var (
	measureRe = regexp.MustCompile(`(?i)\d+\.?\d*\s*(?:qt|quart|psi|mile|km|liter|gallon|inch|mm|°)`)
	capsRe    = regexp.MustCompile(`\b[A-Z][A-Za-z]+(?:\s+[A-Z][A-Za-z]+)*\b`)
	quotedRe  = regexp.MustCompile(`"([^"]+)"`)
)

// ExtractKeyTerms picks terms worth highlighting from an answer: measurements
// with a unit, capitalized phrases longer than three characters, then quoted
// text. Duplicates are dropped case-insensitively keeping the first, and at
// most MaxKeyTerms are returned.
func ExtractKeyTerms(text string) []string {
	var candidates []string
	candidates = append(candidates, measureRe.FindAllString(text, -1)...)
	for _, c := range capsRe.FindAllString(text, -1) {
		if len(c) > 3 {
			candidates = append(candidates, c)
		}
	}
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}

	seen := make(map[string]struct{}, len(candidates))
	terms := make([]string, 0, MaxKeyTerms)
	for _, c := range candidates {
		key := strings.ToLower(c)
		if _, dup := seen[key]; dup || len(c) <= 2 {
			continue
		}
		seen[key] = struct{}{}
		terms = append(terms, c)
		if len(terms) == MaxKeyTerms {
			break
		}
	}
	return terms
}
