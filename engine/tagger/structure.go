package tagger

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// headingScanLines is how many leading lines of a page are inspected for headings.
const headingScanLines = 10

var chapterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(\d+[-–]?\d*)\s*[-–]?\s*(.+)$`),   // "1-1 Before driving", "3 Interior"
	regexp.MustCompile(`(?i)^(SECTION\s+\d+)\s*[-–:]?\s*(.+)$`), // "SECTION 4: Brakes"
	regexp.MustCompile(`(?i)^(Chapter\s+\d+)\s*[-–:]?\s*(.+)$`), // "Chapter 2: Maintenance"
}

var titleCaseLine = regexp.MustCompile(`^[A-Z][a-z]+ [A-Z][a-z]+`)

// Heading is the structure found at the top of one page. Empty fields mean absent.
type Heading struct {
	Chapter string
	Section string
}

// ExtractHeading scans the first lines of a page for chapter and section headings.
// Later matches within the scanned lines override earlier ones.
func ExtractHeading(pageText string) Heading {
	var h Heading
	lines := strings.Split(pageText, "\n")
	if len(lines) > headingScanLines {
		lines = lines[:headingScanLines]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if ch, ok := matchChapter(line); ok {
			h.Chapter = ch
		}
		n := utf8.RuneCountInString(line)
		switch {
		case isUpper(line) && n > 5 && n < 100:
			h.Section = titleCase(line)
		case n < 100 && titleCaseLine.MatchString(line):
			h.Section = line
		}
	}
	return h
}

func matchChapter(line string) (string, bool) {
	for _, p := range chapterPatterns {
		if m := p.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1] + " - " + m[2]), true
		}
	}
	return "", false
}

// isUpper reports whether s has at least one letter and no lowercase letters.
func isUpper(s string) bool {
	cased := false
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			cased = true
		}
	}
	return cased
}

// titleCase upper-cases the first letter of every letter run and lower-cases the rest.
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		prevLetter = false
		b.WriteRune(r)
	}
	return b.String()
}

// Tracker carries the most recent chapter forward across the pages of one document.
// Sections are page-local. A Tracker is not safe for concurrent use.
type Tracker struct {
	chapter string
}

// Page returns the heading to attach to chunks of the next page.
func (t *Tracker) Page(pageText string) Heading {
	h := ExtractHeading(pageText)
	if h.Chapter != "" {
		t.chapter = h.Chapter
	}
	h.Chapter = t.chapter
	return h
}
