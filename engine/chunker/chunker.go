// Package chunker splits extracted page text into overlapping passages that
// prefer to end on a sentence boundary.
package chunker

import (
	"iter"
	"strings"
)

const (
	// DefaultSize is the target number of characters per chunk.
	DefaultSize = 1000
	// DefaultOverlap is the number of characters shared by consecutive chunks.
	DefaultOverlap = 200
)

// sentenceEnds are tried in order; the first one found past the window midpoint wins.
var sentenceEnds = [][]rune{
	[]rune(". "), []rune(".\n"),
	[]rune("! "), []rune("!\n"),
	[]rune("? "), []rune("?\n"),
}

// Options configures chunk size and overlap, both in characters.
type Options struct {
	Size    int
	Overlap int
}

// DefaultOptions returns the reference 1000/200 configuration.
func DefaultOptions() Options {
	return Options{Size: DefaultSize, Overlap: DefaultOverlap}
}

func (o Options) normalize() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 5
	}
	return o
}

// Seq returns the chunks of text as a lazy sequence. Ranging over it again
// recomputes the chunks from the start.
func Seq(text string, opts Options) iter.Seq[string] {
	opts = opts.normalize()
	return func(yield func(string) bool) {
		runes := []rune(text)
		if len(runes) <= opts.Size {
			if s := strings.TrimSpace(text); s != "" {
				yield(s)
			}
			return
		}

		start := 0
		for start < len(runes) {
			end := start + opts.Size
			if end < len(runes) {
				if cut := boundary(runes, start, end, opts.Size); cut > 0 {
					end = cut
				}
			} else {
				end = len(runes)
			}

			if s := strings.TrimSpace(string(runes[start:end])); s != "" {
				if !yield(s) {
					return
				}
			}
			if end == len(runes) {
				return
			}
			next := end - opts.Overlap
			if next <= start {
				next = end
			}
			start = next
		}
	}
}

// Split collects Seq into a slice.
func Split(text string, opts Options) []string {
	var out []string
	for c := range Seq(text, opts) {
		out = append(out, c)
	}
	return out
}

// boundary returns the cut position just after the last sentence end inside
// runes[start:end] that lies past start+size/2, or -1 if none qualifies.
func boundary(runes []rune, start, end, size int) int {
	floor := start + size/2
	for _, p := range sentenceEnds {
		if i := lastIndex(runes, p, start, end); i > floor {
			return i + 1
		}
	}
	return -1
}

// lastIndex finds the last occurrence of p fully contained in runes[start:end].
func lastIndex(runes, p []rune, start, end int) int {
	for i := end - len(p); i >= start; i-- {
		match := true
		for j := range p {
			if runes[i+j] != p[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Tokens approximates the token count of s as its word count.
func Tokens(s string) int {
	return len(strings.Fields(s))
}
