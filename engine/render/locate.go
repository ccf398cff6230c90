package render

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// PDFLocator finds term positions from the glyphs of a page's content stream.
// Scanned pages without a text layer yield no boxes.
type PDFLocator struct{}

// Locate implements Locator.
func (PDFLocator) Locate(path string, page int, terms []string) (boxes []Box, err error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("render: open %s: %w", path, err)
	}
	defer f.Close()

	if page < 1 || page > r.NumPage() {
		return nil, fmt.Errorf("render: page %d of %d", page, r.NumPage())
	}
	p := r.Page(page)
	if p.V.IsNull() {
		return nil, nil
	}

	// The content parser panics on malformed streams.
	defer func() {
		if rec := recover(); rec != nil {
			boxes, err = nil, fmt.Errorf("render: parse page %d: %v", page, rec)
		}
	}()
	return LocateInGlyphs(p.Content().Text, terms), nil
}

// LocateInGlyphs groups glyphs into lines and returns a box for every
// case-insensitive occurrence of each term. A term may span several glyphs of
// one line but not a line break.
func LocateInGlyphs(glyphs []pdf.Text, terms []string) []Box {
	var boxes []Box
	for _, line := range lines(glyphs) {
		text, owner := lineText(line)
		for _, term := range terms {
			needle := strings.Join(strings.Fields(strings.ToLower(term)), " ")
			if needle == "" {
				continue
			}
			for from := 0; from < len(text); {
				i := strings.Index(text[from:], needle)
				if i < 0 {
					break
				}
				start := from + i
				end := start + len(needle) - 1
				boxes = append(boxes, spanBox(line[owner[start]:owner[end]+1]))
				from = start + len(needle)
			}
		}
	}
	return boxes
}

// lines sorts glyphs top to bottom, left to right and splits them where the
// baseline moves by more than half a font size.
func lines(glyphs []pdf.Text) [][]pdf.Text {
	sorted := slices.Clone(glyphs)
	slices.SortStableFunc(sorted, func(a, b pdf.Text) int {
		if math.Abs(a.Y-b.Y) > tolerance(a) {
			return cmp.Compare(b.Y, a.Y)
		}
		return cmp.Compare(a.X, b.X)
	})

	var out [][]pdf.Text
	var cur []pdf.Text
	for _, g := range sorted {
		if len(cur) > 0 && math.Abs(g.Y-cur[0].Y) > tolerance(cur[0]) {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, g)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func tolerance(g pdf.Text) float64 {
	return max(g.FontSize, 1) / 2
}

// lineText lowercases the glyphs of one line into a string and records, for
// every byte, the glyph it came from. A space is inserted where two glyphs
// are visibly apart.
func lineText(line []pdf.Text) (string, []int) {
	var b strings.Builder
	var owner []int
	for i, g := range line {
		if i > 0 {
			prev := line[i-1]
			gap := g.X - (prev.X + prev.W)
			if gap > max(prev.FontSize, 1)*0.2 && !isSpace(prev.S) && !isSpace(g.S) {
				b.WriteByte(' ')
				owner = append(owner, i-1)
			}
		}
		s := strings.ToLower(g.S)
		if isSpace(s) && s != "" {
			s = " "
		}
		b.WriteString(s)
		for range len(s) {
			owner = append(owner, i)
		}
	}
	return b.String(), owner
}

func isSpace(s string) bool {
	return strings.TrimFunc(s, unicode.IsSpace) == ""
}

func spanBox(span []pdf.Text) Box {
	first, last := span[0], span[len(span)-1]
	box := Box{X0: first.X, X1: last.X + last.W, Y0: math.Inf(1), Y1: math.Inf(-1)}
	for _, g := range span {
		fs := max(g.FontSize, 1)
		box.Y0 = min(box.Y0, g.Y-0.2*fs)
		box.Y1 = max(box.Y1, g.Y+0.8*fs)
	}
	return box
}
