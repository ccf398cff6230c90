package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxQueryLength bounds natural-language queries accepted by the ranker.
const MaxQueryLength = 2000

// ValidateQuery checks a search query before it is embedded.
func ValidateQuery(q string) error {
	text := strings.TrimSpace(q)
	if text == "" {
		return NewValidationError("query", q, ErrInvalidQuery)
	}
	if utf8.RuneCountInString(text) > MaxQueryLength {
		return NewValidationError("query", string([]rune(text)[:32])+"...", ErrInvalidQuery)
	}
	return nil
}

// ValidateChunk checks the invariants of a chunk before it is stored.
func ValidateChunk(c DocumentChunk, dims int) error {
	if strings.TrimSpace(c.Content) == "" {
		return NewValidationError("content", "", ErrInvalidChunk)
	}
	if len(c.Content) > MaxChunkLength {
		return NewValidationError("content", fmt.Sprintf("len=%d", len(c.Content)), ErrInvalidChunk)
	}
	if c.DocumentName == "" {
		return NewValidationError("document_name", "", ErrInvalidChunk)
	}
	if len(c.Topics) == 0 {
		return NewValidationError("topics", "", ErrInvalidChunk)
	}
	if c.PageNumber < 1 {
		return NewValidationError("page_number", fmt.Sprintf("%d", c.PageNumber), ErrInvalidChunk)
	}
	if dims > 0 && len(c.Embedding) != dims {
		return NewValidationError("embedding", fmt.Sprintf("len=%d want=%d", len(c.Embedding), dims), ErrDimensionMismatch)
	}
	return nil
}
