// Package domain holds the shared types of the retrieval engine: stored chunks,
// ranked results, metadata filters and the error taxonomy.
package domain

// TopicGeneral is assigned when no keyword set reaches the match threshold.
const TopicGeneral = "general"

// MaxChunkLength bounds the content of a stored chunk.
const MaxChunkLength = 8000

// DocumentChunk is the atomic retrievable unit.
type DocumentChunk struct {
	ID           string    `json:"id"`
	DocumentName string    `json:"document_name"`
	DocumentType string    `json:"document_type"`
	ChunkIndex   int       `json:"chunk_index"`
	Content      string    `json:"content"`
	PageNumber   int       `json:"page_number"`
	Chapter      string    `json:"chapter,omitempty"`
	Section      string    `json:"section,omitempty"`
	Topics       []string  `json:"topics"`
	Embedding    []float32 `json:"-"`
	Tokens       int       `json:"tokens"`
}

// SearchResult is a ranked view over a chunk for one query.
type SearchResult struct {
	Content       string   `json:"content"`
	DocumentName  string   `json:"document_name"`
	PageNumber    int      `json:"page_number"`
	Chapter       string   `json:"chapter,omitempty"`
	Section       string   `json:"section,omitempty"`
	Topics        []string `json:"topics"`
	SemanticScore float64  `json:"semantic_score"`
	KeywordScore  float64  `json:"keyword_score"`
	CombinedScore float64  `json:"combined_score"`
	Backend       string   `json:"backend,omitempty"`
}

// PageKey identifies a page across backends; results sharing a key are duplicates.
type PageKey struct {
	DocumentName string
	PageNumber   int
}

// Key returns the dedup key of r.
func (r SearchResult) Key() PageKey {
	return PageKey{DocumentName: r.DocumentName, PageNumber: r.PageNumber}
}

// Filter restricts search and delete operations by payload fields.
// Empty fields do not constrain. Topics match if any topic overlaps.
type Filter struct {
	DocumentName string   `json:"document_name,omitempty"`
	DocumentType string   `json:"document_type,omitempty"`
	Topics       []string `json:"topics,omitempty"`
}

// IsEmpty reports whether f matches everything.
func (f Filter) IsEmpty() bool {
	return f.DocumentName == "" && f.DocumentType == "" && len(f.Topics) == 0
}

// Matches reports whether c satisfies f.
func (f Filter) Matches(c DocumentChunk) bool {
	if f.DocumentName != "" && c.DocumentName != f.DocumentName {
		return false
	}
	if f.DocumentType != "" && c.DocumentType != f.DocumentType {
		return false
	}
	if len(f.Topics) == 0 {
		return true
	}
	for _, want := range f.Topics {
		for _, have := range c.Topics {
			if want == have {
				return true
			}
		}
	}
	return false
}
