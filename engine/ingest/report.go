package ingest

import (
	"maps"
	"slices"
	"time"
)

// DocumentStats summarizes the ingestion of one document.
type DocumentStats struct {
	Document     string         `json:"document"`
	DocumentType string         `json:"document_type"`
	Pages        int            `json:"pages"`
	PagesSkipped int            `json:"pages_skipped"`
	Images       int            `json:"images"`
	Attempted    int            `json:"attempted"`
	Invalid      int            `json:"invalid"`
	EmbedFailed  int            `json:"embed_failed"`
	Inserted     int            `json:"inserted"`
	Failed       int            `json:"failed"`
	Topics       map[string]int `json:"topics"`
	Error        string         `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration"`
}

// Report is the result of a corpus run.
type Report struct {
	Documents []DocumentStats `json:"documents"`
	Chunks    int             `json:"chunks"`
	Inserted  int             `json:"inserted"`
	Failed    int             `json:"failed"`
	Topics    map[string]int  `json:"topics"`
	Duration  time.Duration   `json:"duration"`
}

func newReport(docs []DocumentStats) *Report {
	r := &Report{Documents: docs, Topics: map[string]int{}}
	for _, d := range docs {
		r.Chunks += d.Attempted
		r.Inserted += d.Inserted
		r.Failed += d.Failed
		for t, n := range d.Topics {
			r.Topics[t] += n
		}
	}
	return r
}

// Errors returns the documents that failed outright.
func (r *Report) Errors() map[string]string {
	out := map[string]string{}
	for _, d := range r.Documents {
		if d.Error != "" {
			out[d.Document] = d.Error
		}
	}
	return out
}

// TopicNames returns the topics seen in the run, sorted.
func (r *Report) TopicNames() []string {
	return slices.Sorted(maps.Keys(r.Topics))
}
