// Package search implements hybrid retrieval: one query embedding fanned out
// to every configured vector backend, rescored with keyword overlap, stripped
// of table-of-contents pages, thresholded and deduplicated by page.
package search

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/engine/intent"
	"github.com/WessleyAI/driveiq/engine/vectorstore"
	"github.com/WessleyAI/driveiq/pkg/fn"
	"github.com/WessleyAI/driveiq/pkg/resilience"
)

// Relevance thresholds used by the different call sites. They are hand tuned
// and deliberately kept separate.
const (
	AnswerMinScore  = 0.35
	BrowseMinScore  = 0.3
	ExploreMinScore = 0.2
)

const (
	DefaultLimit      = 5
	DefaultSmartLimit = 3
	MaxLimit          = 50
)

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ResultCache stores final result lists. Implementations must fail open.
type ResultCache interface {
	GetResults(ctx context.Context, query string, params map[string]any) ([]domain.SearchResult, bool)
	SetResults(ctx context.Context, query string, params map[string]any, results []domain.SearchResult)
}

// Options configures a Ranker.
type Options struct {
	Weights         Weights
	MinScore        float64
	CandidateFactor int
	BackendTimeout  time.Duration
	TOC             TOCDetector
	Breaker         resilience.BreakerOpts
}

// DefaultOptions returns the reference tuning.
func DefaultOptions() Options {
	return Options{
		Weights:         DefaultWeights,
		MinScore:        AnswerMinScore,
		CandidateFactor: 3,
		BackendTimeout:  5 * time.Second,
		TOC:             DefaultTOC,
		Breaker:         resilience.DefaultBreakerOpts,
	}
}

// Query is one search request.
type Query struct {
	Text   string
	Limit  int
	Filter domain.Filter
	// MinScore overrides Options.MinScore when positive.
	MinScore float64
}

// BackendStatus reports how one backend behaved for a request.
type BackendStatus struct {
	Backend    string `json:"backend"`
	Candidates int    `json:"candidates"`
	Error      string `json:"error,omitempty"`
}

// Response carries results plus the degraded-mode signal. Unavailable means
// no backend answered; Degraded means at least one failed.
type Response struct {
	Results     []domain.SearchResult `json:"results"`
	Backends    []BackendStatus       `json:"backends"`
	Degraded    bool                  `json:"degraded"`
	Unavailable bool                  `json:"unavailable"`
	Cached      bool                  `json:"cached"`
}

type backend struct {
	store   vectorstore.Store
	breaker *resilience.Breaker
}

// Ranker is safe for concurrent use.
type Ranker struct {
	embedder Embedder
	backends []backend
	cache    ResultCache
	opts     Options
	logger   *slog.Logger
}

// New creates a Ranker over one or more stores; the first is the primary.
// cache may be nil.
func New(embedder Embedder, stores []vectorstore.Store, cache ResultCache, opts Options, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Weights == (Weights{}) {
		opts.Weights = def.Weights
	}
	if opts.MinScore <= 0 {
		opts.MinScore = def.MinScore
	}
	if opts.CandidateFactor <= 0 {
		opts.CandidateFactor = def.CandidateFactor
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = def.BackendTimeout
	}
	if opts.TOC.MinRefs <= 0 && opts.TOC.MinRatio <= 0 && len(opts.TOC.Markers) == 0 {
		opts.TOC = def.TOC
	}
	bs := make([]backend, len(stores))
	for i, s := range stores {
		bo := opts.Breaker
		name := s.Name()
		bo.OnChange = func(from, to resilience.State) {
			logger.Warn("search: backend breaker changed", "backend", name, "from", from.String(), "to", to.String())
		}
		bs[i] = backend{store: s, breaker: resilience.NewBreaker(bo)}
	}
	return &Ranker{embedder: embedder, backends: bs, cache: cache, opts: opts, logger: logger}
}

// Options returns the effective options.
func (r *Ranker) Options() Options { return r.opts }

func (q Query) params(minScore float64) map[string]any {
	p := map[string]any{"limit": q.Limit, "min_score": minScore}
	if q.Filter.DocumentName != "" {
		p["document_name"] = q.Filter.DocumentName
	}
	if q.Filter.DocumentType != "" {
		p["document_type"] = q.Filter.DocumentType
	}
	if len(q.Filter.Topics) > 0 {
		topics := slices.Clone(q.Filter.Topics)
		slices.Sort(topics)
		p["topics"] = topics
	}
	return p
}

// Search runs the hybrid pipeline. Backend failures never produce an error;
// they are reported in the Response.
func (r *Ranker) Search(ctx context.Context, q Query) (*Response, error) {
	if err := domain.ValidateQuery(q.Text); err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	q.Limit = min(q.Limit, MaxLimit)
	minScore := r.opts.MinScore
	if q.MinScore > 0 {
		minScore = q.MinScore
	}

	params := q.params(minScore)
	if r.cache != nil {
		if cached, ok := r.cache.GetResults(ctx, q.Text, params); ok {
			return &Response{Results: cached, Cached: true}, nil
		}
	}

	vec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}

	candidates := q.Limit * r.opts.CandidateFactor
	floor := r.opts.Weights.SemanticFloor(minScore)

	type fetched struct {
		hits []vectorstore.Hit
		err  error
	}
	calls := make([]func() fetched, len(r.backends))
	for i, b := range r.backends {
		calls[i] = func() fetched {
			hits, err := r.fetch(ctx, b, vec, candidates, floor, q.Filter)
			return fetched{hits: hits, err: err}
		}
	}

	resp := &Response{}
	var scored []domain.SearchResult
	failed := 0
	for i, f := range fn.FanOut(calls...) {
		name := r.backends[i].store.Name()
		st := BackendStatus{Backend: name, Candidates: len(f.hits)}
		if f.err != nil {
			failed++
			st.Error = f.err.Error()
			r.logger.Warn("search: backend unavailable, continuing without it", "backend", name, "err", f.err)
		}
		resp.Backends = append(resp.Backends, st)
		scored = append(scored, r.score(q.Text, name, f.hits, minScore)...)
	}
	resp.Degraded = failed > 0
	resp.Unavailable = len(r.backends) == 0 || failed == len(r.backends)
	resp.Results = TopN(Dedup(scored), q.Limit)

	if r.cache != nil && !resp.Degraded {
		r.cache.SetResults(ctx, q.Text, params, resp.Results)
	}
	return resp, nil
}

func (r *Ranker) fetch(ctx context.Context, b backend, vec []float32, limit int, floor float64, f domain.Filter) ([]vectorstore.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.BackendTimeout)
	defer cancel()

	var hits []vectorstore.Hit
	err := b.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		hits, err = b.store.Search(ctx, vec, limit, floor, f)
		return err
	})
	if err != nil {
		// Timeouts, open breakers and store errors all mean the same to callers.
		return nil, fmt.Errorf("%s: %w: %w", b.store.Name(), domain.ErrBackendUnavailable, err)
	}
	return hits, nil
}

// score turns raw hits into results, dropping TOC pages and anything below minScore.
func (r *Ranker) score(query, backendName string, hits []vectorstore.Hit, minScore float64) []domain.SearchResult {
	var out []domain.SearchResult
	for _, h := range hits {
		c := h.Chunk
		if r.opts.TOC.IsTOC(c.Content) {
			continue
		}
		kw := KeywordScore(query, c.Content)
		combined := r.opts.Weights.Combine(h.Score, kw)
		if combined < minScore {
			continue
		}
		out = append(out, domain.SearchResult{
			Content:       c.Content,
			DocumentName:  c.DocumentName,
			PageNumber:    c.PageNumber,
			Chapter:       c.Chapter,
			Section:       c.Section,
			Topics:        c.Topics,
			SemanticScore: h.Score,
			KeywordScore:  kw,
			CombinedScore: combined,
			Backend:       backendName,
		})
	}
	return out
}

// Dedup keeps the highest scoring result per (document, page). On a tie the
// first one seen wins.
func Dedup(results []domain.SearchResult) []domain.SearchResult {
	best := map[domain.PageKey]int{}
	var out []domain.SearchResult
	for _, res := range results {
		k := res.Key()
		if i, ok := best[k]; ok {
			if res.CombinedScore > out[i].CombinedScore {
				out[i] = res
			}
			continue
		}
		best[k] = len(out)
		out = append(out, res)
	}
	return out
}

// TopN sorts by combined score, highest first, and truncates to n.
func TopN(results []domain.SearchResult, n int) []domain.SearchResult {
	slices.SortStableFunc(results, func(a, b domain.SearchResult) int {
		return cmp.Compare(b.CombinedScore, a.CombinedScore)
	})
	if n >= 0 && len(results) > n {
		results = results[:n]
	}
	return results
}

// CountChunks returns the largest chunk count among reachable backends, which
// hold the same corpus. It reports false when none could be counted.
func (r *Ranker) CountChunks(ctx context.Context) (int64, bool) {
	var total int64
	ok := false
	for _, b := range r.backends {
		cctx, cancel := context.WithTimeout(ctx, r.opts.BackendTimeout)
		n, err := b.store.Count(cctx)
		cancel()
		if err != nil {
			r.logger.Warn("search: count failed", "backend", b.store.Name(), "err", err)
			continue
		}
		ok = true
		total = max(total, n)
	}
	return total, ok
}

// BackendHealth is a store's health plus the state of its circuit breaker.
type BackendHealth struct {
	vectorstore.Health
	Breaker string `json:"breaker"`
}

// Health reports every backend concurrently.
func (r *Ranker) Health(ctx context.Context) []BackendHealth {
	calls := make([]func() BackendHealth, len(r.backends))
	for i, b := range r.backends {
		calls[i] = func() BackendHealth {
			cctx, cancel := context.WithTimeout(ctx, r.opts.BackendTimeout)
			defer cancel()
			return BackendHealth{Health: b.store.Health(cctx), Breaker: b.breaker.State().String()}
		}
	}
	return fn.FanOut(calls...)
}

// SmartResult is the outcome of SmartSearch.
type SmartResult struct {
	Intent   intent.Intent `json:"intent"`
	Expert   intent.Expert `json:"expert"`
	Response *Response     `json:"response,omitempty"`
}

// SmartSearch classifies the query and only searches technical questions,
// and only when there is something to search.
func (r *Ranker) SmartSearch(ctx context.Context, text string, limit int) (*SmartResult, error) {
	if err := domain.ValidateQuery(text); err != nil {
		return nil, err
	}
	out := &SmartResult{Intent: intent.Classify(text), Expert: intent.Route(text)}
	if !out.Intent.NeedsRetrieval() {
		return out, nil
	}
	n, ok := r.CountChunks(ctx)
	if !ok {
		out.Response = &Response{Unavailable: true, Degraded: true}
		return out, nil
	}
	if n == 0 {
		return out, nil
	}
	if limit <= 0 {
		limit = DefaultSmartLimit
	}
	resp, err := r.Search(ctx, Query{Text: text, Limit: limit})
	if err != nil {
		return nil, err
	}
	out.Response = resp
	return out, nil
}

// BuildContext formats results as attributed blocks for a language model prompt.
func BuildContext(results []domain.SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s, Page %d", r.DocumentName, r.PageNumber)
		if r.Chapter != "" {
			b.WriteString(", " + r.Chapter)
		}
		if r.Section != "" {
			b.WriteString(" - " + r.Section)
		}
		fmt.Fprintf(&b, "] (relevance: %.2f)\n%s", r.CombinedScore, r.Content)
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}
