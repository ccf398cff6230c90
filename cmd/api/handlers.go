package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/WessleyAI/driveiq/engine/app"
	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/WessleyAI/driveiq/engine/intent"
	"github.com/WessleyAI/driveiq/engine/render"
	"github.com/WessleyAI/driveiq/engine/search"
)

const maxBodyBytes = 1 << 20

// noContextMessage is returned by /api/context when nothing relevant was found.
const noContextMessage = "No relevant documentation found."

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		status, code = http.StatusBadRequest, "invalid_query"
	case errors.Is(err, domain.ErrSourceMissing):
		status, code = http.StatusNotFound, "source_missing"
	case errors.Is(err, domain.ErrPageOutOfRange):
		status, code = http.StatusNotFound, "page_out_of_range"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrBackendUnavailable):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "bad_request"})
		return false
	}
	return true
}

// --- Health ---

// HealthResponse is the body of GET /api/health. Status is ok when every
// backend is connected, degraded when at least one is, and unavailable
// otherwise.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Backends []search.BackendHealth `json:"backends"`
	Cache    string                 `json:"cache"`
}

func handleHealth(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backends := a.Ranker.Health(r.Context())
		up := 0
		for _, b := range backends {
			if b.Connected {
				up++
			}
		}
		resp := HealthResponse{Status: "ok", Backends: backends, Cache: "disabled"}
		switch {
		case up == 0:
			resp.Status = "unavailable"
		case up < len(backends):
			resp.Status = "degraded"
		}
		if a.Cache != nil {
			resp.Cache = "ok"
			if err := a.Cache.Ping(r.Context()); err != nil {
				resp.Cache = "unreachable"
			}
		}
		status := http.StatusOK
		if resp.Status == "unavailable" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// --- Search ---

// SearchRequest is the body of POST /api/search and POST /api/context.
// Mode selects the relevance threshold: answer (default), browse or explore.
type SearchRequest struct {
	Query        string   `json:"query"`
	Limit        int      `json:"limit,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	DocumentName string   `json:"document_name,omitempty"`
	DocumentType string   `json:"document_type,omitempty"`
	Topics       []string `json:"topics,omitempty"`
}

func (req SearchRequest) query(a *app.App) search.Query {
	limit := req.Limit
	if limit <= 0 {
		limit = a.Config.Search.DefaultLimit
	}
	return search.Query{
		Text:     req.Query,
		Limit:    limit,
		MinScore: a.MinScore(req.Mode),
		Filter: domain.Filter{
			DocumentName: req.DocumentName,
			DocumentType: req.DocumentType,
			Topics:       req.Topics,
		},
	}
}

func handleSearch(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decode(w, r, &req) {
			return
		}
		resp, err := a.Ranker.Search(r.Context(), req.query(a))
		if err != nil {
			a.Logger.Error("search failed", "err", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// SmartSearchRequest is the body of POST /api/search/smart.
type SmartSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func handleSmartSearch(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SmartSearchRequest
		if !decode(w, r, &req) {
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = a.Config.Search.DefaultSmartLimit
		}
		res, err := a.Ranker.SmartSearch(r.Context(), req.Query, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ContextResponse is the body of POST /api/context.
type ContextResponse struct {
	Context     string                `json:"context"`
	Found       bool                  `json:"found"`
	Message     string                `json:"message,omitempty"`
	Results     []domain.SearchResult `json:"results"`
	Unavailable bool                  `json:"unavailable,omitempty"`
}

func handleContext(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decode(w, r, &req) {
			return
		}
		resp, err := a.Ranker.Search(r.Context(), req.query(a))
		if err != nil {
			writeError(w, err)
			return
		}
		out := ContextResponse{Results: resp.Results, Unavailable: resp.Unavailable}
		if len(resp.Results) == 0 {
			out.Message = noContextMessage
		} else {
			out.Found = true
			out.Context = search.BuildContext(resp.Results)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- Classification ---

// IntentRequest is the body of POST /api/intent.
type IntentRequest struct {
	Query string `json:"query"`
}

// IntentResponse reports the classification of a query.
type IntentResponse struct {
	Intent         intent.Intent `json:"intent"`
	Expert         intent.Expert `json:"expert"`
	NeedsRetrieval bool          `json:"needs_retrieval"`
}

func handleIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := domain.ValidateQuery(req.Query); err != nil {
		writeError(w, err)
		return
	}
	in := intent.Classify(req.Query)
	writeJSON(w, http.StatusOK, IntentResponse{
		Intent:         in,
		Expert:         intent.Route(req.Query),
		NeedsRetrieval: in.NeedsRetrieval(),
	})
}

// KeyTermsRequest is the body of POST /api/key-terms.
type KeyTermsRequest struct {
	Text string `json:"text"`
}

func handleKeyTerms(w http.ResponseWriter, r *http.Request) {
	var req KeyTermsRequest
	if !decode(w, r, &req) {
		return
	}
	terms := render.ExtractKeyTerms(req.Text)
	if terms == nil {
		terms = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"terms": terms})
}

// --- Pages ---

type imageKind int

const (
	thumbnail imageKind = iota
	fullsize
)

// PagesResponse lists the rendered pages of a document.
type PagesResponse struct {
	Document string `json:"document"`
	Pages    []int  `json:"pages"`
}

func handleListPages(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := r.PathValue("doc")
		pages, err := a.Renderer.ListPages(doc)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PagesResponse{Document: doc, Pages: pages})
	}
}

func pageParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "page must be a positive integer", Code: "bad_request"})
		return 0, false
	}
	return page, true
}

func handlePageImage(a *app.App, kind imageKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageParam(w, r)
		if !ok {
			return
		}
		doc := r.PathValue("doc")
		paths := a.Renderer.Paths(doc, page)
		path := paths.Thumbnail
		if kind == fullsize {
			path = paths.Fullsize
		}
		serveImage(w, r, path)
	}
}

// handleHighlighted renders a page with terms highlighted. Terms come from a
// comma separated terms parameter, or are extracted from the text parameter.
func handleHighlighted(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, ok := pageParam(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		var terms []string
		if raw := q.Get("terms"); raw != "" {
			terms = strings.Split(raw, ",")
		} else if text := q.Get("text"); text != "" {
			terms = render.ExtractKeyTerms(text)
		}
		path, err := a.Renderer.Highlight(r.Context(), r.PathValue("doc"), page, terms)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				a.Logger.Warn("highlight failed", "doc", r.PathValue("doc"), "page", page, "err", err)
			}
			writeError(w, err)
			return
		}
		serveImage(w, r, path)
	}
}

func serveImage(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		writeError(w, domain.ErrNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
