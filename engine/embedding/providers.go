package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/WessleyAI/driveiq/pkg/ollama"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider names accepted by NewLoader.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ProviderConfig selects and configures the embedding backend.
type ProviderConfig struct {
	Provider  string
	BaseURL   string
	Model     string
	APIKey    string
	RateLimit float64
}

// NewLoader returns a Loader for the configured provider. Nothing is dialed
// until the loader runs.
func NewLoader(cfg ProviderConfig) (Loader, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOllama:
		return func(context.Context) (Model, error) {
			return ollama.NewEmbedClient(cfg.BaseURL, cfg.Model, ollama.WithRateLimit(cfg.RateLimit, 4)), nil
		}, nil
	case ProviderOpenAI:
		return func(context.Context) (Model, error) {
			return NewLangChainModel(cfg.BaseURL, cfg.APIKey, cfg.Model)
		}, nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// LangChainModel adapts a langchaingo embedder to Model.
type LangChainModel struct {
	embedder embeddings.Embedder
}

// NewLangChainModel builds an OpenAI-compatible embedder. baseURL may point
// at any server speaking the OpenAI embeddings API.
func NewLangChainModel(baseURL, apiKey, model string) (*LangChainModel, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(apiKey, "Bearer ")),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("embedding: openai client: %w", err)
	}
	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embedding: langchain embedder: %w", err)
	}
	return &LangChainModel{embedder: e}, nil
}

// WrapEmbedder adapts an existing langchaingo embedder.
func WrapEmbedder(e embeddings.Embedder) *LangChainModel {
	return &LangChainModel{embedder: e}
}

// EmbedBatch implements Model.
func (m *LangChainModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := m.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding: langchain: %w", err)
	}
	return vecs, nil
}
