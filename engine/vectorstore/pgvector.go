package vectorstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/driveiq/engine/domain"
	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

//go:embed schema.sql
var schemaTemplate string

type chunkRow struct {
	bun.BaseModel `bun:"table:document_chunks,alias:dc"`

	ID           string          `bun:"id,pk"`
	DocumentName string          `bun:"document_name,notnull"`
	DocumentType string          `bun:"document_type,notnull"`
	ChunkIndex   int             `bun:"chunk_index,notnull"`
	Content      string          `bun:"content,notnull"`
	PageNumber   int             `bun:"page_number,notnull"`
	Chapter      string          `bun:"chapter,nullzero"`
	Section      string          `bun:"section,nullzero"`
	Topics       []string        `bun:"topics,array"`
	Tokens       int             `bun:"tokens"`
	Embedding    pgvector.Vector `bun:"embedding,type:vector"`
	CreatedAt    time.Time       `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	Score        float64         `bun:"score,scanonly"`
}

func toRow(c domain.DocumentChunk) chunkRow {
	return chunkRow{
		ID:           c.ID,
		DocumentName: c.DocumentName,
		DocumentType: c.DocumentType,
		ChunkIndex:   c.ChunkIndex,
		Content:      c.Content,
		PageNumber:   c.PageNumber,
		Chapter:      c.Chapter,
		Section:      c.Section,
		Topics:       c.Topics,
		Tokens:       c.Tokens,
		Embedding:    pgvector.NewVector(c.Embedding),
	}
}

func (r chunkRow) chunk() domain.DocumentChunk {
	topics := r.Topics
	if len(topics) == 0 {
		topics = []string{domain.TopicGeneral}
	}
	return domain.DocumentChunk{
		ID:           r.ID,
		DocumentName: r.DocumentName,
		DocumentType: r.DocumentType,
		ChunkIndex:   r.ChunkIndex,
		Content:      r.Content,
		PageNumber:   r.PageNumber,
		Chapter:      r.Chapter,
		Section:      r.Section,
		Topics:       topics,
		Tokens:       r.Tokens,
	}
}

// PGVector stores chunks as rows with a pgvector column.
type PGVector struct {
	db   *bun.DB
	dims int
}

// PGOptions configures the Postgres connection.
type PGOptions struct {
	DSN          string
	Dims         int
	MaxOpenConns int
	Debug        bool
}

// OpenPGVector opens a pooled connection. Call InitSchema before first use.
func OpenPGVector(opts PGOptions) (*PGVector, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("vectorstore: pgvector: empty dsn")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(opts.DSN)))
	if opts.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(opts.MaxOpenConns)
	}
	sqldb.SetConnMaxIdleTime(time.Minute)

	db := bun.NewDB(sqldb, pgdialect.New())
	if opts.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return NewPGVector(db, opts.Dims), nil
}

// NewPGVector wraps an existing bun.DB.
func NewPGVector(db *bun.DB, dims int) *PGVector {
	return &PGVector{db: db, dims: dims}
}

// Name implements Store.
func (p *PGVector) Name() string { return BackendPGVector }

// Close closes the pool.
func (p *PGVector) Close() error { return p.db.Close() }

// Schema returns the DDL for the configured dimension.
func (p *PGVector) Schema() string {
	return strings.ReplaceAll(schemaTemplate, "{{DIMS}}", strconv.Itoa(p.dims))
}

// InitSchema creates the extension, table and indexes. Idempotent.
func (p *PGVector) InitSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(p.Schema(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore: pgvector schema: %w", err)
		}
	}
	return nil
}

// Upsert implements Store.
func (p *PGVector) Upsert(ctx context.Context, chunks []domain.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	rows := make([]chunkRow, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != p.dims {
			return fmt.Errorf("vectorstore: chunk %s has %d dims, want %d: %w", c.ID, len(c.Embedding), p.dims, domain.ErrDimensionMismatch)
		}
		rows[i] = toRow(c)
	}
	_, err := p.db.NewInsert().
		Model(&rows).
		On("CONFLICT (id) DO UPDATE").
		Set("document_name = EXCLUDED.document_name").
		Set("document_type = EXCLUDED.document_type").
		Set("chunk_index = EXCLUDED.chunk_index").
		Set("content = EXCLUDED.content").
		Set("page_number = EXCLUDED.page_number").
		Set("chapter = EXCLUDED.chapter").
		Set("section = EXCLUDED.section").
		Set("topics = EXCLUDED.topics").
		Set("tokens = EXCLUDED.tokens").
		Set("embedding = EXCLUDED.embedding").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("vectorstore: pgvector upsert %d rows: %w", len(rows), err)
	}
	return nil
}

// Search implements Store. Similarity is 1 - cosine distance.
func (p *PGVector) Search(ctx context.Context, vec []float32, limit int, threshold float64, f domain.Filter) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	qv := pgvector.NewVector(vec)
	var rows []chunkRow
	q := p.db.NewSelect().
		Model(&rows).
		Column("id", "document_name", "document_type", "chunk_index", "content",
			"page_number", "chapter", "section", "topics", "tokens").
		ColumnExpr("1 - (embedding <=> ?::vector) AS score", qv).
		Where("1 - (embedding <=> ?::vector) >= ?", qv, threshold).
		OrderExpr("embedding <=> ?::vector", qv).
		Limit(limit)
	applyPGFilter(q, f)

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("vectorstore: pgvector search: %w", err)
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{Chunk: r.chunk(), Score: r.Score}
	}
	return hits, nil
}

// Delete implements Store.
func (p *PGVector) Delete(ctx context.Context, f domain.Filter) error {
	q := p.db.NewDelete().Model((*chunkRow)(nil))
	if f.IsEmpty() {
		q = q.Where("TRUE")
	}
	applyPGFilter(q, f)
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("vectorstore: pgvector delete: %w", err)
	}
	return nil
}

// Count implements Store.
func (p *PGVector) Count(ctx context.Context) (int64, error) {
	n, err := p.db.NewSelect().Model((*chunkRow)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: pgvector count: %w", err)
	}
	return int64(n), nil
}

// Health implements Store.
func (p *PGVector) Health(ctx context.Context) Health {
	h := Health{Backend: BackendPGVector}
	if err := p.db.PingContext(ctx); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Connected = true
	n, err := p.Count(ctx)
	if err != nil {
		h.Status = "degraded"
		h.Error = err.Error()
		return h
	}
	h.Points = n
	h.Status = "ok"
	return h
}

type wherer[Q any] interface {
	Where(query string, args ...any) Q
}

func applyPGFilter[Q wherer[Q]](q Q, f domain.Filter) {
	if f.DocumentName != "" {
		q.Where("document_name = ?", f.DocumentName)
	}
	if f.DocumentType != "" {
		q.Where("document_type = ?", f.DocumentType)
	}
	if len(f.Topics) > 0 {
		q.Where("topics && ?::text[]", pgdialect.Array(f.Topics))
	}
}
