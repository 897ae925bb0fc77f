package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// Store 基于连接池的文档/分块存储，实现 rag.ChunkStore。
type Store struct {
	pool *Pool
	dims int
}

// NewStore 创建 PostgreSQL 存储
func NewStore(pool *Pool, dims int) *Store {
	if dims <= 0 {
		dims = 1536
	}
	return &Store{pool: pool, dims: dims}
}

// Pool 返回底层连接池（observability 用）
func (s *Store) Pool() *Pool { return s.pool }

// EnsureSchema 确保 pgvector 扩展、表与相似检索函数存在
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS documents (
		id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		title         VARCHAR(512) NOT NULL,
		content       TEXT NOT NULL,
		file_size     BIGINT NOT NULL DEFAULT 0,
		storage_path  VARCHAR(1024),
		processed     BOOLEAN NOT NULL DEFAULT FALSE,
		chunk_count   INT,
		error_message TEXT,
		upload_date   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		content     TEXT NOT NULL,
		embedding   vector(%d) NOT NULL,
		chunk_index INT NOT NULL,
		token_count INT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (document_id, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_documents_unprocessed ON documents(upload_date) WHERE NOT processed;
	`, s.dims)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// 相似检索委托给库端函数，召回顺序与阈值过滤都在库内完成
	fn := fmt.Sprintf(`
	CREATE OR REPLACE FUNCTION match_chunks(query_embedding vector(%d), match_threshold float, match_count int)
	RETURNS TABLE (
		id            UUID,
		document_id   UUID,
		content       TEXT,
		similarity    FLOAT,
		document_title VARCHAR,
		created_at    TIMESTAMPTZ
	)
	LANGUAGE sql STABLE AS $$
		SELECT c.id, c.document_id, c.content,
		       1 - (c.embedding <=> query_embedding) AS similarity,
		       d.title AS document_title,
		       c.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE 1 - (c.embedding <=> query_embedding) > match_threshold
		ORDER BY c.embedding <=> query_embedding
		LIMIT match_count
	$$;
	`, s.dims)

	if _, err := s.pool.Exec(ctx, fn); err != nil {
		return fmt.Errorf("ensure match_chunks: %w", err)
	}
	return nil
}

// ── Document 操作 ─────────────────────────────────────────────

// CreateDocument 创建文档记录
func (s *Store) CreateDocument(ctx context.Context, doc *rag.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	now := time.Now()
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = now
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents (id, title, content, file_size, storage_path, processed, error_message, upload_date, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8)`,
		doc.ID, doc.Title, doc.Content, doc.FileSize, nullString(doc.StoragePath),
		nullString(doc.ErrorMessage), doc.UploadedAt, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetDocument 按 id 读取文档
func (s *Store) GetDocument(ctx context.Context, id string) (*rag.Document, error) {
	var doc rag.Document
	var chunkCount sql.NullInt64
	var errMsg, storagePath sql.NullString

	err := s.pool.QueryRow(ctx, `
		SELECT id, title, content, file_size, storage_path, processed, chunk_count, error_message, upload_date, created_at
		FROM documents WHERE id = $1`,
		[]any{id},
		func(row *sql.Row) error {
			return row.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.FileSize, &storagePath,
				&doc.Processed, &chunkCount, &errMsg, &doc.UploadedAt, &doc.CreatedAt)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	doc.ChunkCount = int(chunkCount.Int64)
	doc.ErrorMessage = errMsg.String
	doc.StoragePath = storagePath.String
	return &doc, nil
}

// MarkProcessed 处理成功：processed=true 并记录分块数
func (s *Store) MarkProcessed(ctx context.Context, id string, chunkCount int) error {
	affected, err := s.pool.Exec(ctx, `
		UPDATE documents SET processed = TRUE, chunk_count = $2, error_message = NULL
		WHERE id = $1`, id, chunkCount)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("mark processed %s: document not found", id)
	}
	return nil
}

// MarkFailed 处理失败：保留 processed=false 并写入错误信息，
// 文档保持可被滞留检测发现、可重新处理。
func (s *Store) MarkFailed(ctx context.Context, id string, message string) error {
	if len(message) > 1000 {
		message = message[:1000]
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET processed = FALSE, chunk_count = NULL, error_message = $2
		WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// ResetDocument 清除处理状态，为重新处理做准备
func (s *Store) ResetDocument(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET processed = FALSE, chunk_count = NULL, error_message = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset document %s: %w", id, err)
	}
	return nil
}

// DeleteDocument 删除文档（分块级联删除）
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	affected, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("delete document %s: not found", id)
	}
	return nil
}

// UnprocessedBefore 返回 cutoff 之前上传且仍未处理完成的文档
func (s *Store) UnprocessedBefore(ctx context.Context, cutoff time.Time) ([]rag.Document, error) {
	var docs []rag.Document
	err := s.pool.QueryRows(ctx, `
		SELECT id, title, processed, error_message, upload_date, created_at
		FROM documents
		WHERE processed = FALSE AND upload_date < $1
		ORDER BY upload_date`,
		[]any{cutoff},
		func(rows *sql.Rows) error {
			var doc rag.Document
			var errMsg sql.NullString
			if err := rows.Scan(&doc.ID, &doc.Title, &doc.Processed, &errMsg, &doc.UploadedAt, &doc.CreatedAt); err != nil {
				return err
			}
			doc.ErrorMessage = errMsg.String
			docs = append(docs, doc)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("unprocessed before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return docs, nil
}

// ── Chunk 操作 ────────────────────────────────────────────────

// InsertChunks 批量写入分块
func (s *Store) InsertChunks(ctx context.Context, chunks []rag.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO chunks (id, document_id, content, embedding, chunk_index, token_count, created_at) VALUES `)
	args := make([]any, 0, len(chunks)*7)
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 7
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d::vector, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7)

		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		args = append(args, id, c.DocumentID, c.Content, VectorLiteral(c.Embedding), c.ChunkIndex, c.TokenCount, createdAt)
	}

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert %d chunks: %w", len(chunks), err)
	}
	return nil
}

// DeleteChunks 删除某文档的全部分块，返回删除数量
func (s *Store) DeleteChunks(ctx context.Context, documentID string) (int64, error) {
	affected, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return affected, nil
}

// SearchSimilar 向量相似检索，委托给 match_chunks 函数
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, threshold float64, limit int) ([]rag.ScoredChunk, error) {
	if len(embedding) != s.dims {
		return nil, fmt.Errorf("search similar: embedding has %d dims, expected %d", len(embedding), s.dims)
	}
	if limit <= 0 {
		limit = 10
	}

	start := time.Now()
	var results []rag.ScoredChunk
	err := s.pool.QueryRows(ctx,
		`SELECT id, document_id, content, similarity, document_title, created_at FROM match_chunks($1::vector, $2, $3)`,
		[]any{VectorLiteral(embedding), threshold, limit},
		func(rows *sql.Rows) error {
			var sc rag.ScoredChunk
			if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.Content, &sc.Similarity, &sc.DocumentTitle, &sc.CreatedAt); err != nil {
				return err
			}
			results = append(results, sc)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	applog.Debug("[Store] Vector search",
		"candidates", len(results),
		"threshold", threshold,
		"limit", limit,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

// VectorLiteral 将向量编码为 pgvector 字面量 "[1,2,3]"
func VectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
