package rag

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	applog "ragweave/internal/platform/log"
)

// JobTypeProcessDocument 文档处理任务类型
const JobTypeProcessDocument = "document.process"

// ProcessPayload 文档处理任务载荷
type ProcessPayload struct {
	DocumentID string `json:"document_id"`
}

// IngestionService 文档摄取服务：上传 → 解析 → 分块 → 向量化 → 入库。
// 上传路径只做解析与登记，重活全部交给异步任务。
type IngestionService struct {
	store   ChunkStore
	objects ObjectStore
	queue   Enqueuer
	results ResultCache
	parsers *ParserRegistry
	chunker *Chunker
	embed   Embedder
	cfg     *Config
}

// NewIngestionService 创建摄取服务。objects/queue/results 可为 nil（降级运行）。
func NewIngestionService(store ChunkStore, objects ObjectStore, queue Enqueuer, results ResultCache, embed Embedder, cfg *Config) *IngestionService {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &IngestionService{
		store:   store,
		objects: objects,
		queue:   queue,
		results: results,
		parsers: NewParserRegistry(),
		chunker: NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkTokens),
		embed:   embed,
		cfg:     cfg,
	}
}

// ── 上传 ─────────────────────────────────────────────────────

// Upload 解析上传文件并登记文档，随后投递异步处理任务。
// 原始文件归档失败时文档元数据仍然落库（带错误信息），
// 但摄取在分块之前即中止，不投递处理任务。
func (s *IngestionService) Upload(ctx context.Context, filename string, data []byte, contentType string) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("file %s is empty", filename)
	}

	parsed, err := s.parsers.Parse(strings.NewReader(string(data)), filename)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	if len(Tokenize(parsed.Content)) == 0 {
		return nil, fmt.Errorf("file %s has no extractable text", filename)
	}

	doc := &Document{
		ID:         uuid.NewString(),
		Title:      parsed.Title,
		Content:    parsed.Content,
		FileSize:   int64(len(data)),
		UploadedAt: time.Now(),
	}

	if s.objects != nil {
		path := "documents/" + doc.ID + strings.ToLower(filepath.Ext(filename))
		if putErr := s.objects.Put(ctx, path, data, contentType); putErr != nil {
			doc.ErrorMessage = fmt.Sprintf("archive failed: %v", putErr)
			if createErr := s.store.CreateDocument(ctx, doc); createErr != nil {
				applog.Error("[RAG/Ingest] Failed to register aborted upload", "document_id", doc.ID, "error", createErr)
			}
			return nil, fmt.Errorf("archive %s: %w", filename, putErr)
		}
		doc.StoragePath = path
	}

	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	if s.queue != nil {
		jobID, err := s.queue.Enqueue(ctx, JobTypeProcessDocument, ProcessPayload{DocumentID: doc.ID})
		if err != nil {
			// 文档已登记，滞留扫描会补投
			applog.Error("[RAG/Ingest] Enqueue processing job failed", "document_id", doc.ID, "error", err)
		} else {
			applog.Info("[RAG/Ingest] Document uploaded",
				"document_id", doc.ID,
				"title", doc.Title,
				"size", doc.FileSize,
				"job_id", jobID,
			)
		}
	}

	return doc, nil
}

// ── 处理 ─────────────────────────────────────────────────────

// Process 执行文档的分块与向量化入库。幂等：已处理文档直接返回。
// 任何阶段失败都会把错误写回文档记录，再向上抛出。
func (s *IngestionService) Process(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}
	if doc.Processed {
		applog.Debug("[RAG/Ingest] Document already processed", "document_id", documentID)
		return nil
	}

	if err := s.process(ctx, doc); err != nil {
		if markErr := s.store.MarkFailed(ctx, documentID, err.Error()); markErr != nil {
			applog.Error("[RAG/Ingest] Failed to record processing error", "document_id", documentID, "error", markErr)
		}
		return err
	}
	return nil
}

func (s *IngestionService) process(ctx context.Context, doc *Document) error {
	start := time.Now()

	chunks := s.chunker.Chunk(doc.ID, doc.Content)
	if len(chunks) == 0 {
		return fmt.Errorf("document %s produced no chunks", doc.ID)
	}
	applog.Info("[RAG/Ingest] Processing document",
		"document_id", doc.ID,
		"title", doc.Title,
		"chunks", len(chunks),
	)

	// 按批向量化，批大小与网关一致，便于缓存命中统计
	batch := s.cfg.EmbedBatchSize
	if batch <= 0 {
		batch = 20
	}
	for i := 0; i < len(chunks); i += batch {
		end := i + batch
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-i)
		for _, ch := range chunks[i:end] {
			texts = append(texts, ch.Content)
		}

		vectors, err := s.embed.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", i, end, err)
		}
		for j := range vectors {
			chunks[i+j].Embedding = vectors[j]
		}
		applog.Debug("[RAG/Ingest] Embedding progress",
			"document_id", doc.ID,
			"done", end,
			"total", len(chunks),
		)
	}

	valid, dropped := s.validateChunks(chunks)
	if len(valid) == 0 {
		return fmt.Errorf("all %d chunks failed validation", len(chunks))
	}
	if dropped > 0 {
		applog.Warn("[RAG/Ingest] Invalid chunks dropped",
			"document_id", doc.ID,
			"dropped", dropped,
			"kept", len(valid),
		)
	}
	chunks = valid

	// 分批写库并小憩，避免大文档压垮连接池
	insertBatch := s.cfg.InsertBatchSize
	if insertBatch <= 0 {
		insertBatch = 50
	}
	pause := time.Duration(s.cfg.InsertPauseMs) * time.Millisecond
	for i := 0; i < len(chunks); i += insertBatch {
		end := i + insertBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := s.store.InsertChunks(ctx, chunks[i:end]); err != nil {
			return fmt.Errorf("insert chunks %d-%d: %w", i, end, err)
		}
		if end < len(chunks) && pause > 0 {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := s.store.MarkProcessed(ctx, doc.ID, len(chunks)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	applog.Info("[RAG/Ingest] Document processed",
		"document_id", doc.ID,
		"chunks", len(chunks),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// validateChunks 入库前逐块校验。校验失败不走重试：违规分块丢弃并
// 记录日志，其余分块照常入库，幸存分块重排序号保持连续。
func (s *IngestionService) validateChunks(chunks []Chunk) (valid []Chunk, dropped int) {
	dims := s.embed.Dims()
	maxTokens := s.cfg.ChunkSize + s.cfg.MinChunkTokens
	valid = chunks[:0]
	for i, ch := range chunks {
		if reason := validateChunk(ch, dims, s.cfg.MinChunkTokens, maxTokens); reason != "" {
			applog.Warn("[RAG/Ingest] Dropping invalid chunk",
				"document_id", ch.DocumentID,
				"chunk_index", i,
				"reason", reason,
			)
			dropped++
			continue
		}
		ch.ChunkIndex = len(valid)
		valid = append(valid, ch)
	}
	return valid, dropped
}

// validateChunk 返回空串表示合法，否则返回丢弃原因
func validateChunk(ch Chunk, dims, minTokens, maxTokens int) string {
	if strings.TrimSpace(ch.Content) == "" {
		return "empty content"
	}
	if ch.TokenCount < minTokens {
		return fmt.Sprintf("content too short: %d tokens, minimum %d", ch.TokenCount, minTokens)
	}
	if ch.TokenCount > maxTokens {
		return fmt.Sprintf("token count %d out of range, maximum %d", ch.TokenCount, maxTokens)
	}
	if len(ch.Embedding) != dims {
		return fmt.Sprintf("embedding has %d dims, expected %d", len(ch.Embedding), dims)
	}
	for _, v := range ch.Embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "embedding contains non-finite value"
		}
	}
	return ""
}

// ── 重建 / 删除 ──────────────────────────────────────────────

// Reprocess 清空文档分块并重新投递处理任务。
// 旧的检索结果缓存同步失效，避免命中已删除的分块。
func (s *IngestionService) Reprocess(ctx context.Context, documentID string) error {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}

	deleted, err := s.store.DeleteChunks(ctx, documentID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.store.ResetDocument(ctx, documentID); err != nil {
		return fmt.Errorf("reset document: %w", err)
	}
	if s.results != nil {
		s.results.InvalidateDocument(ctx, documentID)
	}

	if s.queue != nil {
		if _, err := s.queue.Enqueue(ctx, JobTypeProcessDocument, ProcessPayload{DocumentID: documentID}); err != nil {
			return fmt.Errorf("enqueue reprocess job: %w", err)
		}
	}

	applog.Info("[RAG/Ingest] Document queued for reprocessing",
		"document_id", documentID,
		"old_chunks", deleted,
	)
	return nil
}

// Delete 删除文档及其分块、原始文件和相关缓存
func (s *IngestionService) Delete(ctx context.Context, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", documentID, err)
	}

	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if s.objects != nil && doc.StoragePath != "" {
		if err := s.objects.Delete(ctx, doc.StoragePath); err != nil {
			applog.Warn("[RAG/Ingest] Raw file removal failed", "document_id", documentID, "path", doc.StoragePath, "error", err)
		}
	}
	if s.results != nil {
		s.results.InvalidateDocument(ctx, documentID)
	}

	applog.Info("[RAG/Ingest] Document deleted", "document_id", documentID, "title", doc.Title)
	return nil
}

// ── 滞留恢复 ─────────────────────────────────────────────────

// StuckDocuments 列出超过滞留窗口仍未处理完成的文档
func (s *IngestionService) StuckDocuments(ctx context.Context) ([]Document, error) {
	return s.store.UnprocessedBefore(ctx, time.Now().Add(-s.cfg.StuckWindow()))
}

// ResetStuckDocuments 对滞留文档重新投递处理任务，返回重投数量。
// 周期性调用，吸收 enqueue 失败或 worker 崩溃留下的半成品。
func (s *IngestionService) ResetStuckDocuments(ctx context.Context) (int, error) {
	docs, err := s.StuckDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stuck documents: %w", err)
	}

	requeued := 0
	for _, doc := range docs {
		if err := s.Reprocess(ctx, doc.ID); err != nil {
			applog.Error("[RAG/Ingest] Stuck document requeue failed", "document_id", doc.ID, "error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		applog.Info("[RAG/Ingest] Stuck documents requeued", "count", requeued)
	}
	return requeued, nil
}
