package rag

import (
	"context"
	"time"
)

// ChunkStore 文档/分块持久化接口，由连接池层实现。
// 文档与分块的全部持久状态变更都经由它，进程内不共享可变结构。
type ChunkStore interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	MarkProcessed(ctx context.Context, id string, chunkCount int) error
	MarkFailed(ctx context.Context, id string, message string) error
	ResetDocument(ctx context.Context, id string) error
	DeleteDocument(ctx context.Context, id string) error
	UnprocessedBefore(ctx context.Context, cutoff time.Time) ([]Document, error)

	InsertChunks(ctx context.Context, chunks []Chunk) error
	DeleteChunks(ctx context.Context, documentID string) (int64, error)
	SearchSimilar(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredChunk, error)
}

// EmbeddingCache 向量缓存（长 TTL，按文本内容哈希作 key）。
type EmbeddingCache interface {
	GetEmbeddings(ctx context.Context, texts []string) map[string][]float32
	PutEmbeddings(ctx context.Context, vectors map[string][]float32)
}

// ResultCache 检索结果缓存。文档删除/重建时必须连带失效，
// 缓存条目不允许比它概括的数据活得更久。
type ResultCache interface {
	GetResult(ctx context.Context, key string) (*RetrievalResult, bool)
	SetResult(ctx context.Context, key string, result *RetrievalResult)
	InvalidateDocument(ctx context.Context, documentID string)
}

// ObjectStore 原始文件对象存储（put/delete 即可）。
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Delete(ctx context.Context, path string) error
}

// Enqueuer 异步任务入队接口，由任务队列实现。
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
}
