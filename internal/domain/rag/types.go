package rag

import "time"

// Document 文档元数据。上传时创建，由处理任务独占修改；
// 终态为 Processed=true 或 ErrorMessage 非空。
type Document struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	FileSize     int64     `json:"file_size"`
	StoragePath  string    `json:"storage_path,omitempty"`
	Processed    bool      `json:"processed"`
	ChunkCount   int       `json:"chunk_count,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UploadedAt   time.Time `json:"upload_date"`
	CreatedAt    time.Time `json:"created_at"`
}

// Chunk 文档分块，embedding 与检索的最小单元。
// 入库后不可变，只随文档删除/重建而消失。
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScoredChunk 检索命中的分块。Similarity 是向量库返回的原始余弦相似度，
// Score 是叠加了关键词/多样性/时效信号后的综合分。
type ScoredChunk struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	DocumentTitle string    `json:"document_title,omitempty"`
	Content       string    `json:"content"`
	Similarity    float64   `json:"similarity"`
	Score         float64   `json:"score"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

// RetrieveOptions 单次检索选项。零值字段回落到 Config 默认值。
type RetrieveOptions struct {
	TopK           int     `json:"top_k,omitempty"`
	MinSimilarity  float64 `json:"min_similarity,omitempty"`
	DiversityBoost bool    `json:"diversity_boost,omitempty"`
	RecencyBoost   bool    `json:"recency_boost,omitempty"`
	Rerank         bool    `json:"rerank,omitempty"`
}

// RetrievalResult 检索结果 + 组装好的上下文文本。
type RetrievalResult struct {
	Chunks       []ScoredChunk `json:"chunks"`
	Sources      []string      `json:"sources"`
	Context      string        `json:"context"`
	QualityScore float64       `json:"quality_score"`
	ElapsedMs    int64         `json:"elapsed_ms"`
}
