package rag

import "time"

// Config RAG 模块配置
type Config struct {
	// Chunker 配置（单位：词 token）
	ChunkSize      int `json:"chunk_size"`
	ChunkOverlap   int `json:"chunk_overlap"`
	MinChunkTokens int `json:"min_chunk_tokens"`

	// Embedding
	EmbeddingModel string `json:"embedding_model"`
	EmbeddingDims  int    `json:"embedding_dims"`
	EmbedBatchSize int    `json:"embed_batch_size"`
	EmbedTimeout   int    `json:"embed_timeout_seconds"`

	// 入库节流
	InsertBatchSize  int `json:"insert_batch_size"`
	InsertPauseMs    int `json:"insert_pause_ms"`
	StuckAfterMin    int `json:"stuck_after_minutes"`
	MaxContentLength int `json:"max_content_length"`

	// 检索配置
	DefaultTopK      int     `json:"default_top_k"`
	OverfetchFactor  int     `json:"overfetch_factor"`
	MinSimilarity    float64 `json:"min_similarity"`
	MinContentLength int     `json:"min_content_length"`
	MaxQueryRunes    int     `json:"max_query_runes"`

	// Ranking 信号权重。只有方向是确定的：同文档重复选中降分、
	// 旧文档不得高于新文档；具体数值可调。
	KeywordWeight     float64 `json:"keyword_weight"`
	DiversityPenalty  float64 `json:"diversity_penalty"`
	RecencyMaxBoost   float64 `json:"recency_max_boost"`
	RecencyMaxAgeDays int     `json:"recency_max_age_days"`
	PhraseBonus       float64 `json:"phrase_bonus"`
	AdjacencyBonus    float64 `json:"adjacency_bonus"`

	// 缓存 TTL 按数据易变性分级：向量基本不变 > 检索结果 > 文档。
	EmbeddingTTL time.Duration `json:"-"`
	ResultTTL    time.Duration `json:"-"`
	DocumentTTL  time.Duration `json:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:      400,
		ChunkOverlap:   40,
		MinChunkTokens: 5,

		EmbeddingModel: "text-embedding-3-small",
		EmbeddingDims:  1536,
		EmbedBatchSize: 20,
		EmbedTimeout:   30,

		InsertBatchSize:  50,
		InsertPauseMs:    100,
		StuckAfterMin:    10,
		MaxContentLength: 8000,

		DefaultTopK:      5,
		OverfetchFactor:  2,
		MinSimilarity:    0.3,
		MinContentLength: 20,
		MaxQueryRunes:    500,

		KeywordWeight:     0.10,
		DiversityPenalty:  0.05,
		RecencyMaxBoost:   0.05,
		RecencyMaxAgeDays: 365,
		PhraseBonus:       0.05,
		AdjacencyBonus:    0.02,

		EmbeddingTTL: 7 * 24 * time.Hour,
		ResultTTL:    30 * time.Minute,
		DocumentTTL:  2 * time.Hour,
	}
}

// StuckWindow 文档滞留判定窗口
func (c *Config) StuckWindow() time.Duration {
	return time.Duration(c.StuckAfterMin) * time.Minute
}

// RecencyMaxAge 时效加成归零的最大文档年龄
func (c *Config) RecencyMaxAge() time.Duration {
	return time.Duration(c.RecencyMaxAgeDays) * 24 * time.Hour
}
