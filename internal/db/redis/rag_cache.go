package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"ragweave/internal/domain/rag"
)

// RAGCache 把通用 CacheStore 适配到 RAG 域的缓存接口
// （rag.EmbeddingCache / rag.ResultCache）。
type RAGCache struct {
	store *CacheStore
}

// NewRAGCache 创建 RAG 缓存适配器
func NewRAGCache(store *CacheStore) *RAGCache {
	return &RAGCache{store: store}
}

// Store 返回底层缓存
func (c *RAGCache) Store() *CacheStore { return c.store }

// EmbeddingKey 文本内容哈希作为向量缓存 key
func EmbeddingKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum[:24])
}

// GetEmbeddings 批量查向量缓存，返回命中的 text -> vector
func (c *RAGCache) GetEmbeddings(ctx context.Context, texts []string) map[string][]float32 {
	keys := make([]string, len(texts))
	keyToText := make(map[string]string, len(texts))
	for i, text := range texts {
		keys[i] = EmbeddingKey(text)
		keyToText[keys[i]] = text
	}

	raw := c.store.GetMany(ctx, ClassEmbedding, keys)
	found := make(map[string][]float32, len(raw))
	for key, data := range raw {
		var vec []float32
		if err := json.Unmarshal(data, &vec); err != nil {
			continue
		}
		found[keyToText[key]] = vec
	}
	return found
}

// PutEmbeddings 批量写向量缓存
func (c *RAGCache) PutEmbeddings(ctx context.Context, vectors map[string][]float32) {
	entries := make(map[string][]byte, len(vectors))
	for text, vec := range vectors {
		data, err := json.Marshal(vec)
		if err != nil {
			continue
		}
		entries[EmbeddingKey(text)] = data
	}
	c.store.SetMany(ctx, ClassEmbedding, entries)
}

// GetResult 查检索结果缓存
func (c *RAGCache) GetResult(ctx context.Context, key string) (*rag.RetrievalResult, bool) {
	var result rag.RetrievalResult
	if !c.store.Get(ctx, ClassResult, key, &result) {
		return nil, false
	}
	return &result, true
}

// SetResult 写检索结果缓存
func (c *RAGCache) SetResult(ctx context.Context, key string, result *rag.RetrievalResult) {
	c.store.Set(ctx, ClassResult, key, result)
}

// InvalidateDocument 文档删除/重建时的连带失效：文档记录、分块条目、
// 以及所有可能包含该文档的检索结果全部清除。
func (c *RAGCache) InvalidateDocument(ctx context.Context, documentID string) {
	c.store.Delete(ctx, ClassDocument, documentID)
	c.store.InvalidatePattern(ctx, ClassDocument+":"+documentID+":*")
	c.store.InvalidatePattern(ctx, ClassResult+":*")
}
