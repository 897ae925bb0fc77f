package rag

import (
	"context"

	applog "ragweave/internal/platform/log"
)

// CachedEmbedder 带缓存的 Embedder 装饰器：批量查缓存，
// 只对未命中的文本调用底层网关，结果回写长 TTL 缓存。
type CachedEmbedder struct {
	inner Embedder
	cache EmbeddingCache
}

// NewCachedEmbedder 创建缓存装饰器。cache 为 nil 时直通底层。
func NewCachedEmbedder(inner Embedder, cache EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

// Dims 返回向量维度
func (e *CachedEmbedder) Dims() int {
	return e.inner.Dims()
}

// Embed 缓存优先的批量向量生成，输出顺序与输入一致
func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.cache == nil {
		return e.inner.Embed(ctx, texts)
	}

	cached := e.cache.GetEmbeddings(ctx, texts)

	var missing []string
	seen := make(map[string]bool, len(texts))
	for _, text := range texts {
		if _, ok := cached[text]; !ok && !seen[text] {
			missing = append(missing, text)
			seen[text] = true
		}
	}

	if len(missing) > 0 {
		vectors, err := e.inner.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		fresh := make(map[string][]float32, len(missing))
		for i, text := range missing {
			cached[text] = vectors[i]
			fresh[text] = vectors[i]
		}
		e.cache.PutEmbeddings(ctx, fresh)
	}

	applog.Debug("[RAG/Embedder] Cache lookup",
		"total", len(texts),
		"missing", len(missing),
	)

	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = cached[text]
	}
	return result, nil
}
