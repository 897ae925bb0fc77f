package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	applog "ragweave/internal/platform/log"
)

// RetrievalEngine 语义检索引擎：查询归一 → 向量化 → 相似度召回 →
// 多信号排序 → 上下文组装。检索链路上的基础设施故障一律降级为空结果，
// 不向调用方抛错。
type RetrievalEngine struct {
	store   ChunkStore
	embed   Embedder
	results ResultCache
	cfg     *Config
}

// NewRetrievalEngine 创建检索引擎。results 可为 nil（不缓存）。
func NewRetrievalEngine(store ChunkStore, embed Embedder, results ResultCache, cfg *Config) *RetrievalEngine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RetrievalEngine{
		store:   store,
		embed:   embed,
		results: results,
		cfg:     cfg,
	}
}

// ── 查询归一 ─────────────────────────────────────────────────

// NormalizeQuery 查询归一化：去除控制/符号噪音，压缩空白，
// 截断超长输入。归一结果同时作为缓存 key 的输入。
func (e *RetrievalEngine) NormalizeQuery(query string) string {
	var sb strings.Builder
	for _, r := range query {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			sb.WriteRune(' ')
		}
	}
	normalized := strings.Join(strings.Fields(sb.String()), " ")

	if max := e.cfg.MaxQueryRunes; max > 0 {
		runes := []rune(normalized)
		if len(runes) > max {
			normalized = strings.TrimSpace(string(runes[:max]))
		}
	}
	return normalized
}

// cacheKey 归一化查询 + 检索选项的稳定摘要
func (e *RetrievalEngine) cacheKey(normalized string, opts RetrieveOptions) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%.3f|%t|%t|%t",
		normalized, opts.TopK, opts.MinSimilarity,
		opts.DiversityBoost, opts.RecencyBoost, opts.Rerank,
	)))
	return hex.EncodeToString(sum[:12])
}

// ── 检索 ─────────────────────────────────────────────────────

// Retrieve 执行一次语义检索。空查询与无命中返回空结果；
// 向量化或向量库故障记日志后同样返回空结果（error 恒为 nil，
// 调用方按"没查到"处理，问答链路不因检索层抖动而中断）。
func (e *RetrievalEngine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) *RetrievalResult {
	start := time.Now()

	normalized := e.NormalizeQuery(query)
	if normalized == "" {
		return emptyResult(start)
	}

	if opts.TopK <= 0 {
		opts.TopK = e.cfg.DefaultTopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = e.cfg.MinSimilarity
	}

	key := e.cacheKey(normalized, opts)
	if e.results != nil {
		if cached, ok := e.results.GetResult(ctx, key); ok {
			applog.Debug("[RAG/Retriever] Result cache hit", "query", normalized)
			return cached
		}
	}

	vectors, err := e.embed.Embed(ctx, []string{normalized})
	if err != nil || len(vectors) != 1 {
		applog.Error("[RAG/Retriever] Query embedding failed", "query", normalized, "error", err)
		return emptyResult(start)
	}

	// 过量召回，给排序与过滤留余量
	overfetch := opts.TopK * e.cfg.OverfetchFactor
	if overfetch < opts.TopK {
		overfetch = opts.TopK
	}
	hits, err := e.store.SearchSimilar(ctx, vectors[0], opts.MinSimilarity, overfetch)
	if err != nil {
		applog.Error("[RAG/Retriever] Similarity search failed", "query", normalized, "error", err)
		return emptyResult(start)
	}

	hits = e.filterHits(hits, opts)
	if len(hits) == 0 {
		result := emptyResult(start)
		if e.results != nil {
			e.results.SetResult(ctx, key, result)
		}
		return result
	}

	ranked := e.rankChunks(normalized, hits, opts)
	if len(ranked) > opts.TopK {
		ranked = ranked[:opts.TopK]
	}
	if opts.Rerank {
		ranked = e.rerankChunks(normalized, ranked)
	}

	result := &RetrievalResult{
		Chunks:       ranked,
		Sources:      collectSources(ranked),
		Context:      e.buildContext(ranked),
		QualityScore: e.qualityScore(normalized, ranked),
		ElapsedMs:    time.Since(start).Milliseconds(),
	}
	if e.results != nil {
		e.results.SetResult(ctx, key, result)
	}

	applog.Info("[RAG/Retriever] Retrieval completed",
		"query", normalized,
		"hits", len(ranked),
		"quality", fmt.Sprintf("%.2f", result.QualityScore),
		"elapsed_ms", result.ElapsedMs,
	)
	return result
}

// filterHits 丢弃低于阈值或内容过短的命中
func (e *RetrievalEngine) filterHits(hits []ScoredChunk, opts RetrieveOptions) []ScoredChunk {
	out := hits[:0]
	for _, h := range hits {
		if h.Similarity < opts.MinSimilarity {
			continue
		}
		if len(strings.TrimSpace(h.Content)) < e.cfg.MinContentLength {
			continue
		}
		out = append(out, h)
	}
	return out
}

// collectSources 按命中顺序去重的来源文档标题
func collectSources(chunks []ScoredChunk) []string {
	seen := make(map[string]bool)
	var sources []string
	for _, ch := range chunks {
		title := ch.DocumentTitle
		if title == "" {
			title = ch.DocumentID
		}
		if !seen[title] {
			seen[title] = true
			sources = append(sources, title)
		}
	}
	return sources
}

// buildContext 将入选分块拼装为带来源标注的上下文文本，
// 超出长度上限时截断尾部分块。
func (e *RetrievalEngine) buildContext(chunks []ScoredChunk) string {
	var sb strings.Builder
	for i, ch := range chunks {
		segment := ch.Content
		if ch.DocumentTitle != "" {
			segment = fmt.Sprintf("[Source: %s]\n%s", ch.DocumentTitle, ch.Content)
		}
		if i > 0 {
			if sb.Len()+len(segment)+10 > e.cfg.MaxContentLength {
				break
			}
			sb.WriteString("\n\n---\n\n")
		}
		sb.WriteString(segment)
		if sb.Len() >= e.cfg.MaxContentLength {
			return sb.String()[:e.cfg.MaxContentLength]
		}
	}
	return sb.String()
}

func emptyResult(start time.Time) *RetrievalResult {
	return &RetrievalResult{
		Chunks:    []ScoredChunk{},
		Sources:   []string{},
		Context:   "",
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}
