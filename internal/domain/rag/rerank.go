package rag

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// ── 排序信号 ─────────────────────────────────────────────────
//
// 综合分 = 余弦相似度
//        + 关键词重合加成
//        − 同文档重复惩罚（多样性）
//        + 文档时效加成
// 方向不变量：同文档重复选中只降不升，旧文档不得因时效高于新文档。

// queryTerms 查询切词并小写归一，去重
func queryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, tok := range Tokenize(strings.ToLower(query)) {
		if tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}); tok != "" {
			terms[tok] = true
		}
	}
	return terms
}

// keywordOverlap 分块内容覆盖查询词的比例 [0,1]
func keywordOverlap(terms map[string]bool, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hit := 0
	for term := range terms {
		if strings.Contains(lower, term) {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

// recencyBoost 线性衰减的时效加成：新文档满额，maxAge 之后归零
func recencyBoost(createdAt time.Time, maxBoost float64, maxAge time.Duration) float64 {
	if createdAt.IsZero() || maxBoost <= 0 || maxAge <= 0 {
		return 0
	}
	age := time.Since(createdAt)
	if age <= 0 {
		return maxBoost
	}
	if age >= maxAge {
		return 0
	}
	return maxBoost * (1 - float64(age)/float64(maxAge))
}

// rankChunks 计算综合分并按分数降序排列。
// 多样性惩罚按排序过程中同文档已选数量累计，
// 因此先按相似度预排，逐个定分。
func (e *RetrievalEngine) rankChunks(query string, hits []ScoredChunk, opts RetrieveOptions) []ScoredChunk {
	terms := queryTerms(query)

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})

	perDoc := make(map[string]int)
	for i := range hits {
		score := hits[i].Similarity
		score += e.cfg.KeywordWeight * keywordOverlap(terms, hits[i].Content)
		if opts.DiversityBoost {
			score -= e.cfg.DiversityPenalty * float64(perDoc[hits[i].DocumentID])
		}
		if opts.RecencyBoost {
			score += recencyBoost(hits[i].CreatedAt, e.cfg.RecencyMaxBoost, e.cfg.RecencyMaxAge())
		}
		hits[i].Score = score
		perDoc[hits[i].DocumentID]++
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	return hits
}

// rerankChunks 轻量重排：完整短语命中与查询词邻接命中追加小额加成。
// 只调整已入选分块的相对顺序，不改变入选集合。
func (e *RetrievalEngine) rerankChunks(query string, chunks []ScoredChunk) []ScoredChunk {
	phrase := strings.ToLower(strings.TrimSpace(query))
	tokens := Tokenize(phrase)

	for i := range chunks {
		lower := strings.ToLower(chunks[i].Content)
		if phrase != "" && strings.Contains(lower, phrase) {
			chunks[i].Score += e.cfg.PhraseBonus
		}
		// 相邻词对命中
		for j := 0; j+1 < len(tokens); j++ {
			if strings.Contains(lower, tokens[j]+" "+tokens[j+1]) {
				chunks[i].Score += e.cfg.AdjacencyBonus
			}
		}
	}

	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Score > chunks[j].Score
	})
	return chunks
}

// qualityScore 结果集质量评估 [0,1]：
// 平均相似度打底，命中数量与关键词覆盖率小幅加成。
// 覆盖率是查询词在全部入选分块中命中的并集比例，
// 不同分块各覆盖一部分查询词同样算覆盖。
func (e *RetrievalEngine) qualityScore(query string, chunks []ScoredChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}

	var simSum float64
	for _, ch := range chunks {
		simSum += ch.Similarity
	}
	quality := simSum / float64(len(chunks))

	if len(chunks) >= 3 {
		quality += 0.1
	} else if len(chunks) >= 2 {
		quality += 0.05
	}

	terms := queryTerms(query)
	if len(terms) > 0 {
		lowers := make([]string, len(chunks))
		for i, ch := range chunks {
			lowers[i] = strings.ToLower(ch.Content)
		}
		matched := 0
		for term := range terms {
			for _, lower := range lowers {
				if strings.Contains(lower, term) {
					matched++
					break
				}
			}
		}
		quality += 0.1 * float64(matched) / float64(len(terms))
	}

	if quality > 1 {
		quality = 1
	}
	return quality
}
