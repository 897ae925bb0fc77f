package rag

import (
	"strings"
)

// Chunker 文档分块器。按词 token 切分，块间固定重叠以保持上下文连续。
type Chunker struct {
	chunkSize int // 每块最大 token 数
	overlap   int // 块间重叠 token 数
	minTokens int // 最小块 token 数，过小的尾块并入前一块
}

// NewChunker 创建分块器
func NewChunker(chunkSize, overlap, minTokens int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 400
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 10
	}
	if minTokens <= 0 {
		minTokens = 5
	}
	return &Chunker{
		chunkSize: chunkSize,
		overlap:   overlap,
		minTokens: minTokens,
	}
}

// Tokenize 按空白切词
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// Chunk 将文档内容切为有序分块：
//   - ChunkIndex 从 0 起连续递增，无缺口无重复
//   - 相邻块之间固定重叠 overlap 个 token
//   - 尾块净新增不足 minTokens 时并入前一块而不是单独成块
//
// 整篇不足 minTokens 的文档仍单块返回，由入库前校验过滤。
func (c *Chunker) Chunk(documentID, content string) []Chunk {
	tokens := Tokenize(content)
	if len(tokens) == 0 {
		return nil
	}

	step := c.chunkSize - c.overlap
	var chunks []Chunk
	for start := 0; start < len(tokens); start += step {
		end := start + c.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		piece := tokens[start:end]

		// 尾块只带来 len(piece)-overlap 个新 token，不足 minTokens 就并入前一块
		if len(piece)-c.overlap < c.minTokens && len(chunks) > 0 {
			if len(piece) > c.overlap {
				prev := &chunks[len(chunks)-1]
				fresh := piece[c.overlap:]
				prev.Content = prev.Content + " " + strings.Join(fresh, " ")
				prev.TokenCount += len(fresh)
			}
			break
		}

		chunks = append(chunks, Chunk{
			DocumentID: documentID,
			Content:    strings.Join(piece, " "),
			ChunkIndex: len(chunks),
			TokenCount: len(piece),
		})
		if end >= len(tokens) {
			break
		}
	}
	return chunks
}
