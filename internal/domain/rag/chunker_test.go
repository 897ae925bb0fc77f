package rag

import (
	"fmt"
	"strings"
	"testing"
)

func words(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "w%d ", i)
	}
	return sb.String()
}

// TestChunkOrdinals 分块序号从 0 连续递增
func TestChunkOrdinals(t *testing.T) {
	c := NewChunker(400, 40, 5)
	chunks := c.Chunk("doc-1", words(2000))
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}
	for i, ch := range chunks {
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d has ordinal %d", i, ch.ChunkIndex)
		}
		if ch.DocumentID != "doc-1" {
			t.Errorf("chunk %d has document id %q", i, ch.DocumentID)
		}
	}
	// step 360：2000 词 → 起点 0/360/720/1080/1440/1800
	if len(chunks) != 6 {
		t.Errorf("expected 6 chunks for 2000 tokens, got %d", len(chunks))
	}
}

// TestChunkOverlap 相邻块之间重叠 overlap 个 token
func TestChunkOverlap(t *testing.T) {
	c := NewChunker(100, 10, 5)
	chunks := c.Chunk("doc-1", words(500))
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prev := Tokenize(chunks[i-1].Content)
		cur := Tokenize(chunks[i].Content)
		tail := prev[len(prev)-10:]
		head := cur[:10]
		for j := range tail {
			if tail[j] != head[j] {
				t.Fatalf("chunk %d overlap mismatch: tail %v head %v", i, tail, head)
			}
		}
	}
}

// TestChunkShortDocument 不足一块的文档单块返回
func TestChunkShortDocument(t *testing.T) {
	c := NewChunker(400, 40, 5)
	chunks := c.Chunk("doc-1", "just a few words here")
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].TokenCount != 5 {
		t.Errorf("expected 5 tokens, got %d", chunks[0].TokenCount)
	}
}

// TestChunkTinyTailMerged 过小尾块并入前一块而不是单独成块
func TestChunkTinyTailMerged(t *testing.T) {
	// step = 90，102 词 → 第二块起点 90，剩 12 词但新增仅 2 词 < minTokens
	c := NewChunker(100, 10, 5)
	chunks := c.Chunk("doc-1", words(102))
	if len(chunks) != 1 {
		t.Fatalf("expected tail merged into single chunk, got %d chunks", len(chunks))
	}
	if chunks[0].TokenCount != 102 {
		t.Errorf("expected merged chunk of 102 tokens, got %d", chunks[0].TokenCount)
	}
	toks := Tokenize(chunks[0].Content)
	if toks[len(toks)-1] != "w101" {
		t.Errorf("expected last token w101, got %s", toks[len(toks)-1])
	}
	for _, ch := range chunks {
		if ch.TokenCount < 5 {
			t.Errorf("chunk below minimum size: %d tokens", ch.TokenCount)
		}
	}
}

// TestChunkTailNetNewBoundary 尾块按净新增 token 数决定并入还是成块
func TestChunkTailNetNewBoundary(t *testing.T) {
	c := NewChunker(100, 10, 5)

	// 104 词 → 尾块 14 token，净新增 4 < minTokens → 并入
	chunks := c.Chunk("doc-1", words(104))
	if len(chunks) != 1 || chunks[0].TokenCount != 104 {
		t.Fatalf("expected merged single chunk of 104 tokens, got %d chunks", len(chunks))
	}

	// 105 词 → 尾块净新增 5 = minTokens → 独立成块
	chunks = c.Chunk("doc-1", words(105))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for 105 tokens, got %d", len(chunks))
	}
	if chunks[1].TokenCount != 15 {
		t.Errorf("expected tail chunk of 15 tokens, got %d", chunks[1].TokenCount)
	}
}

// TestChunkEmptyContent 空白内容不产生分块
func TestChunkEmptyContent(t *testing.T) {
	c := NewChunker(400, 40, 5)
	if chunks := c.Chunk("doc-1", "   \n\t  "); chunks != nil {
		t.Errorf("expected nil chunks, got %d", len(chunks))
	}
}

// TestChunkerDefaults 非法参数回退默认值
func TestChunkerDefaults(t *testing.T) {
	c := NewChunker(0, -1, 0)
	if c.chunkSize != 400 {
		t.Errorf("expected default chunk size 400, got %d", c.chunkSize)
	}
	if c.overlap != 40 {
		t.Errorf("expected default overlap 40, got %d", c.overlap)
	}
	if c.minTokens != 5 {
		t.Errorf("expected default min tokens 5, got %d", c.minTokens)
	}
}
