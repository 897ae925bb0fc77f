package rag

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// mockEmbedder 基于文本 hash 的确定性向量生成，测试用
type mockEmbedder struct {
	dims   int
	calls  atomic.Int64
	fail   error
	poison map[string]bool // 命中文本的向量注入 NaN
}

func newMockEmbedder(dims int) *mockEmbedder {
	return &mockEmbedder{dims: dims}
}

func (m *mockEmbedder) Dims() int { return m.dims }

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls.Add(1)
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = deterministicVector(text, m.dims)
		if m.poison[text] {
			out[i][0] = float32(math.NaN())
		}
	}
	return out, nil
}

// deterministicVector 同一文本总是映射到同一向量
func deterministicVector(text string, dims int) []float32 {
	sum := sha256.Sum256([]byte(text))
	seed := binary.BigEndian.Uint64(sum[:8])
	v := make([]float32, dims)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(seed%2000)/1000 - 1
	}
	return v
}

// memEmbedCache 内存版 EmbeddingCache，测试用
type memEmbedCache struct {
	mu   sync.Mutex
	data map[string][]float32
}

func newMemEmbedCache() *memEmbedCache {
	return &memEmbedCache{data: make(map[string][]float32)}
}

func (c *memEmbedCache) GetEmbeddings(ctx context.Context, texts []string) map[string][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]float32)
	for _, t := range texts {
		if v, ok := c.data[t]; ok {
			out[t] = v
		}
	}
	return out
}

func (c *memEmbedCache) PutEmbeddings(ctx context.Context, vectors map[string][]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t, v := range vectors {
		c.data[t] = v
	}
}

func (c *memEmbedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// memChunkStore 内存版 ChunkStore，测试用
type memChunkStore struct {
	mu     sync.Mutex
	docs   map[string]*Document
	chunks map[string][]Chunk
	hits   []ScoredChunk // SearchSimilar 固定返回
	fail   error
}

func newMemChunkStore() *memChunkStore {
	return &memChunkStore{
		docs:   make(map[string]*Document),
		chunks: make(map[string][]Chunk),
	}
}

func (s *memChunkStore) CreateDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	cp := *doc
	if cp.UploadedAt.IsZero() {
		cp.UploadedAt = time.Now()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.docs[doc.ID] = &cp
	return nil
}

func (s *memChunkStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s not found", id)
	}
	cp := *doc
	return &cp, nil
}

func (s *memChunkStore) MarkProcessed(ctx context.Context, id string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	doc.Processed = true
	doc.ChunkCount = chunkCount
	doc.ErrorMessage = ""
	return nil
}

func (s *memChunkStore) MarkFailed(ctx context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	doc.Processed = false
	doc.ErrorMessage = message
	return nil
}

func (s *memChunkStore) ResetDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s not found", id)
	}
	doc.Processed = false
	doc.ChunkCount = 0
	doc.ErrorMessage = ""
	return nil
}

func (s *memChunkStore) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("document %s not found", id)
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	return nil
}

// UnprocessedBefore 与 SQL 版语义一致：processed = FALSE AND upload_date < cutoff。
// 带错误信息的失败文档同样返回，滞留恢复要能重投它们。
func (s *memChunkStore) UnprocessedBefore(ctx context.Context, cutoff time.Time) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Document
	for _, doc := range s.docs {
		if !doc.Processed && doc.UploadedAt.Before(cutoff) {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (s *memChunkStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, ch := range chunks {
		s.chunks[ch.DocumentID] = append(s.chunks[ch.DocumentID], ch)
	}
	return nil
}

func (s *memChunkStore) DeleteChunks(ctx context.Context, documentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.chunks[documentID]))
	delete(s.chunks, documentID)
	return n, nil
}

func (s *memChunkStore) SearchSimilar(ctx context.Context, embedding []float32, threshold float64, limit int) ([]ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []ScoredChunk
	for _, h := range s.hits {
		if h.Similarity >= threshold {
			out = append(out, h)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memChunkStore) chunkCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[documentID])
}

// memObjectStore 内存版对象存储
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (s *memObjectStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.objects[path] = data
	return nil
}

func (s *memObjectStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

// memEnqueuer 记录入队调用
type memEnqueuer struct {
	mu   sync.Mutex
	jobs []string // jobType:documentID
	fail error
}

func (q *memEnqueuer) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return "", q.fail
	}
	id := ""
	if p, ok := payload.(ProcessPayload); ok {
		id = p.DocumentID
	}
	q.jobs = append(q.jobs, jobType+":"+id)
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func (q *memEnqueuer) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// memResultCache 内存版检索结果缓存
type memResultCache struct {
	mu          sync.Mutex
	results     map[string]*RetrievalResult
	invalidated []string
}

func newMemResultCache() *memResultCache {
	return &memResultCache{results: make(map[string]*RetrievalResult)}
}

func (c *memResultCache) GetResult(ctx context.Context, key string) (*RetrievalResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[key]
	return r, ok
}

func (c *memResultCache) SetResult(ctx context.Context, key string, result *RetrievalResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[key] = result
}

func (c *memResultCache) InvalidateDocument(ctx context.Context, documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, documentID)
	c.results = make(map[string]*RetrievalResult)
}
