package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ragweave/internal/platform/retry"
)

func embeddingServer(t *testing.T, handler func(w http.ResponseWriter, texts []string, call int)) *httptest.Server {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		texts, _ := req.Input.([]any)
		strs := make([]string, len(texts))
		for i, v := range texts {
			strs[i], _ = v.(string)
		}
		handler(w, strs, int(calls.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEmbeddings(w http.ResponseWriter, n, dims int) {
	resp := embeddingResponse{Usage: embeddingUsage{TotalTokens: n * 3}}
	for i := 0; i < n; i++ {
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = float32(i) + float32(j)/1000
		}
		resp.Data = append(resp.Data, embeddingData{Index: i, Embedding: vec})
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

// TestEmbedBatching 超过批大小的输入拆成多批请求
func TestEmbedBatching(t *testing.T) {
	var batchSizes []int
	srv := embeddingServer(t, func(w http.ResponseWriter, texts []string, call int) {
		batchSizes = append(batchSizes, len(texts))
		writeEmbeddings(w, len(texts), 8)
	})

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		BaseURL: srv.URL, Model: "test-model", Dims: 8, BatchSize: 2, Retry: testPolicy(),
	})

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 5 {
		t.Fatalf("expected 5 vectors, got %d", len(vectors))
	}
	for i, v := range vectors {
		if len(v) != 8 {
			t.Errorf("vector %d has %d dims", i, len(v))
		}
	}
	want := []int{2, 2, 1}
	if fmt.Sprint(batchSizes) != fmt.Sprint(want) {
		t.Errorf("batch sizes %v, want %v", batchSizes, want)
	}
}

// TestEmbedRetryOnRateLimit 限流后重试成功
func TestEmbedRetryOnRateLimit(t *testing.T) {
	srv := embeddingServer(t, func(w http.ResponseWriter, texts []string, call int) {
		if call <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limit"}}`)
			return
		}
		writeEmbeddings(w, len(texts), 4)
	})

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		BaseURL: srv.URL, Model: "test-model", Dims: 4, Retry: testPolicy(),
	})
	vectors, err := e.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vectors))
	}
}

// TestEmbedClientErrorNotRetried 4xx（非限流）立即失败
func TestEmbedClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := embeddingServer(t, func(w http.ResponseWriter, texts []string, call int) {
		calls.Store(int64(call))
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad input"}}`)
	})

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		BaseURL: srv.URL, Model: "test-model", Dims: 4, Retry: testPolicy(),
	})
	if _, err := e.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error")
	} else if !strings.Contains(err.Error(), "400") {
		t.Errorf("expected 400 in error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call (no retry), got %d", calls.Load())
	}
}

// TestEmbedDimsMismatch 维度不符的响应视为错误
func TestEmbedDimsMismatch(t *testing.T) {
	srv := embeddingServer(t, func(w http.ResponseWriter, texts []string, call int) {
		writeEmbeddings(w, len(texts), 3)
	})

	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{
		BaseURL: srv.URL, Model: "test-model", Dims: 4,
		Retry: retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	if _, err := e.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected dims mismatch error")
	} else if !strings.Contains(err.Error(), "dims") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestEmbedEmptyInput 空输入直接返回
func TestEmbedEmptyInput(t *testing.T) {
	e := NewOpenAIEmbedder(OpenAIEmbedderConfig{BaseURL: "http://unused.invalid"})
	vectors, err := e.Embed(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("expected nil, nil for empty input, got %v, %v", vectors, err)
	}
}

// TestCachedEmbedderHitsSkipGateway 命中缓存的文本不再请求网关
func TestCachedEmbedderHitsSkipGateway(t *testing.T) {
	inner := newMockEmbedder(8)
	cache := newMemEmbedCache()
	e := NewCachedEmbedder(inner, cache)

	ctx := context.Background()
	first, err := e.Embed(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("first embed: %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("expected 1 gateway call, got %d", inner.calls.Load())
	}
	if cache.len() != 2 {
		t.Errorf("expected 2 cached entries, got %d", cache.len())
	}

	second, err := e.Embed(ctx, []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("second embed: %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Errorf("expected cache to absorb second call, got %d gateway calls", inner.calls.Load())
	}
	for i := range first {
		for j := range first[i] {
			if first[i][j] != second[i][j] {
				t.Fatal("cached vector differs from original")
			}
		}
	}
}

// TestCachedEmbedderPartialMiss 只有未命中文本发往网关，顺序保持
func TestCachedEmbedderPartialMiss(t *testing.T) {
	inner := newMockEmbedder(8)
	cache := newMemEmbedCache()
	e := NewCachedEmbedder(inner, cache)

	ctx := context.Background()
	if _, err := e.Embed(ctx, []string{"alpha"}); err != nil {
		t.Fatalf("seed embed: %v", err)
	}

	vectors, err := e.Embed(ctx, []string{"beta", "alpha", "gamma"})
	if err != nil {
		t.Fatalf("mixed embed: %v", err)
	}
	if inner.calls.Load() != 2 {
		t.Errorf("expected 2 gateway calls, got %d", inner.calls.Load())
	}
	wantAlpha := deterministicVector("alpha", 8)
	for j := range wantAlpha {
		if vectors[1][j] != wantAlpha[j] {
			t.Fatal("cached alpha vector out of order")
		}
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
}
