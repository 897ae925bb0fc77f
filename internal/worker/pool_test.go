package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

// TestSubmitAndResult 基本提交与结果投递
func TestSubmitAndResult(t *testing.T) {
	p := newTestPool(t, Config{MaxWorkers: 2})
	p.Register("upper", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	})

	id, resultCh, err := p.Submit("upper", "hello", SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Error("expected task id")
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("task failed: %v", res.Err)
		}
		if res.Value != "HELLO" {
			t.Errorf("expected HELLO, got %v", res.Value)
		}
		if res.TaskID != id {
			t.Errorf("result task id mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

// TestUnregisteredType 未注册类型在提交时报错
func TestUnregisteredType(t *testing.T) {
	p := newTestPool(t, Config{MaxWorkers: 1})
	if _, _, err := p.Submit("nope", nil, SubmitOptions{}); !errors.Is(err, ErrNoHandler) {
		t.Errorf("expected ErrNoHandler, got %v", err)
	}
}

// TestPriorityBacklog 执行上下文占满时，积压任务按优先级出队，
// 同优先级保持提交顺序。
func TestPriorityBacklog(t *testing.T) {
	p := newTestPool(t, Config{MaxWorkers: 1})

	var mu sync.Mutex
	var order []string
	block := make(chan struct{})

	p.Register("block", func(ctx context.Context, payload json.RawMessage) (any, error) {
		<-block
		return nil, nil
	})
	p.Register("record", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var s string
		_ = json.Unmarshal(payload, &s)
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
		return nil, nil
	})

	// 占住唯一的执行上下文
	_, blockCh, err := p.Submit("block", nil, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	var chans []<-chan TaskResult
	for _, item := range []struct {
		name     string
		priority int
	}{
		{"low", -1},
		{"high-1", 9},
		{"normal", 0},
		{"high-2", 9},
	} {
		_, ch, err := p.Submit("record", item.name, SubmitOptions{Priority: item.priority})
		if err != nil {
			t.Fatalf("submit %s: %v", item.name, err)
		}
		chans = append(chans, ch)
	}

	close(block)
	<-blockCh
	for _, ch := range chans {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("backlog task never finished")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high-1", "high-2", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("expected %d executions, got %v", len(want), order)
	}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("execution order mismatch: got %v, want %v", order, want)
		}
	}
}

// TestTaskTimeout 超时任务标记失败，执行上下文继续服务后续任务
func TestTaskTimeout(t *testing.T) {
	p := newTestPool(t, Config{MaxWorkers: 1})

	p.Register("slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	p.Register("fast", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return "ok", nil
	})

	_, slowCh, err := p.Submit("slow", nil, SubmitOptions{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("submit slow: %v", err)
	}

	select {
	case res := <-slowCh:
		if !errors.Is(res.Err, ErrTaskTimeout) {
			t.Fatalf("expected ErrTaskTimeout, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout result never delivered")
	}

	// 超时后池仍可用
	_, fastCh, err := p.Submit("fast", nil, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit fast: %v", err)
	}
	select {
	case res := <-fastCh:
		if res.Err != nil || res.Value != "ok" {
			t.Errorf("pool unusable after timeout: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast task never finished")
	}

	if got := p.Stats().TimedOut; got != 1 {
		t.Errorf("expected 1 timed out task, got %d", got)
	}
}

// TestHandlerPanic handler panic 被捕获为失败结果，不拖垮池
func TestHandlerPanic(t *testing.T) {
	p := newTestPool(t, Config{MaxWorkers: 2})
	p.Register("boom", func(ctx context.Context, payload json.RawMessage) (any, error) {
		panic("unrecoverable")
	})

	_, ch, err := p.Submit("boom", nil, SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case res := <-ch:
		if res.Err == nil || !strings.Contains(res.Err.Error(), "panic") {
			t.Errorf("expected panic error, got %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic result never delivered")
	}
}

// TestConcurrencyBound 并发执行数不超过 MaxWorkers
func TestConcurrencyBound(t *testing.T) {
	const maxWorkers = 3
	p := newTestPool(t, Config{MaxWorkers: maxWorkers})

	var mu sync.Mutex
	running, peak := 0, 0
	p.Register("count", func(ctx context.Context, payload json.RawMessage) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	})

	var chans []<-chan TaskResult
	for i := 0; i < 12; i++ {
		_, ch, err := p.Submit("count", nil, SubmitOptions{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	for _, ch := range chans {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("task never finished")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > maxWorkers {
		t.Errorf("concurrency exceeded bound: peak %d > %d", peak, maxWorkers)
	}
}

// TestStopWaitsForInflight Stop 返回前在途任务必须跑完
func TestStopWaitsForInflight(t *testing.T) {
	p, err := NewPool(Config{MaxWorkers: 2})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var finished atomic.Bool
	started := make(chan struct{})
	p.Register("slow", func(ctx context.Context, payload json.RawMessage) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})

	if _, _, err := p.Submit("slow", nil, SubmitOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	p.Stop()
	if !finished.Load() {
		t.Error("Stop returned before in-flight task completed")
	}
}

// TestSubmitAfterStop 停止后拒绝新任务
func TestSubmitAfterStop(t *testing.T) {
	p, err := NewPool(Config{MaxWorkers: 1})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p.Register("noop", func(ctx context.Context, payload json.RawMessage) (any, error) { return nil, nil })
	p.Stop()

	if _, _, err := p.Submit("noop", nil, SubmitOptions{}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
}
