package worker

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	applog "ragweave/internal/platform/log"
)

var (
	// ErrPoolStopped 池已停止
	ErrPoolStopped = errors.New("worker: pool stopped")
	// ErrNoHandler 任务类型没有注册处理函数
	ErrNoHandler = errors.New("worker: no handler registered for task type")
	// ErrTaskTimeout 任务执行超时
	ErrTaskTimeout = errors.New("worker: task timed out")
)

// Task CPU 密集型任务。只在一次执行期间存在。
type Task struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Priority    int
	Timeout     time.Duration
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// TaskResult 执行结果，经 channel 异步投递给提交者
type TaskResult struct {
	TaskID   string
	Value    any
	Err      error
	Duration time.Duration
}

// Handler 任务处理函数，按任务类型注册
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// SubmitOptions 提交选项
type SubmitOptions struct {
	Priority int
	Timeout  time.Duration
}

// Config 工作池配置
type Config struct {
	MaxWorkers     int           // 执行上下文上限
	DefaultTimeout time.Duration // 未指定时的单任务时限
}

// DefaultConfig 默认工作池配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers:     8,
		DefaultTimeout: 30 * time.Second,
	}
}

// Stats 工作池运行计数
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	TimedOut  int64
	Backlog   int
	Running   int
}

// Pool CPU 密集型任务工作池。优先级堆做积压队列，ants 提供有界的
// 执行上下文（懒扩容、panic 后自动替换 worker 都由 ants 兜底），
// 调度 goroutine 保证高优先任务先出队。
type Pool struct {
	cfg      Config
	executor *ants.Pool

	mu       sync.Mutex
	backlog  taskHeap
	seq      uint64
	notify   chan struct{}
	slots    chan struct{}
	handlers map[string]Handler
	stopped  bool

	stop chan struct{}
	wg   sync.WaitGroup

	submitted int64
	completed int64
	failed    int64
	timedOut  int64
}

// NewPool 创建工作池
func NewPool(cfg Config) (*Pool, error) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	executor, err := ants.NewPool(cfg.MaxWorkers, ants.WithPanicHandler(func(r any) {
		applog.Error("[Worker] Task panicked", "panic", fmt.Sprint(r))
	}))
	if err != nil {
		return nil, fmt.Errorf("create executor pool: %w", err)
	}

	p := &Pool{
		cfg:      cfg,
		executor: executor,
		notify:   make(chan struct{}, 1),
		slots:    make(chan struct{}, cfg.MaxWorkers),
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.dispatchLoop()
	return p, nil
}

// Register 注册任务类型的处理函数
func (p *Pool) Register(taskType string, h Handler) {
	p.mu.Lock()
	p.handlers[taskType] = h
	p.mu.Unlock()
}

// Submit 提交任务。返回任务 id 与结果 channel；结果异步投递，
// 提交者不取结果也不会阻塞执行。
func (p *Pool) Submit(taskType string, payload any, opts SubmitOptions) (string, <-chan TaskResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}

	task := &Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Payload:   data,
		Priority:  opts.Priority,
		Timeout:   timeout,
		CreatedAt: time.Now(),
	}
	resultCh := make(chan TaskResult, 1)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", nil, ErrPoolStopped
	}
	if _, ok := p.handlers[taskType]; !ok {
		p.mu.Unlock()
		return "", nil, ErrNoHandler
	}
	p.seq++
	heap.Push(&p.backlog, &queuedTask{task: task, result: resultCh, seq: p.seq})
	p.mu.Unlock()

	atomic.AddInt64(&p.submitted, 1)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return task.ID, resultCh, nil
}

// dispatchLoop 从优先级堆取任务喂给执行池。先占执行槽再出队：
// 槽位释放的瞬间才决定下一个任务，晚到的高优先任务不会被
// 已出队的低优先任务卡在前面。
func (p *Pool) dispatchLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.drainBacklog()
			return
		case <-p.notify:
		}

		for {
			p.mu.Lock()
			empty := p.backlog.Len() == 0
			p.mu.Unlock()
			if empty {
				break
			}

			select {
			case p.slots <- struct{}{}:
			case <-p.stop:
				p.drainBacklog()
				return
			}

			p.mu.Lock()
			if p.backlog.Len() == 0 {
				p.mu.Unlock()
				<-p.slots
				break
			}
			qt := heap.Pop(&p.backlog).(*queuedTask)
			handler := p.handlers[qt.task.Type]
			p.mu.Unlock()

			err := p.executor.Submit(func() {
				defer func() { <-p.slots }()
				p.run(qt, handler)
			})
			if err != nil {
				<-p.slots
				qt.result <- TaskResult{TaskID: qt.task.ID, Err: fmt.Errorf("submit to executor: %w", err)}
				atomic.AddInt64(&p.failed, 1)
			}
		}
	}
}

// run 在执行上下文里跑一个任务并投递结果。超时的任务按失败处理，
// 迟到的 handler 返回值被丢弃，上下文立即可服务下一个任务。
func (p *Pool) run(qt *queuedTask, handler Handler) {
	task := qt.task
	task.StartedAt = time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	type handlerResult struct {
		value any
		err   error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		value, err := handler(ctx, task.Payload)
		done <- handlerResult{value: value, err: err}
	}()

	var result TaskResult
	select {
	case hr := <-done:
		task.CompletedAt = time.Now()
		result = TaskResult{
			TaskID:   task.ID,
			Value:    hr.value,
			Err:      hr.err,
			Duration: task.CompletedAt.Sub(task.StartedAt),
		}
		if hr.err != nil {
			atomic.AddInt64(&p.failed, 1)
		} else {
			atomic.AddInt64(&p.completed, 1)
		}
	case <-ctx.Done():
		task.CompletedAt = time.Now()
		result = TaskResult{
			TaskID:   task.ID,
			Err:      fmt.Errorf("%w after %s", ErrTaskTimeout, task.Timeout),
			Duration: task.CompletedAt.Sub(task.StartedAt),
		}
		atomic.AddInt64(&p.timedOut, 1)
		atomic.AddInt64(&p.failed, 1)
		applog.Warn("[Worker] Task timed out", "task_id", task.ID, "type", task.Type, "timeout", task.Timeout)
	}

	qt.result <- result
}

func (p *Pool) drainBacklog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.backlog.Len() > 0 {
		qt := heap.Pop(&p.backlog).(*queuedTask)
		qt.result <- TaskResult{TaskID: qt.task.ID, Err: ErrPoolStopped}
	}
}

// Stats 运行计数快照
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	backlog := p.backlog.Len()
	p.mu.Unlock()
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		TimedOut:  atomic.LoadInt64(&p.timedOut),
		Backlog:   backlog,
		Running:   p.executor.Running(),
	}
}

// Stop 停止接收新任务并等待在途任务结束
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	// 收齐全部执行槽；在途任务结束才释放槽位，Release 本身不等待
	for i := 0; i < cap(p.slots); i++ {
		p.slots <- struct{}{}
	}
	p.executor.Release()
}

// ── 优先级堆 ─────────────────────────────────────────────────

type queuedTask struct {
	task   *Task
	result chan TaskResult
	seq    uint64 // 同优先级按提交顺序出队
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
