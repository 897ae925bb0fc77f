package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	applog "ragweave/internal/platform/log"
)

// Status 任务生命周期状态。
// waiting → active → {completed | waiting(重试) | failed}；
// cancelled 可从任意非终态到达。
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 是否终态
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// 优先级路由：>5 高优先通道，<0 低优先通道。
const (
	laneHigh   = "high"
	laneNormal = "normal"
	laneLow    = "low"
)

var (
	// ErrJobNotFound 任务不存在或已被清理
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrJobTerminal 任务已处于终态，不可取消
	ErrJobTerminal = errors.New("queue: job already in terminal state")
	// ErrNoProcessor 任务类型没有注册处理函数
	ErrNoProcessor = errors.New("queue: no processor registered for job type")
	// errJobTimeout 处理函数超过单任务时限
	errJobTimeout = errors.New("queue: job execution timed out")
)

// Job 队列任务记录
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Status       Status          `json:"status"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

// EnqueueOptions 入队选项
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
}

// Processor 任务处理函数，按任务类型注册
type Processor func(ctx context.Context, job *Job) error

// Config 队列配置
type Config struct {
	Prefix         string        // Redis key 前缀
	Concurrency    int           // 并发执行上限
	PollInterval   time.Duration // 调度轮询周期
	JobTimeout     time.Duration // 单任务执行时限
	BaseRetryDelay time.Duration // 重试退避起步值
	Retention      time.Duration // 终态任务保留窗口
	SweepInterval  time.Duration // 清理扫描周期
}

// DefaultConfig 默认队列配置
func DefaultConfig() Config {
	return Config{
		Prefix:         "rw:queue",
		Concurrency:    5,
		PollInterval:   500 * time.Millisecond,
		JobTimeout:     2 * time.Minute,
		BaseRetryDelay: time.Second,
		Retention:      time.Hour,
		SweepInterval:  5 * time.Minute,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = def.Prefix
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = def.BaseRetryDelay
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Stats 队列运行计数
type Stats struct {
	Enqueued  int64
	Completed int64
	Retried   int64
	Failed    int64
	Cancelled int64
}

// Queue Redis 支撑的优先级任务队列：三条优先通道 + 延迟通道，
// 轮询调度，受并发上限约束。
type Queue struct {
	redis *goredis.Client
	cfg   Config

	mu         sync.RWMutex
	processors map[string]Processor

	sem     chan struct{}
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	enqueued  int64
	completed int64
	retried   int64
	failed    int64
	cancelled int64
}

// New 创建队列
func New(rdb *goredis.Client, cfg Config) *Queue {
	cfg = cfg.normalized()
	return &Queue{
		redis:      rdb,
		cfg:        cfg,
		processors: make(map[string]Processor),
		sem:        make(chan struct{}, cfg.Concurrency),
		stop:       make(chan struct{}),
	}
}

// Register 注册某任务类型的处理函数
func (q *Queue) Register(jobType string, p Processor) {
	q.mu.Lock()
	q.processors[jobType] = p
	q.mu.Unlock()
}

// Enqueue 以默认选项入队，满足 rag.Enqueuer
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	return q.EnqueueWithOptions(ctx, jobType, payload, EnqueueOptions{})
}

// EnqueueWithOptions 入队：priority > 5 走高优先通道，< 0 走低优先通道；
// Delay > 0 先进延迟通道，到点后再进入对应优先通道。
func (q *Queue) EnqueueWithOptions(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	now := time.Now()
	job := &Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Payload:      data,
		Priority:     opts.Priority,
		MaxAttempts:  maxAttempts,
		ScheduledFor: now.Add(opts.Delay),
		Status:       StatusWaiting,
		CreatedAt:    now,
	}
	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}

	if opts.Delay > 0 {
		err = q.redis.ZAdd(ctx, q.key("delayed"), goredis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: job.ID,
		}).Err()
	} else {
		err = q.redis.LPush(ctx, q.laneKey(job.Priority), job.ID).Err()
	}
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	atomic.AddInt64(&q.enqueued, 1)
	applog.Debug("[Queue] Enqueued", "job_id", job.ID, "type", jobType, "priority", opts.Priority, "delay", opts.Delay)
	return job.ID, nil
}

// Status 查询任务记录
func (q *Queue) Status(ctx context.Context, jobID string) (*Job, error) {
	return q.loadJob(ctx, jobID)
}

// Cancel 取消任务。等待/延迟中的任务直接移除；执行中的任务
// 继续跑完当前工作，但其结果会被丢弃（best effort）。
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return ErrJobTerminal
	}

	job.Status = StatusCancelled
	job.FinishedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}

	q.redis.ZRem(ctx, q.key("delayed"), jobID)
	for _, lane := range []string{laneHigh, laneNormal, laneLow} {
		q.redis.LRem(ctx, q.key(lane), 0, jobID)
	}
	q.markDone(ctx, job)

	atomic.AddInt64(&q.cancelled, 1)
	applog.Info("[Queue] Cancelled", "job_id", jobID, "type", job.Type)
	return nil
}

// Start 启动调度循环与清理循环
func (q *Queue) Start() {
	q.wg.Add(2)
	go q.pollLoop()
	go q.sweepLoop()
	applog.Info("[Queue] Started", "concurrency", q.cfg.Concurrency, "poll_interval", q.cfg.PollInterval)
}

// Stop 停止调度并等待在途任务结束
func (q *Queue) Stop() {
	q.stopped.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Stats 运行计数快照
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  atomic.LoadInt64(&q.enqueued),
		Completed: atomic.LoadInt64(&q.completed),
		Retried:   atomic.LoadInt64(&q.retried),
		Failed:    atomic.LoadInt64(&q.failed),
		Cancelled: atomic.LoadInt64(&q.cancelled),
	}
}

// ── 调度 ─────────────────────────────────────────────────────

func (q *Queue) pollLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			q.promoteDelayed(ctx)
			q.dispatch(ctx)
		}
	}
}

// promoteDelayed 把到点的延迟任务移入对应优先通道
func (q *Queue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.redis.ZRangeByScore(ctx, q.key("delayed"), &goredis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}

	for _, id := range ids {
		if q.redis.ZRem(ctx, q.key("delayed"), id).Val() == 0 {
			continue
		}
		job, err := q.loadJob(ctx, id)
		if err != nil || job.Status != StatusWaiting {
			continue
		}
		if err := q.redis.LPush(ctx, q.laneKey(job.Priority), id).Err(); err != nil {
			applog.Warn("[Queue] Failed to promote delayed job", "job_id", id, "error", err)
		}
	}
}

// dispatch 在并发额度内从高到低依次取通道任务
func (q *Queue) dispatch(ctx context.Context) {
	for {
		select {
		case q.sem <- struct{}{}:
		default:
			return // 并发额度已满
		}

		jobID := q.popNext(ctx)
		if jobID == "" {
			<-q.sem
			return
		}

		q.wg.Add(1)
		go func(id string) {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.execute(id)
		}(jobID)
	}
}

// popNext 高优先通道总是先被取空；同通道内按入队顺序执行
func (q *Queue) popNext(ctx context.Context) string {
	for _, lane := range []string{laneHigh, laneNormal, laneLow} {
		id, err := q.redis.RPop(ctx, q.key(lane)).Result()
		if err == nil && id != "" {
			return id
		}
	}
	return ""
}

func (q *Queue) execute(jobID string) {
	ctx := context.Background()

	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		applog.Warn("[Queue] Dequeued unknown job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != StatusWaiting {
		// 出队与取消的竞态：已取消的任务直接丢弃
		return
	}

	q.mu.RLock()
	processor, ok := q.processors[job.Type]
	q.mu.RUnlock()
	if !ok {
		q.handleFailure(ctx, job, ErrNoProcessor)
		return
	}

	job.Status = StatusActive
	job.StartedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		applog.Warn("[Queue] Failed to mark job active", "job_id", jobID, "error", err)
	}

	// 单任务时限：处理函数挂死也会被强制按失败路径处理，
	// 迟到的返回值被丢弃。
	execCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("processor panic: %v", r)
			}
		}()
		result <- processor(execCtx, job)
	}()

	var procErr error
	select {
	case procErr = <-result:
	case <-execCtx.Done():
		procErr = errJobTimeout
	}
	cancel()

	// 执行期间被取消：丢弃结果，保持 cancelled
	if latest, err := q.loadJob(ctx, jobID); err == nil && latest.Status == StatusCancelled {
		applog.Info("[Queue] Discarding result of cancelled job", "job_id", jobID)
		return
	}

	if procErr != nil {
		q.handleFailure(ctx, job, procErr)
		return
	}

	job.Status = StatusCompleted
	job.FinishedAt = time.Now()
	job.Error = ""
	if err := q.saveJob(ctx, job); err != nil {
		applog.Warn("[Queue] Failed to mark job completed", "job_id", jobID, "error", err)
	}
	q.markDone(ctx, job)
	atomic.AddInt64(&q.completed, 1)
	applog.Debug("[Queue] Completed", "job_id", jobID, "type", job.Type, "attempts", job.Attempts)
}

// handleFailure 失败处理：次数未耗尽则按指数退避转入延迟通道，
// 否则永久标记 failed 留待排查。
func (q *Queue) handleFailure(ctx context.Context, job *Job, procErr error) {
	job.Attempts++
	job.Error = procErr.Error()

	if job.Attempts < job.MaxAttempts {
		delay := q.cfg.BaseRetryDelay
		for i := 1; i < job.Attempts; i++ {
			delay *= 2
		}
		job.Status = StatusWaiting
		job.ScheduledFor = time.Now().Add(delay)
		if err := q.saveJob(ctx, job); err != nil {
			applog.Warn("[Queue] Failed to save retry state", "job_id", job.ID, "error", err)
			return
		}
		q.redis.ZAdd(ctx, q.key("delayed"), goredis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: job.ID,
		})
		atomic.AddInt64(&q.retried, 1)
		applog.Warn("[Queue] Job failed, retrying",
			"job_id", job.ID,
			"type", job.Type,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"retry_in", delay,
			"error", procErr,
		)
		return
	}

	job.Status = StatusFailed
	job.FinishedAt = time.Now()
	if err := q.saveJob(ctx, job); err != nil {
		applog.Warn("[Queue] Failed to mark job failed", "job_id", job.ID, "error", err)
	}
	q.markDone(ctx, job)
	atomic.AddInt64(&q.failed, 1)
	applog.Error("[Queue] Job failed permanently",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", job.Attempts,
		"error", procErr,
	)
}

// ── 清理 ─────────────────────────────────────────────────────

func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.SweepExpired(context.Background())
		}
	}
}

// SweepExpired 清理保留窗口外的终态任务，返回清理数量
func (q *Queue) SweepExpired(ctx context.Context) int {
	cutoff := strconv.FormatInt(time.Now().Add(-q.cfg.Retention).UnixMilli(), 10)
	ids, err := q.redis.ZRangeByScore(ctx, q.key("done"), &goredis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, q.jobKey(id))
	}
	q.redis.Del(ctx, keys...)
	q.redis.ZRemRangeByScore(ctx, q.key("done"), "-inf", cutoff)

	applog.Info("[Queue] Swept expired jobs", "count", len(ids))
	return len(ids)
}

// ── 存储 ─────────────────────────────────────────────────────

func (q *Queue) key(suffix string) string { return q.cfg.Prefix + ":" + suffix }
func (q *Queue) jobKey(id string) string  { return q.cfg.Prefix + ":job:" + id }

func (q *Queue) laneKey(priority int) string {
	switch {
	case priority > 5:
		return q.key(laneHigh)
	case priority < 0:
		return q.key(laneLow)
	default:
		return q.key(laneNormal)
	}
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.redis.Set(ctx, q.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := q.redis.Get(ctx, q.jobKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// markDone 记录终态时间，供保留窗口清理
func (q *Queue) markDone(ctx context.Context, job *Job) {
	q.redis.ZAdd(ctx, q.key("done"), goredis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: job.ID,
	})
}
