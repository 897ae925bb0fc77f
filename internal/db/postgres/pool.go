package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	applog "ragweave/internal/platform/log"
	"ragweave/internal/platform/retry"
)

// ErrPoolTimeout 获取连接超时
var ErrPoolTimeout = errors.New("connection pool: acquire timed out")

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("connection pool: closed")

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxConns       int           // 最大连接数
	MinConns       int           // 预热连接数，0 = MaxConns 的 25%
	AcquireTimeout time.Duration // 获取连接的最长等待时间
	IdleTimeout    time.Duration // 空闲连接回收阈值
	SweepInterval  time.Duration // 空闲回收扫描周期
	Retry          retry.Policy  // 瞬时故障重试策略
}

// DefaultPoolConfig 默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:       20,
		AcquireTimeout: 5 * time.Second,
		IdleTimeout:    5 * time.Minute,
		SweepInterval:  time.Minute,
		Retry:          retry.DefaultPolicy(),
	}
}

func (c PoolConfig) normalized() PoolConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = 20
	}
	if c.MinConns <= 0 {
		c.MinConns = c.MaxConns / 4
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	return c
}

// PoolConn 池内连接。持有底层 *sql.Conn 与使用计数。
type PoolConn struct {
	ID        string
	conn      *sql.Conn
	createdAt time.Time
	lastUsed  time.Time
	queries   int64
}

// Queries 该连接累计执行的查询数
func (pc *PoolConn) Queries() int64 { return atomic.LoadInt64(&pc.queries) }

// PoolStats 连接池运行计数
type PoolStats struct {
	TotalConns      int
	ActiveConns     int
	IdleConns       int
	Waiting         int
	Acquires        int64
	AcquireTimeouts int64
	Queries         int64
	Errors          int64
	AvgQueryMs      float64
}

// Pool 连接池。连接懒创建（从 MinConns 起步），到达 MaxConns 后
// 新的 Acquire 进入等待队列，超时则报 ErrPoolTimeout 而不是死锁。
type Pool struct {
	db  *sql.DB
	cfg PoolConfig

	mu      sync.Mutex
	idle    []*PoolConn
	total   int
	waiters []chan *PoolConn
	closed  bool

	stop chan struct{}
	done sync.WaitGroup

	acquires        int64
	acquireTimeouts int64
	queries         int64
	queryErrors     int64
	queryNanos      int64
}

// NewPool 基于已打开的 *sql.DB 创建连接池。
// sql.DB 自身的连接上限被设为 MaxConns，池是并发访问的唯一仲裁者。
func NewPool(db *sql.DB, cfg PoolConfig) *Pool {
	cfg = cfg.normalized()
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)

	p := &Pool{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
	}
	p.done.Add(1)
	go p.sweepLoop()
	return p
}

// Warm 预创建 MinConns 个连接
func (p *Pool) Warm(ctx context.Context) error {
	conns := make([]*PoolConn, 0, p.cfg.MinConns)
	for i := 0; i < p.cfg.MinConns; i++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			break
		}
		conns = append(conns, pc)
	}
	for _, pc := range conns {
		p.Release(pc)
	}
	if len(conns) == 0 && p.cfg.MinConns > 0 {
		return fmt.Errorf("pool warm-up created no connections")
	}
	applog.Info("[Pool] Warmed", "conns", len(conns), "max", p.cfg.MaxConns)
	return nil
}

// Acquire 获取一个连接：空闲连接优先，其次懒创建，否则排队等待。
func (p *Pool) Acquire(ctx context.Context) (*PoolConn, error) {
	atomic.AddInt64(&p.acquires, 1)

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return pc, nil
	}

	if p.total < p.cfg.MaxConns {
		p.total++
		p.mu.Unlock()
		pc, err := p.openConn(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, err
		}
		return pc, nil
	}

	// 池已满：排队等待他人释放
	waiter := make(chan *PoolConn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case pc := <-waiter:
		if pc == nil {
			return nil, ErrPoolClosed
		}
		return pc, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == waiter {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// 超时与交付竞态：如果连接已投递，归还它
		select {
		case pc := <-waiter:
			p.Release(pc)
		default:
		}
		atomic.AddInt64(&p.acquireTimeouts, 1)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrPoolTimeout
		}
		return nil, ctx.Err()
	}
}

// Release 归还连接：优先交给等待者，否则回到空闲列表。
func (p *Pool) Release(pc *PoolConn) {
	if pc == nil {
		return
	}
	pc.lastUsed = time.Now()

	p.mu.Lock()
	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		waiter <- pc
		return
	}
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// Discard 丢弃一个已损坏的连接（不回池）。
func (p *Pool) Discard(pc *PoolConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	_ = pc.conn.Close()
}

func (p *Pool) openConn(ctx context.Context) (*PoolConn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		atomic.AddInt64(&p.queryErrors, 1)
		return nil, fmt.Errorf("open connection: %w", err)
	}
	now := time.Now()
	return &PoolConn{
		ID:        uuid.New().String(),
		conn:      conn,
		createdAt: now,
		lastUsed:  now,
	}, nil
}

// sweepLoop 空闲连接回收，与请求处理互不阻塞。
func (p *Pool) sweepLoop() {
	defer p.done.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var kept []*PoolConn
	var evicted []*PoolConn
	for _, pc := range p.idle {
		if p.total-len(evicted) > p.cfg.MinConns && pc.lastUsed.Before(cutoff) {
			evicted = append(evicted, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.total -= len(evicted)
	p.mu.Unlock()

	for _, pc := range evicted {
		_ = pc.conn.Close()
	}
	if len(evicted) > 0 {
		applog.Debug("[Pool] Idle connections reclaimed", "evicted", len(evicted))
	}
}

// query 在池内连接上执行一次操作，瞬时故障按策略重试，
// 非瞬时故障（约束冲突等）立即上抛。
func (p *Pool) query(ctx context.Context, op func(conn *sql.Conn) error) error {
	policy := p.cfg.Retry
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		pc, err := p.Acquire(ctx)
		if err != nil {
			return err
		}

		start := time.Now()
		err = op(pc.conn)
		atomic.AddInt64(&pc.queries, 1)
		atomic.AddInt64(&p.queries, 1)
		atomic.AddInt64(&p.queryNanos, int64(time.Since(start)))

		if err == nil {
			p.Release(pc)
			return nil
		}

		atomic.AddInt64(&p.queryErrors, 1)
		lastErr = err

		if !retry.IsTransient(err) {
			p.Release(pc)
			return err
		}

		// 瞬时故障：连接可能已坏，丢弃后退避重试
		p.Discard(pc)
		if attempt == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// QueryRows 执行查询并逐行扫描
func (p *Pool) QueryRows(ctx context.Context, query string, args []any, scan func(rows *sql.Rows) error) error {
	return p.query(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}

// QueryRow 执行单行查询
func (p *Pool) QueryRow(ctx context.Context, query string, args []any, scan func(row *sql.Row) error) error {
	return p.query(ctx, func(conn *sql.Conn) error {
		return scan(conn.QueryRowContext(ctx, query, args...))
	})
}

// Exec 执行写操作，返回受影响行数
func (p *Pool) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := p.query(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// Stats 连接池运行计数快照
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	total := p.total
	idle := len(p.idle)
	waiting := len(p.waiters)
	p.mu.Unlock()

	queries := atomic.LoadInt64(&p.queries)
	var avgMs float64
	if queries > 0 {
		avgMs = float64(atomic.LoadInt64(&p.queryNanos)) / float64(queries) / float64(time.Millisecond)
	}

	return PoolStats{
		TotalConns:      total,
		ActiveConns:     total - idle,
		IdleConns:       idle,
		Waiting:         waiting,
		Acquires:        atomic.LoadInt64(&p.acquires),
		AcquireTimeouts: atomic.LoadInt64(&p.acquireTimeouts),
		Queries:         queries,
		Errors:          atomic.LoadInt64(&p.queryErrors),
		AvgQueryMs:      avgMs,
	}
}

// Close 关闭连接池并回收全部连接
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stop)
	p.done.Wait()

	for _, w := range waiters {
		close(w)
	}
	for _, pc := range idle {
		_ = pc.conn.Close()
	}
}
