package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	miniodb "ragweave/internal/db/minio"
	"ragweave/internal/db/postgres"
	redisdb "ragweave/internal/db/redis"
	"ragweave/internal/domain/rag"
	"ragweave/internal/platform/config"
	applog "ragweave/internal/platform/log"
	"ragweave/internal/queue"
	"ragweave/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── PostgreSQL ───────────────────────────────────────────

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()
	// 物理连接上限交给自管理连接池控制
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxConns)

	if err := db.PingContext(ctx); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}

	pool := postgres.NewPool(db, postgres.PoolConfig{
		MaxConns:       cfg.Database.MaxConns,
		MinConns:       cfg.Database.MinConns,
		AcquireTimeout: time.Duration(cfg.Database.AcquireTimeoutSeconds) * time.Second,
		IdleTimeout:    time.Duration(cfg.Database.IdleTimeoutSeconds) * time.Second,
	})
	defer pool.Close()
	if err := pool.Warm(ctx); err != nil {
		applog.Warn("⚠️ Connection pool warmup incomplete", "error", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	store := postgres.NewStore(pool, cfg.RAG.EmbeddingDims)
	if err := store.EnsureSchema(ctx); err != nil {
		applog.Fatalf("❌ Failed to ensure schema: %v", err)
	}
	applog.Info("✅ Document schema ready", "dims", cfg.RAG.EmbeddingDims)

	// ── Redis ────────────────────────────────────────────────

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		applog.Fatalf("❌ Invalid REDIS_URL: %v", err)
	}
	rdb := goredis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		applog.Fatalf("❌ Failed to ping redis: %v", err)
	}
	applog.Info("✅ Connected to Redis")

	cacheCfg := redisdb.DefaultCacheConfig()
	cacheCfg.EmbeddingTTL = cfg.RAG.EmbeddingTTL
	cacheCfg.ResultTTL = cfg.RAG.ResultTTL
	cacheCfg.DocumentTTL = cfg.RAG.DocumentTTL
	ragCache := redisdb.NewRAGCache(redisdb.NewCacheStore(rdb, cacheCfg))

	// ── 对象存储（可选）─────────────────────────────────────

	var objects rag.ObjectStore
	if cfg.Minio.Endpoint != "" {
		objectStore, err := miniodb.NewObjectStore(ctx, miniodb.Config{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			applog.Fatalf("❌ Failed to init object store: %v", err)
		}
		objects = objectStore
	} else {
		applog.Warn("⚠️ MINIO_ENDPOINT not set, raw file archival disabled")
	}

	// ── RAG 服务 ─────────────────────────────────────────────

	embedder := rag.NewCachedEmbedder(rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		BaseURL:      cfg.OpenAI.BaseURL,
		APIKey:       cfg.OpenAI.APIKey,
		Model:        cfg.RAG.EmbeddingModel,
		Dims:         cfg.RAG.EmbeddingDims,
		BatchSize:    cfg.RAG.EmbedBatchSize,
		BatchTimeout: time.Duration(cfg.RAG.EmbedTimeout) * time.Second,
	}), ragCache)

	jobs := queue.New(rdb, queue.Config{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		JobTimeout:   time.Duration(cfg.Queue.JobTimeoutSeconds) * time.Second,
		Retention:    time.Duration(cfg.Queue.RetentionSeconds) * time.Second,
	})

	ingestion := rag.NewIngestionService(store, objects, jobs, ragCache, embedder, &cfg.RAG)
	retriever := rag.NewRetrievalEngine(store, embedder, ragCache, &cfg.RAG)

	// ── 执行层：队列负责持久与重试，工作池负责有界并发执行 ──

	execPool, err := worker.NewPool(worker.Config{
		MaxWorkers:     cfg.Worker.MaxWorkers,
		DefaultTimeout: time.Duration(cfg.Worker.TaskTimeoutSeconds) * time.Second,
	})
	if err != nil {
		applog.Fatalf("❌ Failed to init worker pool: %v", err)
	}
	defer execPool.Stop()

	execPool.Register(rag.JobTypeProcessDocument, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p rag.ProcessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return nil, ingestion.Process(ctx, p.DocumentID)
	})
	execPool.Register(jobTypeRetrieve, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p retrievePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		result := retriever.Retrieve(ctx, p.Query, p.Options)
		return result, nil
	})

	jobs.Register(rag.JobTypeProcessDocument, delegate(execPool, rag.JobTypeProcessDocument, 0))
	jobs.Register(jobTypeRetrieve, delegate(execPool, jobTypeRetrieve, 5))
	jobs.Start()
	defer jobs.Stop()

	// ── 滞留文档补投 ─────────────────────────────────────────

	go stuckSweeper(ctx, ingestion, cfg.RAG.StuckWindow())

	applog.Info("🚀 RAGWeave worker started",
		"queue_concurrency", cfg.Queue.Concurrency,
		"max_workers", cfg.Worker.MaxWorkers,
	)

	<-ctx.Done()
	applog.Info("🛑 Shutting down")
}

// ── 任务类型与委派 ───────────────────────────────────────────

const jobTypeRetrieve = "query.retrieve"

type retrievePayload struct {
	Query   string              `json:"query"`
	Options rag.RetrieveOptions `json:"options"`
}

// delegate 把队列任务转交工作池执行并等待结果。
// 队列的单任务时限兜底，工作池超时先触发时结果以失败上抛、按队列策略重试。
func delegate(pool *worker.Pool, taskType string, priority int) queue.Processor {
	return func(ctx context.Context, job *queue.Job) error {
		_, resultCh, err := pool.Submit(taskType, json.RawMessage(job.Payload), worker.SubmitOptions{
			Priority: priority + job.Priority,
		})
		if err != nil {
			return err
		}
		select {
		case res := <-resultCh:
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stuckSweeper 周期性重投滞留文档
func stuckSweeper(ctx context.Context, ingestion *rag.IngestionService, window time.Duration) {
	if window <= 0 {
		window = 10 * time.Minute
	}
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ingestion.ResetStuckDocuments(ctx); err != nil {
				applog.Error("[Server] Stuck document sweep failed", "error", err)
			}
		}
	}
}
