package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"ragweave/internal/domain/rag"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string         `json:"log_level"`
	LogFormat string         `json:"log_format"`
	Database  DatabaseConfig `json:"database"`
	Redis     RedisConfig    `json:"redis"`
	Minio     MinioConfig    `json:"minio"`
	Queue     QueueConfig    `json:"queue"`
	Worker    WorkerConfig   `json:"worker"`
	OpenAI    OpenAIConfig   `json:"openai"`
	RAG       rag.Config     `json:"rag"`
}

type DatabaseConfig struct {
	URL                   string `json:"url"`
	MaxConns              int    `json:"max_conns"`
	MinConns              int    `json:"min_conns"`
	AcquireTimeoutSeconds int    `json:"acquire_timeout_seconds"`
	IdleTimeoutSeconds    int    `json:"idle_timeout_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type MinioConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
}

type QueueConfig struct {
	Concurrency       int `json:"concurrency"`
	PollIntervalMs    int `json:"poll_interval_ms"`
	JobTimeoutSeconds int `json:"job_timeout_seconds"`
	RetentionSeconds  int `json:"retention_seconds"`
}

type WorkerConfig struct {
	MaxWorkers         int `json:"max_workers"`
	TaskTimeoutSeconds int `json:"task_timeout_seconds"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	ragCfg := rag.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Database: DatabaseConfig{
			MaxConns:              20,
			MinConns:              5,
			AcquireTimeoutSeconds: 5,
			IdleTimeoutSeconds:    300,
		},
		Queue: QueueConfig{
			Concurrency:       5,
			PollIntervalMs:    500,
			JobTimeoutSeconds: 120,
			RetentionSeconds:  3600,
		},
		Worker: WorkerConfig{
			MaxWorkers:         8,
			TaskTimeoutSeconds: 30,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		RAG: *ragCfg,
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_CONNS", &c.Database.MaxConns)
	applyInt("DATABASE_MIN_CONNS", &c.Database.MinConns)
	applyInt("DATABASE_ACQUIRE_TIMEOUT", &c.Database.AcquireTimeoutSeconds)
	applyInt("DATABASE_IDLE_TIMEOUT", &c.Database.IdleTimeoutSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("MINIO_ENDPOINT", &c.Minio.Endpoint)
	applyString("MINIO_ACCESS_KEY", &c.Minio.AccessKey)
	applyString("MINIO_SECRET_KEY", &c.Minio.SecretKey)
	applyString("MINIO_BUCKET", &c.Minio.Bucket)
	applyString("MINIO_REGION", &c.Minio.Region)
	applyBool("MINIO_USE_SSL", &c.Minio.UseSSL)

	applyInt("QUEUE_CONCURRENCY", &c.Queue.Concurrency)
	applyInt("QUEUE_POLL_INTERVAL_MS", &c.Queue.PollIntervalMs)
	applyInt("QUEUE_JOB_TIMEOUT", &c.Queue.JobTimeoutSeconds)
	applyInt("QUEUE_RETENTION", &c.Queue.RetentionSeconds)

	applyInt("WORKER_MAX_WORKERS", &c.Worker.MaxWorkers)
	applyInt("WORKER_TASK_TIMEOUT", &c.Worker.TaskTimeoutSeconds)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)

	// RAG 环境变量
	applyInt("RAG_CHUNK_SIZE", &c.RAG.ChunkSize)
	applyInt("RAG_CHUNK_OVERLAP", &c.RAG.ChunkOverlap)
	applyInt("RAG_MIN_CHUNK_TOKENS", &c.RAG.MinChunkTokens)
	applyString("RAG_EMBEDDING_MODEL", &c.RAG.EmbeddingModel)
	applyInt("RAG_EMBEDDING_DIMS", &c.RAG.EmbeddingDims)
	applyInt("RAG_EMBED_BATCH_SIZE", &c.RAG.EmbedBatchSize)
	applyInt("RAG_EMBED_TIMEOUT", &c.RAG.EmbedTimeout)
	applyInt("RAG_DEFAULT_TOP_K", &c.RAG.DefaultTopK)
	applyFloat64("RAG_MIN_SIMILARITY", &c.RAG.MinSimilarity)
	applyInt("RAG_STUCK_AFTER_MINUTES", &c.RAG.StuckAfterMin)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		c.RAG.ChunkOverlap = c.RAG.ChunkSize / 10
	}
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.RAG.EmbeddingDims <= 0 {
		return fmt.Errorf("RAG_EMBEDDING_DIMS must be positive")
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}
