package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadDefaultsAndEnv 默认值打底，环境变量覆盖
func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ragweave")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("RAG_CHUNK_SIZE", "300")
	t.Setenv("QUEUE_CONCURRENCY", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
	if cfg.Database.MaxConns != 20 {
		t.Errorf("default max conns = %d", cfg.Database.MaxConns)
	}
	if cfg.RAG.ChunkSize != 300 {
		t.Errorf("env override not applied: chunk size = %d", cfg.RAG.ChunkSize)
	}
	if cfg.Queue.Concurrency != 9 {
		t.Errorf("env override not applied: concurrency = %d", cfg.Queue.Concurrency)
	}
	if cfg.RAG.EmbeddingDims != 1536 {
		t.Errorf("default embedding dims = %d", cfg.RAG.EmbeddingDims)
	}
}

// TestLoadConfigFile JSON 配置文件介于默认值与环境变量之间
func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")
	body := `{"log_level":"debug","database":{"url":"postgres://file/db","max_conns":7},"redis":{"url":"redis://file:6379"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn") // 环境变量压过文件
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("env should win over file: log level = %q", cfg.LogLevel)
	}
	if cfg.Database.URL != "postgres://file/db" || cfg.Database.MaxConns != 7 {
		t.Errorf("file values not applied: %+v", cfg.Database)
	}
}

// TestLoadValidation 缺失必填项报错
func TestLoadValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("APP_CONFIG_FILE", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	} else if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestNormalizeClampsOverlap 超过块大小的重叠被回落
func TestNormalizeClampsOverlap(t *testing.T) {
	cfg := Default()
	cfg.RAG.ChunkSize = 100
	cfg.RAG.ChunkOverlap = 150
	cfg.normalize()
	if cfg.RAG.ChunkOverlap != 10 {
		t.Errorf("overlap not clamped: %d", cfg.RAG.ChunkOverlap)
	}
}
