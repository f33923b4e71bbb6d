// Package config 載入多人連線服務的 YAML 配置
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		NodeID          int64         `yaml:"node_id"` // snowflake 節點 ID
	} `yaml:"server"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	NATS struct {
		Enabled       bool          `yaml:"enabled"`
		URL           string        `yaml:"url"`
		StreamName    string        `yaml:"stream_name"`
		SubjectPrefix string        `yaml:"subject_prefix"`
		MaxEvents     int64         `yaml:"max_events"`
		MaxAge        time.Duration `yaml:"max_age"`
	} `yaml:"nats"`

	Multiplayer struct {
		// 單次遠端呼叫（含等待租約）的上限
		InvocationTimeout time.Duration `yaml:"invocation_timeout"`
	} `yaml:"multiplayer"`

	Metadata struct {
		BeatmapOfTheDayInterval time.Duration `yaml:"beatmap_of_the_day_interval"`
	} `yaml:"metadata"`

	VersionCheck struct {
		Enabled        bool          `yaml:"enabled"`
		CacheTTL       time.Duration `yaml:"cache_ttl"`
		LocalCacheSize int           `yaml:"local_cache_size"`
	} `yaml:"version_check"`
}

// Default 回傳預設配置
func Default() *Config {
	var c Config

	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.ShutdownTimeout = 30 * time.Second
	c.Server.NodeID = 1

	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Log.Output = "stdout"

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.Password = "postgres"
	c.Postgres.DBName = "multiplayer"
	c.Postgres.MaxConns = 20
	c.Postgres.MinConns = 2

	c.Redis.Enabled = true
	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10
	c.Redis.MinIdleConns = 2
	c.Redis.MaxRetries = 3
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.NATS.URL = "nats://localhost:4222"
	c.NATS.StreamName = "ROOM_EVENTS"
	c.NATS.SubjectPrefix = "multiplayer"
	c.NATS.MaxEvents = 1_000_000
	c.NATS.MaxAge = 7 * 24 * time.Hour

	c.Multiplayer.InvocationTimeout = 10 * time.Second

	c.Metadata.BeatmapOfTheDayInterval = 300 * time.Second

	c.VersionCheck.Enabled = true
	c.VersionCheck.CacheTTL = 5 * time.Minute
	c.VersionCheck.LocalCacheSize = 1024

	return &c
}

// Load 從 YAML 檔載入配置，未設定的欄位沿用預設值
func Load(path string) (*Config, error) {
	// #nosec G304 - path 來自命令列參數
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("server.node_id must be between 0 and 1023: %d", c.Server.NodeID))
	}
	if c.Metadata.BeatmapOfTheDayInterval <= 0 {
		errs = append(errs, errors.New("metadata.beatmap_of_the_day_interval must be positive"))
	}
	if c.VersionCheck.Enabled && c.VersionCheck.CacheTTL <= 0 {
		errs = append(errs, errors.New("version_check.cache_ttl must be positive"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Multiplayer.InvocationTimeout <= 0 {
		errs = append(errs, errors.New("multiplayer.invocation_timeout must be positive"))
	}
	if c.VersionCheck.LocalCacheSize <= 0 {
		errs = append(errs, errors.New("version_check.local_cache_size must be positive"))
	}

	return errors.Join(errs...)
}

// DSN 生成 PostgreSQL 連線字串
func (c *Config) DSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.DBName,
	)
}

// MigrationURL 生成 golang-migrate 使用的 URL
func (c *Config) MigrationURL() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
