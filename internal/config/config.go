// Package config 提供配置加载和管理功能
package config

import (
	"fmt"
	"math"
	"time"
)

// Config 应用配置根结构
type Config struct {
	App           AppConfig           `yaml:"app" mapstructure:"app"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Vector        VectorConfig        `yaml:"vector" mapstructure:"vector"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	Resilience    ResilienceConfig    `yaml:"resilience" mapstructure:"resilience"`
	Scoring       ScoringConfig       `yaml:"scoring" mapstructure:"scoring"`
	Similarity    SimilarityConfig    `yaml:"similarity" mapstructure:"similarity"`
	Messaging     MessagingConfig     `yaml:"messaging" mapstructure:"messaging"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
	Env     string `yaml:"env" mapstructure:"env"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPServerConfig `yaml:"http" mapstructure:"http"`
}

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// 支持的向量后端
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendMilvus   = "milvus"
	BackendQdrant   = "qdrant"
	BackendPostgres = "postgres"
)

// VectorConfig 向量存储配置
type VectorConfig struct {
	// Backend 选择的后端实现
	Backend string `yaml:"backend" mapstructure:"backend"`
	// BatchConcurrency 批量操作的并发上限
	BatchConcurrency int `yaml:"batch_concurrency" mapstructure:"batch_concurrency"`

	Badger   BadgerConfig   `yaml:"badger" mapstructure:"badger"`
	Milvus   MilvusConfig   `yaml:"milvus" mapstructure:"milvus"`
	Qdrant   QdrantConfig   `yaml:"qdrant" mapstructure:"qdrant"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// BadgerConfig 嵌入式 Badger 配置
type BadgerConfig struct {
	Dir      string `yaml:"dir" mapstructure:"dir"`
	InMemory bool   `yaml:"in_memory" mapstructure:"in_memory"`
}

// MilvusConfig Milvus 配置
type MilvusConfig struct {
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	CollectionPrefix   string `yaml:"collection_prefix" mapstructure:"collection_prefix"`
	HNSWM              int    `yaml:"hnsw_m" mapstructure:"hnsw_m"`
	HNSWEfConstruction int    `yaml:"hnsw_ef_construction" mapstructure:"hnsw_ef_construction"`
	SearchEf           int    `yaml:"search_ef" mapstructure:"search_ef"`
}

// QdrantConfig Qdrant 配置
type QdrantConfig struct {
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	APIKey             string `yaml:"api_key" mapstructure:"api_key"`
	UseTLS             bool   `yaml:"use_tls" mapstructure:"use_tls"`
	CollectionPrefix   string `yaml:"collection_prefix" mapstructure:"collection_prefix"`
	RegistryCollection string `yaml:"registry_collection" mapstructure:"registry_collection"`
}

// PostgresConfig PostgreSQL (pgvector) 配置
type PostgresConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Database        string        `yaml:"database" mapstructure:"database"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// 查询缓存存储实现
const (
	CacheStoreLocal = "local"
	CacheStoreRedis = "redis"
)

// CacheConfig 查询缓存配置
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Store           string        `yaml:"store" mapstructure:"store"`
	TTL             time.Duration `yaml:"ttl" mapstructure:"ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval" mapstructure:"janitor_interval"`
	LoadTimeout     time.Duration `yaml:"load_timeout" mapstructure:"load_timeout"`
	Redis           RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// ResilienceConfig 重试与熔断配置
type ResilienceConfig struct {
	MaxAttempts         int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay           time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	RandomizationFactor float64       `yaml:"randomization_factor" mapstructure:"randomization_factor"`
	CallTimeout         time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	FailureThreshold    int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	Cooldown            time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
}

// ScoringConfig 属性相似度打分配置
type ScoringConfig struct {
	Weights         WeightsConfig `yaml:"weights" mapstructure:"weights"`
	ConfidenceFloor float64       `yaml:"confidence_floor" mapstructure:"confidence_floor"`
	HighThreshold   float64       `yaml:"high_threshold" mapstructure:"high_threshold"`
	LowThreshold    float64       `yaml:"low_threshold" mapstructure:"low_threshold"`
	// MissingStrategy neutral | renormalize
	MissingStrategy string `yaml:"missing_strategy" mapstructure:"missing_strategy"`
}

// WeightsConfig 各维度权重
type WeightsConfig struct {
	CompanyStage       float64 `yaml:"company_stage" mapstructure:"company_stage"`
	TechSophistication float64 `yaml:"tech_sophistication" mapstructure:"tech_sophistication"`
	Industry           float64 `yaml:"industry" mapstructure:"industry"`
	BusinessModel      float64 `yaml:"business_model" mapstructure:"business_model"`
	GeographicScope    float64 `yaml:"geographic_scope" mapstructure:"geographic_scope"`
}

// Sum 权重之和
func (w WeightsConfig) Sum() float64 {
	return w.CompanyStage + w.TechSophistication + w.Industry + w.BusinessModel + w.GeographicScope
}

// SimilarityConfig 相似公司查找配置
type SimilarityConfig struct {
	OverFetchFactor int           `yaml:"over_fetch_factor" mapstructure:"over_fetch_factor"`
	VectorWeight    float64       `yaml:"vector_weight" mapstructure:"vector_weight"`
	WorkerCap       int           `yaml:"worker_cap" mapstructure:"worker_cap"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	DefaultTopK     int           `yaml:"default_top_k" mapstructure:"default_top_k"`
	MaxTopK         int           `yaml:"max_top_k" mapstructure:"max_top_k"`
}

// MessagingConfig 消息队列配置
type MessagingConfig struct {
	RedisStream RedisStreamConfig `yaml:"redis_stream" mapstructure:"redis_stream"`
}

// RedisStreamConfig Redis Stream 配置
type RedisStreamConfig struct {
	MaxLen              int           `yaml:"max_len" mapstructure:"max_len"`
	ConsumerGroupPrefix string        `yaml:"consumer_group_prefix" mapstructure:"consumer_group_prefix"`
	BlockTimeout        time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
	ClaimInterval       time.Duration `yaml:"claim_interval" mapstructure:"claim_interval"`
	RetryLimit          int           `yaml:"retry_limit" mapstructure:"retry_limit"`
	RetryBackoff        BackoffConfig `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" mapstructure:"initial"`
	Max        time.Duration `yaml:"max" mapstructure:"max"`
	Multiplier float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors" mapstructure:"cors"`
}

// RateLimitConfig 限流配置 (需要 Redis)
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int  `yaml:"burst" mapstructure:"burst"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

// Validate 校验配置的一致性
func (c *Config) Validate() error {
	switch c.Vector.Backend {
	case BackendMemory, BackendBadger, BackendMilvus, BackendQdrant, BackendPostgres:
	default:
		return fmt.Errorf("unknown vector backend %q", c.Vector.Backend)
	}
	if c.Vector.BatchConcurrency <= 0 {
		return fmt.Errorf("vector.batch_concurrency must be positive")
	}

	if c.Cache.Enabled {
		switch c.Cache.Store {
		case CacheStoreLocal, CacheStoreRedis:
		default:
			return fmt.Errorf("unknown cache store %q", c.Cache.Store)
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive")
		}
	}

	r := c.Resilience
	if r.MaxAttempts <= 0 || r.FailureThreshold <= 0 {
		return fmt.Errorf("resilience.max_attempts and failure_threshold must be positive")
	}
	if r.CallTimeout <= 0 || r.Cooldown <= 0 {
		return fmt.Errorf("resilience.call_timeout and cooldown must be positive")
	}

	if sum := c.Scoring.Weights.Sum(); math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %.6f", sum)
	}
	switch c.Scoring.MissingStrategy {
	case "neutral", "renormalize":
	default:
		return fmt.Errorf("unknown scoring.missing_strategy %q", c.Scoring.MissingStrategy)
	}
	sc := c.Scoring
	for _, v := range []float64{sc.ConfidenceFloor, sc.HighThreshold, sc.LowThreshold} {
		if v < 0 || v > 1 {
			return fmt.Errorf("scoring thresholds and confidence_floor must be in [0,1]")
		}
	}
	if sc.LowThreshold > sc.HighThreshold {
		return fmt.Errorf("scoring.low_threshold must not exceed scoring.high_threshold")
	}

	s := c.Similarity
	if s.VectorWeight < 0 || s.VectorWeight >= 1 {
		return fmt.Errorf("similarity.vector_weight must be in [0,1)")
	}
	if s.OverFetchFactor <= 0 || s.WorkerCap <= 0 || s.DefaultTopK <= 0 || s.MaxTopK < s.DefaultTopK {
		return fmt.Errorf("similarity limits must be positive and max_top_k >= default_top_k")
	}
	return nil
}
