// Package config 提供配置加载功能
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// Load 加载配置文件
// 按优先级加载：默认配置 -> 环境配置 -> 环境变量
func Load() (*Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	return load([]configFile{
		{path: "configs/config.yaml", optional: true},
		{path: fmt.Sprintf("configs/config.%s.yaml", env), optional: true},
	})
}

// LoadFrom 从指定文件加载配置，文件必须存在
func LoadFrom(path string) (*Config, error) {
	return load([]configFile{{path: path}})
}

type configFile struct {
	path     string
	optional bool
}

func load(files []configFile) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for _, f := range files {
		if err := loadConfigFile(v, f.path, f.optional); err != nil {
			return nil, err
		}
	}

	// 绑定环境变量 (直接覆盖)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值 (兜底)
	setDefaults(v)

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// loadConfigFile 读取文件，执行环境变量替换，并加载到 viper
func loadConfigFile(v *viper.Viper, path string, optional bool) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if optional && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// 执行环境变量替换
	expanded := expandEnv(string(content))

	// 加载到 viper
	reader := strings.NewReader(expanded)
	if v.ConfigFileUsed() == "" {
		if err := v.ReadConfig(reader); err != nil {
			return fmt.Errorf("failed to read processed config %s: %w", path, err)
		}
		// 手动标记已加载文件，防止后续 ReadInConfig 报错
		v.SetConfigFile(path)
	} else {
		if err := v.MergeConfig(reader); err != nil {
			return fmt.Errorf("failed to merge processed config %s: %w", path, err)
		}
	}

	return nil
}

// envPattern 匹配 ${VAR} 或 ${VAR:default}
// g1: 变量名, g2: 默认值部分（含冒号）, g3: 默认值内容
var envPattern = regexp.MustCompile(`\${(\w+)(:([^}]*))?}`)

// expandEnv 替换字符串中的 ${VAR:default} 占位符
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		submatch := envPattern.FindStringSubmatch(match)
		key := submatch[1]
		hasDefault := submatch[2] != ""
		defVal := submatch[3]

		val, ok := os.LookupEnv(key)
		if ok {
			return val
		}
		if hasDefault {
			return defVal
		}
		return match // 未定义的变量保留原样
	})
}

// MustLoad 加载配置，失败时 panic
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 应用默认值
	v.SetDefault("app.name", "theodore-ai-api")
	v.SetDefault("app.version", "v0.0.0")
	v.SetDefault("app.env", "development")

	// HTTP 服务器默认值
	v.SetDefault("server.http.host", "0.0.0.0")
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.read_timeout", "30s")
	v.SetDefault("server.http.write_timeout", "60s")
	v.SetDefault("server.http.idle_timeout", "120s")

	// 向量存储默认值
	v.SetDefault("vector.backend", BackendMemory)
	v.SetDefault("vector.batch_concurrency", 8)
	v.SetDefault("vector.badger.dir", "data/badger")
	v.SetDefault("vector.badger.in_memory", false)

	v.SetDefault("vector.milvus.host", "localhost")
	v.SetDefault("vector.milvus.port", 19530)
	v.SetDefault("vector.milvus.collection_prefix", "theodore")
	v.SetDefault("vector.milvus.hnsw_m", 16)
	v.SetDefault("vector.milvus.hnsw_ef_construction", 200)
	v.SetDefault("vector.milvus.search_ef", 64)

	v.SetDefault("vector.qdrant.host", "localhost")
	v.SetDefault("vector.qdrant.port", 6334)
	v.SetDefault("vector.qdrant.use_tls", false)
	v.SetDefault("vector.qdrant.collection_prefix", "theodore")
	v.SetDefault("vector.qdrant.registry_collection", "theodore__indexes")

	v.SetDefault("vector.postgres.host", "localhost")
	v.SetDefault("vector.postgres.port", 5432)
	v.SetDefault("vector.postgres.user", "postgres")
	v.SetDefault("vector.postgres.database", "theodore")
	v.SetDefault("vector.postgres.ssl_mode", "disable")
	v.SetDefault("vector.postgres.max_open_conns", 50)
	v.SetDefault("vector.postgres.max_idle_conns", 10)
	v.SetDefault("vector.postgres.conn_max_lifetime", "30m")
	v.SetDefault("vector.postgres.conn_max_idle_time", "5m")

	// 查询缓存默认值
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.store", CacheStoreLocal)
	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.janitor_interval", "1m")
	v.SetDefault("cache.load_timeout", "30s")
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.pool_size", 100)
	v.SetDefault("cache.redis.min_idle_conns", 10)
	v.SetDefault("cache.redis.dial_timeout", "5s")
	v.SetDefault("cache.redis.read_timeout", "3s")
	v.SetDefault("cache.redis.write_timeout", "3s")
	v.SetDefault("cache.redis.key_prefix", "simq")

	// 重试与熔断默认值
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.base_delay", "100ms")
	v.SetDefault("resilience.max_delay", "2s")
	v.SetDefault("resilience.randomization_factor", 0.2)
	v.SetDefault("resilience.call_timeout", "5s")
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.cooldown", "30s")

	// 打分默认值
	v.SetDefault("scoring.weights.company_stage", 0.30)
	v.SetDefault("scoring.weights.tech_sophistication", 0.25)
	v.SetDefault("scoring.weights.industry", 0.20)
	v.SetDefault("scoring.weights.business_model", 0.15)
	v.SetDefault("scoring.weights.geographic_scope", 0.10)
	v.SetDefault("scoring.confidence_floor", 0.5)
	v.SetDefault("scoring.high_threshold", 0.8)
	v.SetDefault("scoring.low_threshold", 0.3)
	v.SetDefault("scoring.missing_strategy", "neutral")

	// 相似查找默认值
	v.SetDefault("similarity.over_fetch_factor", 5)
	v.SetDefault("similarity.vector_weight", 0.25)
	v.SetDefault("similarity.worker_cap", 8)
	v.SetDefault("similarity.request_timeout", "10s")
	v.SetDefault("similarity.default_top_k", 10)
	v.SetDefault("similarity.max_top_k", 100)

	// 消息队列默认值
	v.SetDefault("messaging.redis_stream.max_len", 100000)
	v.SetDefault("messaging.redis_stream.consumer_group_prefix", "theodore")
	v.SetDefault("messaging.redis_stream.block_timeout", "5s")
	v.SetDefault("messaging.redis_stream.claim_interval", "30s")
	v.SetDefault("messaging.redis_stream.retry_limit", 5)
	v.SetDefault("messaging.redis_stream.retry_backoff.initial", "1s")
	v.SetDefault("messaging.redis_stream.retry_backoff.max", "30s")
	v.SetDefault("messaging.redis_stream.retry_backoff.multiplier", 2.0)

	// 可观测性默认值
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_rate", 1.0)
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")

	// 安全默认值
	v.SetDefault("security.rate_limit.enabled", false)
	v.SetDefault("security.rate_limit.requests_per_second", 100)
	v.SetDefault("security.rate_limit.burst", 200)
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.cors.allowed_headers", []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"})
}
