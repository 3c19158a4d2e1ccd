// Package qdrant 提供 Qdrant 向量数据库访问层实现
package qdrant

import (
	"context"
	"fmt"
	"strings"

	qd "github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"

	"theodore-ai-api/internal/config"
)

var tracer = otel.Tracer("qdrant")

// defaultRegistrySuffix 索引注册表集合的默认后缀
const defaultRegistrySuffix = "_indexes"

// Client Qdrant 客户端
type Client struct {
	qdrant *qd.Client
	config *config.QdrantConfig
}

// NewClient 创建 Qdrant gRPC 客户端
func NewClient(cfg *config.QdrantConfig) (*Client, error) {
	c, err := qd.NewClient(&qd.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	return &Client{qdrant: c, config: cfg}, nil
}

// Qdrant 获取底层客户端
func (c *Client) Qdrant() *qd.Client {
	return c.qdrant
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.qdrant.Close()
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "qdrant.HealthCheck")
	defer span.End()

	if _, err := c.qdrant.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CollectionName 获取带前缀的集合名称
func (c *Client) CollectionName(name string) string {
	if c.config.CollectionPrefix != "" {
		return c.config.CollectionPrefix + "_" + name
	}
	return name
}

// RegistryName 注册表集合名称
// 索引名称不能以下划线开头，因此不会与索引集合冲突
func (c *Client) RegistryName() string {
	if c.config.RegistryCollection != "" {
		return c.config.RegistryCollection
	}
	return c.config.CollectionPrefix + "_" + defaultRegistrySuffix
}

// IndexName 由集合名称还原索引名称；不属于本前缀时返回 false
func (c *Client) IndexName(collection string) (string, bool) {
	if collection == c.RegistryName() {
		return "", false
	}
	if c.config.CollectionPrefix == "" {
		return collection, true
	}
	name, ok := strings.CutPrefix(collection, c.config.CollectionPrefix+"_")
	return name, ok && name != ""
}
