// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"theodore-ai-api/internal/config"
)

var tracer = otel.Tracer("milvus")

// Client Milvus 客户端，负责索引名与集合名的映射以及集合加载状态
type Client struct {
	milvus client.Client
	config *config.MilvusConfig

	// loaded 本进程已加载到内存的集合
	loaded sync.Map
}

// NewClient 创建 Milvus 客户端
func NewClient(ctx context.Context, cfg *config.MilvusConfig) (*Client, error) {
	clientCfg := client.Config{Address: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}
	if cfg.User != "" && cfg.Password != "" {
		clientCfg.Username = cfg.User
		clientCfg.Password = cfg.Password
	}

	milvusClient, err := client.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}
	return &Client{milvus: milvusClient, config: cfg}, nil
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.milvus.Close()
}

// HealthCheck 列出集合以确认服务可用
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "milvus.HealthCheck")
	defer span.End()

	if _, err := c.milvus.ListCollections(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// CollectionName 索引对应的集合名
func (c *Client) CollectionName(index string) string {
	if c.config.CollectionPrefix != "" {
		return c.config.CollectionPrefix + "_" + index
	}
	return index
}

// IndexName 由集合名还原索引名；不属于本前缀时返回 false
func (c *Client) IndexName(collection string) (string, bool) {
	if c.config.CollectionPrefix == "" {
		return collection, true
	}
	name, ok := strings.CutPrefix(collection, c.config.CollectionPrefix+"_")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// HasCollection 索引对应的集合是否存在
func (c *Client) HasCollection(ctx context.Context, index string) (bool, error) {
	ctx, span := tracer.Start(ctx, "milvus.HasCollection",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	return c.milvus.HasCollection(ctx, c.CollectionName(index))
}

// EnsureLoaded 检索前确保集合已加载，每个集合在本进程内只加载一次
func (c *Client) EnsureLoaded(ctx context.Context, index string) error {
	coll := c.CollectionName(index)
	if _, ok := c.loaded.Load(coll); ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "milvus.LoadCollection",
		trace.WithAttributes(attribute.String("index", index)))
	defer span.End()

	if err := c.milvus.LoadCollection(ctx, coll, false); err != nil {
		span.RecordError(err)
		return err
	}
	c.loaded.Store(coll, struct{}{})
	return nil
}

// Forget 集合删除后清除加载状态
func (c *Client) Forget(index string) {
	c.loaded.Delete(c.CollectionName(index))
}
