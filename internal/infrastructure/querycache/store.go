// Package querycache 为相似度检索提供读穿缓存
package querycache

import (
	"context"
	"sync"
	"time"

	"theodore-ai-api/internal/domain/repository"
)

// Store 缓存存储
// Generation 返回存储侧的索引代数，InvalidateIndex 使其递增
type Store interface {
	Generation(ctx context.Context, index string) (uint64, error)
	Get(ctx context.Context, index, key string) (*repository.SearchResult, bool, error)
	Set(ctx context.Context, index, key string, value *repository.SearchResult, ttl time.Duration) error
	InvalidateIndex(ctx context.Context, index string) error
	Close() error
}

type localEntry struct {
	value     *repository.SearchResult
	expiresAt time.Time
}

// localShard 单个索引的缓存分片
type localShard struct {
	mu         sync.RWMutex
	generation uint64
	entries    map[string]localEntry
}

// LocalStore 进程内缓存，按索引分片，过期惰性清理并由后台任务定期回收
type LocalStore struct {
	mu     sync.RWMutex
	shards map[string]*localShard
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLocalStore 创建进程内缓存；janitorInterval <= 0 时不启动回收任务
func NewLocalStore(janitorInterval time.Duration) *LocalStore {
	s := &LocalStore{
		shards: make(map[string]*localShard),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	} else {
		close(s.done)
	}
	return s
}

func (s *LocalStore) shard(index string, create bool) *localShard {
	s.mu.RLock()
	sh, ok := s.shards[index]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[index]; ok {
		return sh
	}
	sh = &localShard{entries: make(map[string]localEntry)}
	s.shards[index] = sh
	return sh
}

// Generation 分片代数
func (s *LocalStore) Generation(ctx context.Context, index string) (uint64, error) {
	sh := s.shard(index, false)
	if sh == nil {
		return 0, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.generation, nil
}

// Get 读取未过期条目
func (s *LocalStore) Get(ctx context.Context, index, key string) (*repository.SearchResult, bool, error) {
	sh := s.shard(index, false)
	if sh == nil {
		return nil, false, nil
	}
	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		sh.mu.Lock()
		if cur, ok := sh.entries[key]; ok && !s.now().Before(cur.expiresAt) {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		return nil, false, nil
	}
	return e.value.Clone(), true, nil
}

// Set 写入条目
func (s *LocalStore) Set(ctx context.Context, index, key string, value *repository.SearchResult, ttl time.Duration) error {
	sh := s.shard(index, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[key] = localEntry{value: value.Clone(), expiresAt: s.now().Add(ttl)}
	return nil
}

// InvalidateIndex 清空分片并递增代数
func (s *LocalStore) InvalidateIndex(ctx context.Context, index string) error {
	sh := s.shard(index, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.generation++
	sh.entries = make(map[string]localEntry)
	return nil
}

// Len 未清理的条目数
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Close 停止回收任务
func (s *LocalStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *LocalStore) janitor(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep 回收过期条目
func (s *LocalStore) sweep() {
	s.mu.RLock()
	shards := make([]*localShard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	now := s.now()
	for _, sh := range shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !now.Before(e.expiresAt) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

var _ Store = (*LocalStore)(nil)
