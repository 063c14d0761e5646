package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

// MemoryOptions 配置进程内存后端，重启后内容丢失，适合开发与测试。
type MemoryOptions struct {
	// LifeWindow 为条目最长存活时间，<=0 时使用 DefaultMemoryLifeWindow。
	LifeWindow time.Duration
	// HardMaxCacheSizeMB 限制单个 generation 的内存上限，0 表示不限制。
	HardMaxCacheSizeMB int
}

// DefaultMemoryLifeWindow 足够长，避免离线期间条目被 bigcache 过期淘汰。
const DefaultMemoryLifeWindow = 30 * 24 * time.Hour

// memoryBackend 为每个 generation 维护一个独立的 bigcache 实例，
// DeleteBucket 直接关闭整个实例。
type memoryBackend struct {
	opts MemoryOptions

	mu      sync.RWMutex
	buckets map[Bucket]*bc.BigCache
	closed  bool
}

// NewMemoryBackend 构造内存后端。
func NewMemoryBackend(opts MemoryOptions) Backend {
	if opts.LifeWindow <= 0 {
		opts.LifeWindow = DefaultMemoryLifeWindow
	}
	return &memoryBackend{
		opts:    opts,
		buckets: make(map[Bucket]*bc.BigCache),
	}
}

var errMemoryClosed = errors.New("memory backend closed")

func (m *memoryBackend) newCache() (*bc.BigCache, error) {
	conf := bc.DefaultConfig(m.opts.LifeWindow)
	conf.Shards = 16
	conf.MaxEntriesInWindow = 1024
	conf.MaxEntrySize = 4096
	conf.CleanWindow = 0
	conf.Verbose = false
	if m.opts.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = m.opts.HardMaxCacheSizeMB
	}
	return bc.NewBigCache(conf)
}

func (m *memoryBackend) lookup(bucket Bucket) (*bc.BigCache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errMemoryClosed
	}
	return m.buckets[bucket], nil
}

func (m *memoryBackend) ensure(bucket Bucket) (*bc.BigCache, error) {
	if c, err := m.lookup(bucket); err != nil || c != nil {
		return c, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errMemoryClosed
	}
	if c, ok := m.buckets[bucket]; ok {
		return c, nil
	}
	c, err := m.newCache()
	if err != nil {
		return nil, err
	}
	m.buckets[bucket] = c
	return c, nil
}

func (m *memoryBackend) Get(_ context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := bucket.validate(); err != nil {
		return nil, err
	}
	c, err := m.lookup(bucket)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	b, err := c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *memoryBackend) Put(_ context.Context, bucket Bucket, key string, value []byte) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	c, err := m.ensure(bucket)
	if err != nil {
		return err
	}
	return c.Set(key, value)
}

func (m *memoryBackend) CreateBucket(_ context.Context, bucket Bucket) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	_, err := m.ensure(bucket)
	return err
}

func (m *memoryBackend) DeleteBucket(_ context.Context, bucket Bucket) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.buckets[bucket]
	delete(m.buckets, bucket)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

func (m *memoryBackend) ListBuckets(_ context.Context, namespace string) ([]string, error) {
	if err := validateSegment("namespace", namespace); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for bucket := range m.buckets {
		if bucket.Namespace == namespace {
			names = append(names, bucket.Generation)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var errs []error
	for bucket, c := range m.buckets {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.buckets, bucket)
	}
	return errors.Join(errs...)
}
