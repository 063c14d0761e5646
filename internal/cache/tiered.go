package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"

	rc "github.com/dgraph-io/ristretto"
)

// tieredBackend 在任意 Backend 前加一层 ristretto 热点读缓存。
// 热点层只由 Get 回填：写入落盘后删除对应热点条目，DeleteBucket 递增该 bucket 的 epoch，
// 旧 epoch 下的条目不再可达，交由 ristretto 自行淘汰。
type tieredBackend struct {
	inner Backend
	hot   *rc.Cache

	mu     sync.Mutex
	writes uint64
	epochs map[Bucket]uint64
}

// NewTieredBackend 包装 inner；maxBytes 为热点层按条目字节数计算的容量。
func NewTieredBackend(inner Backend, maxBytes int64) (Backend, error) {
	if inner == nil {
		return nil, errors.New("tiered backend requires an inner backend")
	}
	if maxBytes <= 0 {
		return nil, errors.New("tiered backend requires a positive size")
	}
	counters := maxBytes / 1024 * 10
	if counters < 1000 {
		counters = 1000
	}
	hot, err := rc.NewCache(&rc.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &tieredBackend{inner: inner, hot: hot, epochs: make(map[Bucket]uint64)}, nil
}

// hotKeyLocked 调用方需持有 t.mu。
func (t *tieredBackend) hotKeyLocked(bucket Bucket, key string) string {
	epoch := strconv.FormatUint(t.epochs[bucket], 10)
	return bucket.Namespace + "\x00" + bucket.Generation + "\x00" + epoch + "\x00" + key
}

func (t *tieredBackend) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := bucket.validate(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	hk := t.hotKeyLocked(bucket, key)
	seen := t.writes
	t.mu.Unlock()

	if v, ok := t.hot.Get(hk); ok {
		if b, ok := v.([]byte); ok {
			return append([]byte(nil), b...), nil
		}
		t.hot.Del(hk)
	}

	b, err := t.inner.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	// 读取期间发生过写入或删除时不回填，避免旧值压过新值。
	t.mu.Lock()
	if t.writes == seen {
		t.hot.Set(hk, append([]byte(nil), b...), int64(len(b)))
	}
	t.mu.Unlock()
	return b, nil
}

func (t *tieredBackend) Put(ctx context.Context, bucket Bucket, key string, value []byte) error {
	err := t.inner.Put(ctx, bucket, key, value)

	// Del 排在所有已入队的回填之后执行，下一次 Get 从底层重新加载。
	t.mu.Lock()
	t.writes++
	t.hot.Del(t.hotKeyLocked(bucket, key))
	t.mu.Unlock()
	return err
}

func (t *tieredBackend) CreateBucket(ctx context.Context, bucket Bucket) error {
	return t.inner.CreateBucket(ctx, bucket)
}

func (t *tieredBackend) DeleteBucket(ctx context.Context, bucket Bucket) error {
	err := t.inner.DeleteBucket(ctx, bucket)

	t.mu.Lock()
	t.writes++
	t.epochs[bucket]++
	t.mu.Unlock()
	return err
}

func (t *tieredBackend) ListBuckets(ctx context.Context, namespace string) ([]string, error) {
	return t.inner.ListBuckets(ctx, namespace)
}

func (t *tieredBackend) Close() error {
	t.hot.Wait()
	t.hot.Close()
	return t.inner.Close()
}
