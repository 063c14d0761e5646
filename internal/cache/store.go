package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Backend 是底层的键值 blob 存储。布局遵循：
//
//	<Namespace>/<Generation>/<key>
//
// 每个 Namespace 对应一个站点，Generation 对应一个缓存版本（如 kraft-v5）。
// 实现必须保证单次 Put/Get/DeleteBucket 原子，且并发安全。
type Backend interface {
	// Get 返回 key 对应的原始字节，不存在时返回 ErrNotFound。
	Get(ctx context.Context, bucket Bucket, key string) ([]byte, error)

	// Put 覆盖写入；bucket 不存在时隐式创建。
	Put(ctx context.Context, bucket Bucket, key string, value []byte) error

	// CreateBucket 创建空 generation，已存在时为 no-op。
	CreateBucket(ctx context.Context, bucket Bucket) error

	// DeleteBucket 删除 generation 及其全部条目，幂等。
	DeleteBucket(ctx context.Context, bucket Bucket) error

	// ListBuckets 返回 namespace 下全部 generation 名称（按字典序）。
	ListBuckets(ctx context.Context, namespace string) ([]string, error)

	// Close 释放连接等资源。
	Close() error
}

// Bucket 唯一定位一个 generation。
type Bucket struct {
	Namespace  string
	Generation string
}

func (b Bucket) String() string {
	return b.Namespace + "/" + b.Generation
}

func (b Bucket) validate() error {
	if err := validateSegment("namespace", b.Namespace); err != nil {
		return err
	}
	return validateSegment("generation", b.Generation)
}

// validateSegment 拒绝空值以及会逃逸目录结构的名称。
func validateSegment(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s required", field)
	}
	if value == "." || value == ".." || strings.ContainsAny(value, "/\\\x00") {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}

// ErrNotFound 表示缓存条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrStoreUnavailable 表示当前站点未注入存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// StorageError 包装底层存储失败，Op 为 open/put/get/list/delete 之一。
type StorageError struct {
	Op         string
	Generation string
	Err        error
}

func (e *StorageError) Error() string {
	if e.Generation == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Generation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
