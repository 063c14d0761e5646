package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// installedKey 标记 generation 已完成 precache；请求键总是含空格，不会与之冲突。
const installedKey = "offcache:installed"

// Generation 是某个站点下的一份命名缓存。
type Generation struct {
	Site string
	ID   string
}

func (g Generation) String() string {
	return g.Site + "/" + g.ID
}

func (g Generation) bucket() Bucket {
	return Bucket{Namespace: g.Site, Generation: g.ID}
}

// VersionedStore 管理单个站点的全部 generation。它不感知"当前版本"，
// 版本号由配置决定，清理策略由 lifecycle 负责。
type VersionedStore struct {
	backend   Backend
	codec     Codec
	namespace string
	now       func() time.Time
}

// NewVersionedStore 构造站点级存储，多个站点可以共用同一个 Backend。
func NewVersionedStore(backend Backend, codec Codec, namespace string) (*VersionedStore, error) {
	if backend == nil {
		return nil, ErrStoreUnavailable
	}
	if codec == nil {
		return nil, errors.New("codec required")
	}
	if err := validateSegment("namespace", namespace); err != nil {
		return nil, err
	}
	return &VersionedStore{
		backend:   backend,
		codec:     codec,
		namespace: namespace,
		now:       time.Now,
	}, nil
}

// Namespace 返回站点命名空间。
func (s *VersionedStore) Namespace() string {
	return s.namespace
}

// Codec 返回条目编解码器名称，用于诊断输出。
func (s *VersionedStore) Codec() string {
	return s.codec.Name()
}

// Open 返回 versionID 对应的 generation，不存在时创建。
func (s *VersionedStore) Open(ctx context.Context, versionID string) (Generation, error) {
	gen := Generation{Site: s.namespace, ID: versionID}
	if err := s.backend.CreateBucket(ctx, gen.bucket()); err != nil {
		return Generation{}, &StorageError{Op: "open", Generation: versionID, Err: err}
	}
	return gen, nil
}

// Put 写入快照，覆盖同一 Identity 的旧条目。
func (s *VersionedStore) Put(ctx context.Context, gen Generation, id Identity, snap *StoredResponse) error {
	if snap == nil {
		return &StorageError{Op: "put", Generation: gen.ID, Err: errors.New("nil snapshot")}
	}
	if snap.StoredAt.IsZero() {
		snap.StoredAt = s.now().UTC()
	}
	payload, err := s.codec.Encode(snap)
	if err != nil {
		return &StorageError{Op: "put", Generation: gen.ID, Err: err}
	}
	if err := s.backend.Put(ctx, s.scoped(gen), id.Key(), payload); err != nil {
		return &StorageError{Op: "put", Generation: gen.ID, Err: err}
	}
	return nil
}

// Get 查找 Identity；不存在时返回 (nil, false, nil)。
func (s *VersionedStore) Get(ctx context.Context, gen Generation, id Identity) (*StoredResponse, bool, error) {
	payload, err := s.backend.Get(ctx, s.scoped(gen), id.Key())
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Generation: gen.ID, Err: err}
	}
	snap, err := s.codec.Decode(payload)
	if err != nil {
		return nil, false, &StorageError{Op: "get", Generation: gen.ID, Err: err}
	}
	return snap, true, nil
}

// ListGenerationIDs 返回站点下所有已知 generation，包括过期的。
func (s *VersionedStore) ListGenerationIDs(ctx context.Context) ([]string, error) {
	ids, err := s.backend.ListBuckets(ctx, s.namespace)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return ids, nil
}

// Delete 删除 generation 及全部条目，不存在时同样成功。
func (s *VersionedStore) Delete(ctx context.Context, versionID string) error {
	bucket := Bucket{Namespace: s.namespace, Generation: versionID}
	if err := s.backend.DeleteBucket(ctx, bucket); err != nil {
		return &StorageError{Op: "delete", Generation: versionID, Err: err}
	}
	return nil
}

// MarkInstalled 记录 generation 已完成 precache。
func (s *VersionedStore) MarkInstalled(ctx context.Context, gen Generation) error {
	stamp := []byte(s.now().UTC().Format(time.RFC3339Nano))
	if err := s.backend.Put(ctx, s.scoped(gen), installedKey, stamp); err != nil {
		return &StorageError{Op: "put", Generation: gen.ID, Err: err}
	}
	return nil
}

// IsInstalled 报告 versionID 是否已完成 precache。
func (s *VersionedStore) IsInstalled(ctx context.Context, versionID string) (bool, error) {
	bucket := Bucket{Namespace: s.namespace, Generation: versionID}
	_, err := s.backend.Get(ctx, bucket, installedKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, &StorageError{Op: "get", Generation: versionID, Err: err}
	}
}

// scoped 保证 generation 只能落在本站点命名空间内。
func (s *VersionedStore) scoped(gen Generation) Bucket {
	return Bucket{Namespace: s.namespace, Generation: gen.ID}
}

// ParseGenerationID 校验 generation 名称能否作为存储路径段。
func ParseGenerationID(id string) error {
	if err := validateSegment("generation", id); err != nil {
		return fmt.Errorf("invalid generation id: %w", err)
	}
	return nil
}
