package cache

import (
	"context"
	"errors"
	"sort"

	goredis "github.com/redis/go-redis/v9"
)

// RedisOptions 配置 redis 后端；Client 为空时按 Addr/Password/DB 新建并由后端持有。
type RedisOptions struct {
	Client   goredis.UniversalClient
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// redisBackend 的键布局：
//
//	<prefix>:<ns>:generations      SET  已知 generation
//	<prefix>:<ns>:gen:<generation> HASH key -> payload
type redisBackend struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

// NewRedisBackend 构造 redis 后端。
func NewRedisBackend(opts RedisOptions) (Backend, error) {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "offcache"
	}
	client := opts.Client
	owned := false
	if client == nil {
		if opts.Addr == "" {
			return nil, errors.New("redis backend requires an address")
		}
		client = goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    []string{opts.Addr},
			Password: opts.Password,
			DB:       opts.DB,
		})
		owned = true
	}
	return &redisBackend{rdb: client, prefix: prefix, closeClient: owned}, nil
}

func (r *redisBackend) generationsKey(namespace string) string {
	return r.prefix + ":" + namespace + ":generations"
}

func (r *redisBackend) bucketKey(bucket Bucket) string {
	return r.prefix + ":" + bucket.Namespace + ":gen:" + bucket.Generation
}

func (r *redisBackend) Get(ctx context.Context, bucket Bucket, key string) ([]byte, error) {
	if err := bucket.validate(); err != nil {
		return nil, err
	}
	b, err := r.rdb.HGet(ctx, r.bucketKey(bucket), key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *redisBackend) Put(ctx context.Context, bucket Bucket, key string, value []byte) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, r.generationsKey(bucket.Namespace), bucket.Generation)
		p.HSet(ctx, r.bucketKey(bucket), key, value)
		return nil
	})
	return err
}

func (r *redisBackend) CreateBucket(ctx context.Context, bucket Bucket) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	return r.rdb.SAdd(ctx, r.generationsKey(bucket.Namespace), bucket.Generation).Err()
}

func (r *redisBackend) DeleteBucket(ctx context.Context, bucket Bucket) error {
	if err := bucket.validate(); err != nil {
		return err
	}
	_, err := r.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, r.bucketKey(bucket))
		p.SRem(ctx, r.generationsKey(bucket.Namespace), bucket.Generation)
		return nil
	})
	return err
}

func (r *redisBackend) ListBuckets(ctx context.Context, namespace string) ([]string, error) {
	if err := validateSegment("namespace", namespace); err != nil {
		return nil, err
	}
	names, err := r.rdb.SMembers(ctx, r.generationsKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Close 仅在后端自行创建客户端时关闭连接，重复调用安全。
func (r *redisBackend) Close() error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
