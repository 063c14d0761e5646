package cache

import (
	"fmt"
	"strings"
	"time"
)

// BackendOptions 描述全局存储配置，由 config.Config 映射而来。
type BackendOptions struct {
	Kind string // fs|sqlite|postgres|mysql|redis|memory
	Path string
	DSN  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MemoryLifeWindow time.Duration
	// HotTierBytes > 0 时在底层存储前叠加 ristretto 热点层。
	HotTierBytes int64
}

// OpenBackend 根据 Kind 构造 Backend。
func OpenBackend(opts BackendOptions) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", "fs":
		backend, err = NewFileBackend(opts.Path)
	case "sqlite":
		dsn := opts.DSN
		if dsn == "" {
			dsn = opts.Path
		}
		backend, err = NewSQLBackend(DialectSQLite, dsn)
	case "postgres":
		backend, err = NewSQLBackend(DialectPostgres, opts.DSN)
	case "mysql":
		backend, err = NewSQLBackend(DialectMySQL, opts.DSN)
	case "redis":
		backend, err = NewRedisBackend(RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
	case "memory":
		backend = NewMemoryBackend(MemoryOptions{LifeWindow: opts.MemoryLifeWindow})
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Kind)
	}
	if err != nil {
		return nil, err
	}

	if opts.HotTierBytes > 0 {
		tiered, err := NewTieredBackend(backend, opts.HotTierBytes)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		return tiered, nil
	}
	return backend, nil
}
