package config

import (
	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/strategy"
)

// StrategyOptions 将站点层覆盖映射为 strategy.Options。
func (s SiteConfig) StrategyOptions() strategy.Options {
	return strategy.Options{
		Static:              s.StaticStrategy,
		Dynamic:             s.DynamicStrategy,
		DynamicPatterns:     s.DynamicPatterns,
		CacheOpaque:         s.CacheOpaque,
		FallbackOnHTTPError: s.FallbackOnHTTPError,
		NavigationFallback:  s.NavigationFallback,
	}
}

// ResolvePolicy 合并 profile 默认值与站点覆盖。
func (s SiteConfig) ResolvePolicy() (strategy.Policy, error) {
	return strategy.Resolve(s.Profile, s.StrategyOptions())
}

// BackendOptions 返回全局存储配置对应的 cache.BackendOptions。
func (g GlobalConfig) BackendOptions() cache.BackendOptions {
	return cache.BackendOptions{
		Kind:             g.StorageBackend,
		Path:             g.StoragePath,
		DSN:              g.StorageDSN,
		RedisAddr:        g.RedisAddr,
		RedisPassword:    g.RedisPassword,
		RedisDB:          g.RedisDB,
		MemoryLifeWindow: g.MemoryLifeWindow.DurationValue(),
		HotTierBytes:     g.MemoryTierSize,
	}
}

// CodecDecodeLimit 为解码后的条目预留 1MiB 头部/元数据余量；MaxEntrySize 为 0 时不限制。
func (g GlobalConfig) CodecDecodeLimit() int {
	if g.MaxEntrySize <= 0 {
		return 0
	}
	return int(g.MaxEntrySize) + 1<<20
}
