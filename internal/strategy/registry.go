package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const defaultProfileKey = "network-first"

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func newRegistry() *registry {
	return &registry{profiles: make(map[string]Profile)}
}

// Register 将 profile 加入全局注册表，重复键会返回错误。
func Register(profile Profile) error {
	return globalRegistry.register(profile)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(profile Profile) {
	if err := Register(profile); err != nil {
		panic(err)
	}
}

// Lookup 返回指定键的 profile，大小写不敏感。
func Lookup(key string) (Profile, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的 profile 列表。
func List() []Profile {
	return globalRegistry.list()
}

// Keys 返回所有已注册 profile 的键值。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, profile := range items {
		result[i] = profile.Key
	}
	return result
}

// DefaultProfileKey 返回站点未指定 Profile 时使用的预设。
func DefaultProfileKey() string {
	return defaultProfileKey
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(profile Profile) error {
	key := normalizeKey(profile.Key)
	if key == "" {
		return fmt.Errorf("profile key is required")
	}
	profile.Key = key
	if err := validateModes(profile.Static, profile.Dynamic); err != nil {
		return fmt.Errorf("profile %s: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[key]; exists {
		return fmt.Errorf("profile %s already registered", key)
	}
	r.profiles[key] = profile
	return nil
}

func (r *registry) resolve(key string) (Profile, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Profile{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[normalized]
	return profile, ok
}

func (r *registry) list() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.profiles) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.profiles))
	for key := range r.profiles {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Profile, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.profiles[key])
	}
	return result
}

// validateModes 约束静态资源只能 cache-first/network-first，动态数据只能 network-first/bypass。
func validateModes(static, dynamic Mode) error {
	switch static {
	case CacheFirst, NetworkFirst:
	default:
		return fmt.Errorf("static strategy must be cache-first or network-first, got %q", static)
	}
	switch dynamic {
	case NetworkFirst, Bypass:
	default:
		return fmt.Errorf("dynamic strategy must be network-first or bypass, got %q", dynamic)
	}
	return nil
}
