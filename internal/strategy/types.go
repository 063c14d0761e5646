package strategy

import (
	"fmt"
	"strings"
)

// Mode 是单条请求的处理策略。
type Mode string

const (
	CacheFirst   Mode = "cache-first"
	NetworkFirst Mode = "network-first"
	Bypass       Mode = "bypass"
)

// ParseMode 规范化字符串形式的策略名。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case CacheFirst:
		return CacheFirst, nil
	case NetworkFirst:
		return NetworkFirst, nil
	case Bypass:
		return Bypass, nil
	default:
		return "", fmt.Errorf("unknown strategy: %s", raw)
	}
}

// Profile 是内置的策略预设，供配置校验和诊断端使用。
type Profile struct {
	Key             string
	Description     string
	Static          Mode
	Dynamic         Mode
	DynamicPatterns []string
	// CacheOpaque 允许写入跨域且不可读的响应。
	CacheOpaque         bool
	FallbackOnHTTPError bool
	NavigationFallback  string
}
