package strategy

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const regexpPrefix = "regexp:"

// Class 是请求分类结果，决定 Router 走哪条分支。
type Class string

const (
	ClassBypass  Class = "bypass"
	ClassDynamic Class = "dynamic"
	ClassStatic  Class = "static"
)

// Pattern 匹配动态数据请求：普通字符串按路径子串匹配，
// regexp: 前缀按正则匹配 path?query。
type Pattern struct {
	raw    string
	substr string
	re     *regexp.Regexp
}

// CompilePattern 解析单个动态数据模式。
func CompilePattern(raw string) (Pattern, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	if expr, ok := strings.CutPrefix(trimmed, regexpPrefix); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %w", raw, err)
		}
		return Pattern{raw: trimmed, re: re}, nil
	}
	return Pattern{raw: trimmed, substr: trimmed}, nil
}

func (p Pattern) String() string {
	return p.raw
}

// Match 判断 URL 是否命中模式。
func (p Pattern) Match(u *url.URL) bool {
	if u == nil {
		return false
	}
	if p.re != nil {
		return p.re.MatchString(u.RequestURI())
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return strings.Contains(path, p.substr)
}

// Options 描述站点级覆盖，零值表示沿用 profile。
type Options struct {
	Static              string
	Dynamic             string
	DynamicPatterns     []string
	CacheOpaque         *bool
	FallbackOnHTTPError *bool
	NavigationFallback  string
}

// Policy 是合并覆盖后、可直接用于分类的站点策略。
type Policy struct {
	Profile             string
	Static              Mode
	Dynamic             Mode
	Patterns            []Pattern
	CacheOpaque         bool
	FallbackOnHTTPError bool
	NavigationFallback  string
}

// Resolve 以 profileKey 为基础合并覆盖；profileKey 为空时使用默认预设。
func Resolve(profileKey string, opts Options) (Policy, error) {
	if strings.TrimSpace(profileKey) == "" {
		profileKey = defaultProfileKey
	}
	profile, ok := Lookup(profileKey)
	if !ok {
		return Policy{}, fmt.Errorf("unknown profile: %s", profileKey)
	}

	policy := Policy{
		Profile:             profile.Key,
		Static:              profile.Static,
		Dynamic:             profile.Dynamic,
		CacheOpaque:         profile.CacheOpaque,
		FallbackOnHTTPError: profile.FallbackOnHTTPError,
		NavigationFallback:  profile.NavigationFallback,
	}

	if opts.Static != "" {
		mode, err := ParseMode(opts.Static)
		if err != nil {
			return Policy{}, err
		}
		policy.Static = mode
	}
	if opts.Dynamic != "" {
		mode, err := ParseMode(opts.Dynamic)
		if err != nil {
			return Policy{}, err
		}
		policy.Dynamic = mode
	}
	if err := validateModes(policy.Static, policy.Dynamic); err != nil {
		return Policy{}, err
	}

	patterns := profile.DynamicPatterns
	if len(opts.DynamicPatterns) > 0 {
		patterns = opts.DynamicPatterns
	}
	for _, raw := range patterns {
		p, err := CompilePattern(raw)
		if err != nil {
			return Policy{}, err
		}
		policy.Patterns = append(policy.Patterns, p)
	}

	if opts.CacheOpaque != nil {
		policy.CacheOpaque = *opts.CacheOpaque
	}
	if opts.FallbackOnHTTPError != nil {
		policy.FallbackOnHTTPError = *opts.FallbackOnHTTPError
	}
	if opts.NavigationFallback != "" {
		policy.NavigationFallback = opts.NavigationFallback
	}
	return policy, nil
}

// IsDynamic 判断 URL 是否属于动态数据。
func (p Policy) IsDynamic(u *url.URL) bool {
	for _, pattern := range p.Patterns {
		if pattern.Match(u) {
			return true
		}
	}
	return false
}

// Classify 按顺序分类：非 GET 直接 bypass，命中动态模式走 Dynamic，其余走 Static。
// 返回值中的 Mode 为该分类实际采用的策略。
func (p Policy) Classify(method string, u *url.URL) (Class, Mode) {
	if !strings.EqualFold(method, http.MethodGet) {
		return ClassBypass, Bypass
	}
	if p.IsDynamic(u) {
		return ClassDynamic, p.Dynamic
	}
	return ClassStatic, p.Static
}

// PatternStrings 返回模式的原始字符串，用于诊断输出。
func (p Policy) PatternStrings() []string {
	out := make([]string, len(p.Patterns))
	for i, pattern := range p.Patterns {
		out[i] = pattern.String()
	}
	return out
}
