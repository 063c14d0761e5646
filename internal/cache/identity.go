package cache

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/offcache/offcache/internal/fetch"
)

// Identity 是缓存查找键：method + 绝对 URL（去掉 fragment，空路径归一为 "/"）。
// 请求头暂不参与计算。
type Identity struct {
	Method string
	URL    string
}

// NewIdentity 由 method 与 URL 构造 Identity。
func NewIdentity(method string, u *url.URL) Identity {
	if method == "" {
		method = http.MethodGet
	}
	normalized := ""
	if u != nil {
		clone := *u
		clone.Fragment = ""
		clone.RawFragment = ""
		clone.Scheme = strings.ToLower(clone.Scheme)
		clone.Host = strings.ToLower(clone.Host)
		if clone.Path == "" {
			clone.Path = "/"
			clone.RawPath = ""
		}
		normalized = clone.String()
	}
	return Identity{Method: strings.ToUpper(method), URL: normalized}
}

// IdentityOf 返回拦截请求对应的 Identity。
func IdentityOf(req *fetch.Request) Identity {
	if req == nil {
		return Identity{}
	}
	return NewIdentity(req.Method, req.URL)
}

// Key 输出写入 Backend 的键，形如 "GET https://app.example.com/index.html"。
func (i Identity) Key() string {
	return i.Method + " " + i.URL
}

func (i Identity) String() string {
	return i.Key()
}
