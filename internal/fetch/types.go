package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Mode 描述请求的发起方式，目前只区分页面导航与普通子资源请求。
type Mode string

const (
	ModeDefault  Mode = ""
	ModeNavigate Mode = "navigate"
)

// ResponseType 是在 fetch 边界确定的响应可见性分类。
type ResponseType uint8

const (
	// TypeBasic 表示同源响应。
	TypeBasic ResponseType = iota + 1
	// TypeCrossOriginReadable 表示跨域但带 CORS 授权、可读取的响应。
	TypeCrossOriginReadable
	// TypeOpaque 表示跨域且未授权读取的响应。
	TypeOpaque
)

func (t ResponseType) String() string {
	switch t {
	case TypeBasic:
		return "basic"
	case TypeCrossOriginReadable:
		return "cors"
	case TypeOpaque:
		return "opaque"
	default:
		return "unknown"
	}
}

// Request 是被拦截请求的类型化表示，Body 已完整读入。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
}

// NewRequest 解析 rawURL 并构造请求，Header 默认为空集合。
func NewRequest(method, rawURL string) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
	}, nil
}

// IsNavigation 表示该请求是否为页面导航。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Response 是上游响应的完整快照：正文只读取一次，调用方与缓存各持一份拷贝。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
	URL    string
}

// OK 对应 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回深拷贝，写缓存与回写客户端互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}
