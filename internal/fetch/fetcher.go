package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Fetcher 抽象“网络”：成功返回完整响应，未拿到响应时返回 *NetworkError。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Options 控制 HTTPFetcher 的行为，Origin 为站点自身源，用于响应类型判定与凭证下发。
type Options struct {
	Client   *http.Client
	Origin   *url.URL
	ProxyURL *url.URL
	Username string
	Password string
	// UserAgent 仅在请求未携带 User-Agent 时补充，例如 precache 发起的请求。
	UserAgent string
}

// HTTPFetcher 通过共享 http.Client 访问上游。
type HTTPFetcher struct {
	client    *http.Client
	origin    *url.URL
	username  string
	password  string
	userAgent string
}

// NewHTTPFetcher 构造 HTTPFetcher；ProxyURL 非空时克隆 Transport 并指定出站代理。
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	client := opts.Client
	if client == nil {
		client = NewUpstreamClient(0)
	}
	if opts.ProxyURL != nil {
		transport := &http.Transport{}
		if base, ok := client.Transport.(*http.Transport); ok && base != nil {
			transport = base.Clone()
		}
		transport.Proxy = http.ProxyURL(opts.ProxyURL)
		cloned := *client
		cloned.Transport = transport
		client = &cloned
	}
	return &HTTPFetcher{
		client:    client,
		origin:    opts.Origin,
		username:  opts.Username,
		password:  opts.Password,
		userAgent: opts.UserAgent,
	}
}

// Fetch 发起上游请求并缓冲完整正文。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request url required")
	}
	target := req.URL.String()

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(upstreamReq.Header, req.Header)
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = req.URL.Host
	if f.userAgent != "" && upstreamReq.Header.Get("User-Agent") == "" {
		upstreamReq.Header.Set("User-Agent", f.userAgent)
	}
	if f.sameOrigin(req.URL) {
		if auth := buildCredentialHeader(f.username, f.password); auth != "" {
			upstreamReq.Header.Set("Authorization", auth)
		}
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Type:   Classify(f.origin, req.URL, resp.Header),
		URL:    target,
	}, nil
}

func (f *HTTPFetcher) sameOrigin(target *url.URL) bool {
	return SameOrigin(f.origin, target)
}

// Classify 根据请求目标与站点源判定响应类型。
func Classify(origin, target *url.URL, header http.Header) ResponseType {
	if origin == nil || SameOrigin(origin, target) {
		return TypeBasic
	}
	if strings.TrimSpace(header.Get("Access-Control-Allow-Origin")) != "" {
		return TypeCrossOriginReadable
	}
	return TypeOpaque
}

// SameOrigin 比较 scheme 与 host（含端口），忽略大小写。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}
