package fetch

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// newTransport 复用长连接；拨号与 TLS 超时单独设置，与整体 UpstreamTimeout 无关。
func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewUpstreamClient 返回所有站点共享的 http.Client。
// timeout <= 0 时不设置整体超时：挂起的上游请求会一直等待，回退缓存只在明确失败时触发。
func NewUpstreamClient(timeout time.Duration) *http.Client {
	client := &http.Client{Transport: newTransport()}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// CopyHeaders 将 src 中端到端的头复制到 dst；除固定的 hop-by-hop 字段外，
// Connection 中列出的字段同样不会透传。
func CopyHeaders(dst, src http.Header) {
	listed := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, drop := listed[textproto.CanonicalMIMEHeaderKey(key)]; drop {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	for _, h := range hopByHop {
		if h == canonical {
			return true
		}
	}
	return false
}

func connectionTokens(h http.Header) map[string]struct{} {
	values := h.Values("Connection")
	if len(values) == 0 {
		return nil
	}
	tokens := make(map[string]struct{})
	for _, v := range values {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}
