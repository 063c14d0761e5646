package server

import (
	"net/http"

	"github.com/offcache/offcache/internal/config"
	"github.com/offcache/offcache/internal/fetch"
)

// NewUpstreamClient 返回所有站点共享的 http.Client。
// UpstreamTimeout 为 0 时不设置整体超时，与浏览器 fetch 的默认行为一致。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	if cfg == nil {
		return fetch.NewUpstreamClient(0)
	}
	return fetch.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue())
}
