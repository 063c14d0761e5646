package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/fetch"
	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/strategy"
)

// Source 标识最终响应的来源。
type Source string

const (
	SourceNetwork            Source = "network"
	SourceCache              Source = "cache"
	SourceNavigationFallback Source = "navigation-fallback"
	SourceNone               Source = "none"
)

// Outcome 是一次路由的结果：要么带响应，要么明确为 SourceNone。
type Outcome struct {
	Response *fetch.Response
	Source   Source
	Class    strategy.Class
	Mode     strategy.Mode
}

// HasResponse 表示是否存在可回写的响应。
func (o Outcome) HasResponse() bool {
	return o.Response != nil && o.Source != SourceNone
}

// RouterOptions 配置单个站点的 Router。
type RouterOptions struct {
	Site    string
	Fetcher fetch.Fetcher
	Store   *cache.VersionedStore
	Policy  strategy.Policy
	// Origin 是站点 Upstream，用于解析 NavigationFallback。
	Origin       *url.URL
	MaxEntrySize int64
	Logger       *logrus.Logger
}

// Router 按站点策略决定每个请求走缓存还是网络。Execute 不返回错误：
// 存储失败只记录日志，网络失败转为回退或 SourceNone。
type Router struct {
	site         string
	fetcher      fetch.Fetcher
	store        *cache.VersionedStore
	policy       strategy.Policy
	origin       *url.URL
	maxEntrySize int64
	logger       *logrus.Logger
	now          func() time.Time
}

// NewRouter 构造 Router。
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("router fetcher required")
	}
	if opts.Store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if opts.Origin == nil {
		return nil, errors.New("router origin required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		site:         opts.Site,
		fetcher:      opts.Fetcher,
		store:        opts.Store,
		policy:       opts.Policy,
		origin:       opts.Origin,
		maxEntrySize: opts.MaxEntrySize,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Execute 对受控会话的请求分类并执行对应策略，gen 为当前激活的 generation。
func (r *Router) Execute(ctx context.Context, gen cache.Generation, req *fetch.Request) Outcome {
	class, mode := r.policy.Classify(req.Method, req.URL)
	var outcome Outcome
	switch mode {
	case strategy.CacheFirst:
		outcome = r.cacheFirst(ctx, gen, req)
	case strategy.NetworkFirst:
		outcome = r.networkFirst(ctx, gen, req)
	default:
		outcome = r.passthrough(ctx, req)
	}
	outcome.Class = class
	outcome.Mode = mode
	return outcome
}

// Passthrough 直接回源，不读写缓存；用于未受控会话与 bypass 请求。
func (r *Router) Passthrough(ctx context.Context, req *fetch.Request) Outcome {
	outcome := r.passthrough(ctx, req)
	outcome.Class = strategy.ClassBypass
	outcome.Mode = strategy.Bypass
	return outcome
}

func (r *Router) passthrough(ctx context.Context, req *fetch.Request) Outcome {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		r.logFetchFailure(req, err)
		return Outcome{Source: SourceNone}
	}
	return Outcome{Response: resp, Source: SourceNetwork}
}

func (r *Router) cacheFirst(ctx context.Context, gen cache.Generation, req *fetch.Request) Outcome {
	id := cache.IdentityOf(req)
	if snap := r.lookup(ctx, gen, id); snap != nil {
		return Outcome{Response: snap.Response(), Source: SourceCache}
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		r.logFetchFailure(req, err)
		return Outcome{Source: SourceNone}
	}
	r.writeBack(ctx, gen, id, resp)
	return Outcome{Response: resp, Source: SourceNetwork}
}

func (r *Router) networkFirst(ctx context.Context, gen cache.Generation, req *fetch.Request) Outcome {
	id := cache.IdentityOf(req)
	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil && !r.countsAsFailure(resp) {
		r.writeBack(ctx, gen, id, resp)
		return Outcome{Response: resp, Source: SourceNetwork}
	}
	if err != nil {
		r.logFetchFailure(req, err)
	}

	if snap := r.lookup(ctx, gen, id); snap != nil {
		return Outcome{Response: snap.Response(), Source: SourceCache}
	}
	if req.IsNavigation() {
		if fallback, ok := r.navigationFallback(); ok {
			if snap := r.lookup(ctx, gen, fallback); snap != nil {
				return Outcome{Response: snap.Response(), Source: SourceNavigationFallback}
			}
		}
	}
	// 5xx 被视为失败但没有可用缓存时，仍然把上游响应交给客户端
	if resp != nil {
		return Outcome{Response: resp, Source: SourceNetwork}
	}
	return Outcome{Source: SourceNone}
}

func (r *Router) countsAsFailure(resp *fetch.Response) bool {
	return r.policy.FallbackOnHTTPError && resp.Status >= http.StatusInternalServerError
}

func (r *Router) navigationFallback() (cache.Identity, bool) {
	if r.policy.NavigationFallback == "" {
		return cache.Identity{}, false
	}
	ref, err := url.Parse(r.policy.NavigationFallback)
	if err != nil {
		return cache.Identity{}, false
	}
	return cache.NewIdentity(http.MethodGet, r.origin.ResolveReference(ref)), true
}

// Cacheable 判断响应是否允许写回：仅 200，且为 basic/cors，或在 CacheOpaque 时接受 opaque；
// 超过 MaxEntrySize 的正文照常返回但不写入。
func (r *Router) Cacheable(resp *fetch.Response) bool {
	if resp == nil || resp.Status != http.StatusOK {
		return false
	}
	switch resp.Type {
	case fetch.TypeBasic, fetch.TypeCrossOriginReadable:
	case fetch.TypeOpaque:
		if !r.policy.CacheOpaque {
			return false
		}
	default:
		return false
	}
	return r.maxEntrySize <= 0 || int64(len(resp.Body)) <= r.maxEntrySize
}

func (r *Router) lookup(ctx context.Context, gen cache.Generation, id cache.Identity) *cache.StoredResponse {
	snap, ok, err := r.store.Get(ctx, gen, id)
	if err != nil {
		r.logger.WithFields(r.fields(gen.ID)).
			WithError(err).
			WithField("identity", id.Key()).
			Warn("cache_get_failed")
		return nil
	}
	if !ok {
		return nil
	}
	return snap
}

// writeBack 在返回响应前同步写入缓存，客户端断开也不会中断写入。
func (r *Router) writeBack(ctx context.Context, gen cache.Generation, id cache.Identity, resp *fetch.Response) {
	if !r.Cacheable(resp) {
		return
	}
	snap := cache.Snapshot(resp, r.now())
	if err := r.store.Put(context.WithoutCancel(ctx), gen, id, snap); err != nil {
		r.logger.WithFields(r.fields(gen.ID)).
			WithError(err).
			WithField("identity", id.Key()).
			Warn("cache_put_failed")
	}
}

func (r *Router) logFetchFailure(req *fetch.Request, err error) {
	fields := r.fields("")
	fields["upstream"] = req.URL.String()
	fields["network_failure"] = fetch.IsNetworkFailure(err)
	r.logger.WithFields(fields).WithError(err).Warn("upstream_fetch_failed")
}

func (r *Router) fields(generation string) logrus.Fields {
	return logging.LifecycleFields("route", r.site, generation)
}
