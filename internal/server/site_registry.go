package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/config"
	"github.com/offcache/offcache/internal/fetch"
	"github.com/offcache/offcache/internal/lifecycle"
	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/precache"
	"github.com/offcache/offcache/internal/strategy"
	"github.com/offcache/offcache/internal/version"
)

// SiteRoute 将站点配置与运行期依赖（解析后的 URL、策略、存储、生命周期）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是 config.toml 中 [[Site]] 的副本。
	Config     config.SiteConfig
	ListenPort int
	// UpstreamURL/ProxyURL/CrossOrigins 在构造 Registry 时提前解析完成。
	UpstreamURL  *url.URL
	ProxyURL     *url.URL
	CrossOrigins []*url.URL
	// Policy 为 profile 默认值与站点覆盖合并后的结果。
	Policy       strategy.Policy
	MaxEntrySize int64

	Store     *cache.VersionedStore
	Fetcher   fetch.Fetcher
	Lifecycle *lifecycle.Controller
}

// Binding 表示某个 Host 命中的站点以及请求应转发到的源。
type Binding struct {
	Route *SiteRoute
	// Origin 为站点 Upstream，或 CrossOrigins 中 Host 匹配的那一项。
	Origin      *url.URL
	CrossOrigin bool
}

// SiteDeps 是构建站点运行时所需的共享依赖。
type SiteDeps struct {
	Backend cache.Backend
	Codec   cache.Codec
	Client  *http.Client
	Logger  *logrus.Logger
}

// SiteRegistry 提供 Host/Host:port 到站点的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	bindings map[string]*Binding
	// shared 保存 CrossOrigins Host，多个站点可共用同一个 CDN。
	shared   map[string][]*Binding
	byName   map[string]*SiteRoute
	ordered  []*SiteRoute
	logger   *logrus.Logger
}

// NewSiteRegistry 根据配置构建 Host 映射与每个站点的存储、fetcher、生命周期控制器。
// 调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config, deps SiteDeps) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Backend == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if deps.Codec == nil {
		return nil, errors.New("codec is required")
	}
	if deps.Client == nil {
		deps.Client = NewUpstreamClient(cfg)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	registry := &SiteRegistry{
		bindings: make(map[string]*Binding),
		shared:   make(map[string][]*Binding),
		byName:   make(map[string]*SiteRoute, len(cfg.Sites)),
		logger:   deps.Logger,
	}

	for _, site := range cfg.Sites {
		route, err := buildSiteRoute(cfg, site, deps)
		if err != nil {
			return nil, err
		}
		if err := registry.bind(site.Domain, &Binding{Route: route, Origin: route.UpstreamURL}); err != nil {
			return nil, err
		}
		for _, origin := range route.CrossOrigins {
			registry.share(origin.Host, &Binding{Route: route, Origin: origin, CrossOrigin: true})
		}
		registry.byName[site.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	for host := range registry.shared {
		if owner, conflict := registry.bindings[host]; conflict {
			return nil, fmt.Errorf("cross origin %s conflicts with domain of site %s", host, owner.Route.Config.Name)
		}
	}
	return registry, nil
}

func (r *SiteRegistry) share(host string, binding *Binding) {
	normalizedHost := normalizeDomain(host)
	for _, existing := range r.shared[normalizedHost] {
		if existing.Route == binding.Route {
			return
		}
	}
	r.shared[normalizedHost] = append(r.shared[normalizedHost], binding)
}

func (r *SiteRegistry) bind(host string, binding *Binding) error {
	normalizedHost := normalizeDomain(host)
	if normalizedHost == "" {
		return fmt.Errorf("invalid domain for site %s", binding.Route.Config.Name)
	}
	if _, exists := r.bindings[normalizedHost]; exists {
		return fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
	}
	r.bindings[normalizedHost] = binding
	return nil
}

// Lookup 根据 Host 或 Host:port 查找站点绑定。
func (r *SiteRegistry) Lookup(host string) (*Binding, bool) {
	return r.LookupFrom(host, "")
}

// LookupFrom 与 Lookup 相同，但 CDN Host 被多个站点共享时，
// 按发起页面（Origin 或 Referer 的 Host）选择站点，无法判断时取配置顺序中的第一个。
func (r *SiteRegistry) LookupFrom(host, initiator string) (*Binding, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	if binding, ok := r.bindings[normalizedHost]; ok {
		return binding, true
	}
	candidates := r.shared[normalizedHost]
	if len(candidates) == 0 {
		return nil, false
	}
	if initiatorHost, _ := normalizeHost(initiator); initiatorHost != "" {
		for _, binding := range candidates {
			if normalizeDomain(binding.Route.Config.Domain) == initiatorHost {
				return binding, true
			}
		}
	}
	return candidates[0], true
}

// Site 按名称查找站点。
func (r *SiteRegistry) Site(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回按配置顺序排列的站点，用于诊断输出与 CLI。
func (r *SiteRegistry) List() []*SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*SiteRoute(nil), r.ordered...)
}

// RunLifecycles 并发执行每个站点的 install/activate 流程，直到全部结束或 ctx 取消。
// 单个站点失败只记录日志，不影响其他站点。
func (r *SiteRegistry) RunLifecycles(ctx context.Context) {
	var group errgroup.Group
	for _, route := range r.ordered {
		group.Go(func() error {
			if err := route.Lifecycle.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.WithFields(logging.LifecycleFields("lifecycle", route.Config.Name, route.Config.Version)).
					WithError(err).Warn("lifecycle_failed")
			}
			return nil
		})
	}
	_ = group.Wait()
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig, deps SiteDeps) (*SiteRoute, error) {
	policy, err := site.ResolvePolicy()
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}

	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	crossOrigins := make([]*url.URL, 0, len(site.CrossOrigins))
	for _, raw := range site.CrossOrigins {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cross origin for site %s: %w", site.Name, err)
		}
		crossOrigins = append(crossOrigins, parsed)
	}

	store, err := cache.NewVersionedStore(deps.Backend, deps.Codec, site.Name)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}

	fetcher := fetch.NewHTTPFetcher(fetch.Options{
		Client:    deps.Client,
		Origin:    upstreamURL,
		ProxyURL:  proxyURL,
		Username:  site.Username,
		Password:  site.Password,
		UserAgent: version.UserAgent(),
	})

	g := cfg.Global
	warmer, err := precache.NewWarmer(precache.Options{
		Fetcher:      fetch.NewRetryFetcher(fetcher, g.MaxRetries, g.InitialBackoff.DurationValue()),
		Store:        store,
		Origin:       upstreamURL,
		Concurrency:  g.PrecacheConcurrency,
		MaxEntrySize: g.MaxEntrySize,
		Logger:       deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}

	controller, err := lifecycle.New(lifecycle.Options{
		Site:          site.Name,
		Version:       site.Version,
		Assets:        site.Assets,
		Store:         store,
		Warmer:        warmer,
		EagerTakeover: site.EagerTakeoverEnabled(),
		ClaimClients:  site.ClaimClientsEnabled(),
		IdleTimeout:   g.ClientIdleTimeout.DurationValue(),
		Logger:        deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}

	return &SiteRoute{
		Config:       site,
		ListenPort:   g.ListenPort,
		UpstreamURL:  upstreamURL,
		ProxyURL:     proxyURL,
		CrossOrigins: crossOrigins,
		Policy:       policy,
		MaxEntrySize: g.MaxEntrySize,
		Store:        store,
		Fetcher:      fetcher,
		Lifecycle:    controller,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
