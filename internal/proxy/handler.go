package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/fetch"
	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/server"
)

const (
	headerClientID   = "X-Offcache-Client"
	headerSource     = "X-Offcache-Source"
	headerStrategy   = "X-Offcache-Strategy"
	headerGeneration = "X-Offcache-Generation"
)

// Handler 负责 orchestrate “识别会话 → 选择策略 → 缓存/回源 → 回写客户端” 的全流程，
// 对外暴露 Fiber handler，每个站点复用一个 Router。
type Handler struct {
	logger  *logrus.Logger
	routers sync.Map // key: site name, value: *Router
}

// NewHandler constructs a proxy handler.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// Handle 根据会话是否受控执行策略或直接回源，任何阶段的结果都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, binding *server.Binding) error {
	started := time.Now()
	requestID := server.RequestID(c)
	route := binding.Route

	router, err := h.routerFor(route)
	if err != nil {
		h.logger.WithFields(logging.RequestFields(route.Config.Name, route.Config.Domain, "", "", "")).
			WithError(err).Error("router_unavailable")
		return h.writeError(c, fiber.StatusInternalServerError, "router_unavailable")
	}

	req, err := buildFetchRequest(c, binding)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	controlled, gen := route.Lifecycle.Observe(clientIdentifier(c), req.IsNavigation())

	ctx := c.Context()
	var outcome Outcome
	if controlled {
		outcome = router.Execute(ctx, gen, req)
	} else {
		outcome = router.Passthrough(ctx, req)
	}

	h.logResult(binding, req, requestID, gen, outcome, started)
	return h.writeOutcome(c, outcome, gen)
}

func (h *Handler) routerFor(route *server.SiteRoute) (*Router, error) {
	if value, ok := h.routers.Load(route.Config.Name); ok {
		return value.(*Router), nil
	}
	router, err := NewRouter(RouterOptions{
		Site:         route.Config.Name,
		Fetcher:      route.Fetcher,
		Store:        route.Store,
		Policy:       route.Policy,
		Origin:       route.UpstreamURL,
		MaxEntrySize: route.MaxEntrySize,
		Logger:       h.logger,
	})
	if err != nil {
		return nil, err
	}
	actual, _ := h.routers.LoadOrStore(route.Config.Name, router)
	return actual.(*Router), nil
}

func (h *Handler) writeOutcome(c fiber.Ctx, outcome Outcome, gen cache.Generation) error {
	c.Set(headerStrategy, string(outcome.Mode))
	if gen.ID != "" {
		c.Set(headerGeneration, gen.ID)
	}
	c.Set(headerSource, string(outcome.Source))

	if !outcome.HasResponse() {
		return h.writeError(c, fiber.StatusBadGateway, "offline_no_response")
	}

	resp := outcome.Response
	copyResponseHeaders(c, resp.Header)
	return c.Status(resp.Status).Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	binding *server.Binding,
	req *fetch.Request,
	requestID string,
	gen cache.Generation,
	outcome Outcome,
	started time.Time,
) {
	route := binding.Route
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		gen.ID,
		string(outcome.Mode),
		string(outcome.Source),
	)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["upstream"] = req.URL.String()
	fields["class"] = string(outcome.Class)
	fields["navigate"] = req.IsNavigation()
	fields["cross_origin"] = binding.CrossOrigin
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if outcome.Response != nil {
		fields["status"] = outcome.Response.Status
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if !outcome.HasResponse() {
		h.logger.WithFields(fields).Warn("proxy_no_response")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildFetchRequest 将入站请求映射为上游请求：Origin 取自 Host 绑定（站点或 CDN），
// 路径与查询保持不变。
func buildFetchRequest(c fiber.Ctx, binding *server.Binding) (*fetch.Request, error) {
	if binding == nil || binding.Origin == nil {
		return nil, fmt.Errorf("binding origin missing")
	}
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := binding.Origin.ResolveReference(relative)

	req := &fetch.Request{
		Method: strings.ToUpper(c.Method()),
		URL:    target,
		Header: fiberHeadersAsHTTP(c),
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	if isNavigation(req) {
		req.Mode = fetch.ModeNavigate
	}
	return req, nil
}

// isNavigation 优先使用 Sec-Fetch-Mode；旧客户端退化为 “GET 且接受 text/html”。
func isNavigation(req *fetch.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// clientIdentifier 优先使用页面注入的 X-Offcache-Client，否则退化为来源 IP。
func clientIdentifier(c fiber.Ctx) string {
	if id := strings.TrimSpace(c.Get(headerClientID)); id != "" {
		return id
	}
	return c.IP()
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del(headerClientID)
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
