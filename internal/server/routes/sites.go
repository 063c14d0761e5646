package routes

import (
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/offcache/offcache/internal/lifecycle"
	"github.com/offcache/offcache/internal/server"
	"github.com/offcache/offcache/internal/strategy"
)

// RegisterSiteRoutes 暴露 /-/sites 与 /-/profiles 诊断接口，
// 供运维查询站点策略、generation 状态并手动触发 install/activate。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/profiles", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"default":  strategy.DefaultProfileKey(),
			"profiles": encodeProfiles(strategy.List()),
		})
	})

	app.Get("/-/sites", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]sitePayload, 0, len(routes))
		for _, route := range routes {
			payload = append(payload, encodeSite(route))
		}
		return c.JSON(fiber.Map{"sites": payload})
	})

	app.Get("/-/sites/:name", withSite(registry, func(c fiber.Ctx, route *server.SiteRoute) error {
		return c.JSON(encodeSite(route))
	}))

	app.Get("/-/sites/:name/generations", withSite(registry, func(c fiber.Ctx, route *server.SiteRoute) error {
		ids, err := route.Store.ListGenerationIDs(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable", "detail": err.Error()})
		}
		sort.Strings(ids)
		current := route.Config.Version
		items := make([]generationPayload, 0, len(ids))
		for _, id := range ids {
			installed, _ := route.Store.IsInstalled(c.Context(), id)
			items = append(items, generationPayload{
				ID:        id,
				Current:   id == current,
				Installed: installed,
			})
		}
		return c.JSON(fiber.Map{
			"site":        route.Config.Name,
			"current":     current,
			"generations": items,
		})
	}))

	app.Post("/-/sites/:name/install", withSite(registry, func(c fiber.Ctx, route *server.SiteRoute) error {
		report, err := route.Lifecycle.Install(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "install_failed", "detail": err.Error()})
		}
		failed := make([]failurePayload, 0, len(report.Failed))
		for _, f := range report.Failed {
			failed = append(failed, failurePayload{Asset: f.Asset, Error: f.Err.Error()})
		}
		return c.JSON(fiber.Map{
			"site":        route.Config.Name,
			"generation":  route.Config.Version,
			"state":       route.Lifecycle.State(),
			"stored":      report.Stored,
			"failed":      failed,
			"duration_ms": report.Duration.Milliseconds(),
		})
	}))

	app.Post("/-/sites/:name/activate", withSite(registry, func(c fiber.Ctx, route *server.SiteRoute) error {
		if err := route.Lifecycle.Activate(c.Context()); err != nil {
			if errors.Is(err, lifecycle.ErrNotInstalled) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "generation_not_installed"})
			}
			// generation 回收部分失败时站点仍已激活
			return c.Status(fiber.StatusMultiStatus).JSON(fiber.Map{
				"error":  "activate_gc_partial",
				"detail": err.Error(),
				"status": route.Lifecycle.Status(),
			})
		}
		return c.JSON(route.Lifecycle.Status())
	}))
}

// withSite 解析 :name 参数，站点不存在时直接返回 404。
func withSite(registry *server.SiteRegistry, next func(fiber.Ctx, *server.SiteRoute) error) fiber.Handler {
	return func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "site_name_required"})
		}
		route, ok := registry.Site(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		return next(c, route)
	}
}

type sitePayload struct {
	Name         string           `json:"name"`
	Domain       string           `json:"domain"`
	Upstream     string           `json:"upstream"`
	CrossOrigins []string         `json:"cross_origins,omitempty"`
	Version      string           `json:"version"`
	Assets       []string         `json:"assets"`
	AuthMode     string           `json:"auth_mode"`
	Namespace    string           `json:"namespace"`
	Codec        string           `json:"codec"`
	Policy       policyPayload    `json:"policy"`
	Lifecycle    lifecycle.Status `json:"lifecycle"`
}

type policyPayload struct {
	Profile             string   `json:"profile"`
	Static              string   `json:"static"`
	Dynamic             string   `json:"dynamic"`
	DynamicPatterns     []string `json:"dynamic_patterns"`
	CacheOpaque         bool     `json:"cache_opaque"`
	FallbackOnHTTPError bool     `json:"fallback_on_http_error"`
	NavigationFallback  string   `json:"navigation_fallback"`
	MaxEntrySize        int64    `json:"max_entry_size"`
}

type generationPayload struct {
	ID        string `json:"id"`
	Current   bool   `json:"current"`
	Installed bool   `json:"installed"`
}

type failurePayload struct {
	Asset string `json:"asset"`
	Error string `json:"error"`
}

type profilePayload struct {
	Key                 string   `json:"key"`
	Description         string   `json:"description"`
	Static              string   `json:"static"`
	Dynamic             string   `json:"dynamic"`
	DynamicPatterns     []string `json:"dynamic_patterns"`
	CacheOpaque         bool     `json:"cache_opaque"`
	FallbackOnHTTPError bool     `json:"fallback_on_http_error"`
	NavigationFallback  string   `json:"navigation_fallback"`
}

func encodeSite(route *server.SiteRoute) sitePayload {
	cfg := route.Config
	return sitePayload{
		Name:         cfg.Name,
		Domain:       cfg.Domain,
		Upstream:     cfg.Upstream,
		CrossOrigins: cfg.CrossOrigins,
		Version:      cfg.Version,
		Assets:       cfg.Assets,
		AuthMode:     cfg.AuthMode(),
		Namespace:    route.Store.Namespace(),
		Codec:        route.Store.Codec(),
		Policy: policyPayload{
			Profile:             route.Policy.Profile,
			Static:              string(route.Policy.Static),
			Dynamic:             string(route.Policy.Dynamic),
			DynamicPatterns:     route.Policy.PatternStrings(),
			CacheOpaque:         route.Policy.CacheOpaque,
			FallbackOnHTTPError: route.Policy.FallbackOnHTTPError,
			NavigationFallback:  route.Policy.NavigationFallback,
			MaxEntrySize:        route.MaxEntrySize,
		},
		Lifecycle: route.Lifecycle.Status(),
	}
}

func encodeProfiles(profiles []strategy.Profile) []profilePayload {
	result := make([]profilePayload, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, profilePayload{
			Key:                 p.Key,
			Description:         p.Description,
			Static:              string(p.Static),
			Dynamic:             string(p.Dynamic),
			DynamicPatterns:     p.DynamicPatterns,
			CacheOpaque:         p.CacheOpaque,
			FallbackOnHTTPError: p.FallbackOnHTTPError,
			NavigationFallback:  p.NavigationFallback,
		})
	}
	return result
}
