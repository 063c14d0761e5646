package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/config"
	"github.com/offcache/offcache/internal/lifecycle"
	"github.com/offcache/offcache/internal/server"
)

func TestSitesListIncludesPolicyAndLifecycle(t *testing.T) {
	app, _ := newDiagnosticsApp(t, true)

	resp := doRequest(t, app, http.MethodGet, "/-/sites")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		Sites []sitePayload `json:"sites"`
	}
	decodeBody(t, resp, &payload)
	if len(payload.Sites) != 1 {
		t.Fatalf("expected one site, got %d", len(payload.Sites))
	}
	site := payload.Sites[0]
	if site.Name != "kraft" || site.Version != "kraft-v5" {
		t.Fatalf("unexpected site payload: %+v", site)
	}
	if site.Policy.Profile != "network-first" || site.Policy.NavigationFallback != "/" {
		t.Fatalf("unexpected policy: %+v", site.Policy)
	}
	if site.Codec != "msgpack" || site.Namespace != "kraft" {
		t.Fatalf("store details missing: codec=%q namespace=%q", site.Codec, site.Namespace)
	}
	if site.Lifecycle.State != lifecycle.StateIdle {
		t.Fatalf("expected idle lifecycle, got %s", site.Lifecycle.State)
	}
}

func TestSiteNotFound(t *testing.T) {
	app, _ := newDiagnosticsApp(t, true)

	resp := doRequest(t, app, http.MethodGet, "/-/sites/missing")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestInstallThenGenerations(t *testing.T) {
	app, registry := newDiagnosticsApp(t, true)
	route, _ := registry.Site("kraft")

	// 预先放入一个旧 generation，激活后应被回收
	if _, err := route.Store.Open(context.Background(), "kraft-v4"); err != nil {
		t.Fatalf("open old generation: %v", err)
	}

	resp := doRequest(t, app, http.MethodPost, "/-/sites/kraft/install")
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var report struct {
		State  lifecycle.State `json:"state"`
		Stored []string        `json:"stored"`
	}
	decodeBody(t, resp, &report)
	if report.State != lifecycle.StateActive {
		t.Fatalf("eager takeover should activate after install, got %s", report.State)
	}
	if len(report.Stored) != 2 {
		t.Fatalf("expected 2 stored assets, got %v", report.Stored)
	}

	resp = doRequest(t, app, http.MethodGet, "/-/sites/kraft/generations")
	var gens struct {
		Current     string              `json:"current"`
		Generations []generationPayload `json:"generations"`
	}
	decodeBody(t, resp, &gens)
	if gens.Current != "kraft-v5" {
		t.Fatalf("unexpected current: %s", gens.Current)
	}
	if len(gens.Generations) != 1 || gens.Generations[0].ID != "kraft-v5" || !gens.Generations[0].Installed {
		t.Fatalf("expected only installed kraft-v5 after activation, got %+v", gens.Generations)
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	app, _ := newDiagnosticsApp(t, false)

	resp := doRequest(t, app, http.MethodPost, "/-/sites/kraft/activate")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409 before install, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, http.MethodPost, "/-/sites/kraft/install")
	var report struct {
		State lifecycle.State `json:"state"`
	}
	decodeBody(t, resp, &report)
	if report.State != lifecycle.StateWaiting {
		t.Fatalf("non-eager install should wait, got %s", report.State)
	}

	resp = doRequest(t, app, http.MethodPost, "/-/sites/kraft/activate")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on activate, got %d", resp.StatusCode)
	}
	var status lifecycle.Status
	decodeBody(t, resp, &status)
	if status.State != lifecycle.StateActive {
		t.Fatalf("expected active, got %s", status.State)
	}
}

func TestProfilesEndpoint(t *testing.T) {
	app, _ := newDiagnosticsApp(t, true)

	resp := doRequest(t, app, http.MethodGet, "/-/profiles")
	var payload struct {
		Default  string           `json:"default"`
		Profiles []profilePayload `json:"profiles"`
	}
	decodeBody(t, resp, &payload)
	if payload.Default != "network-first" {
		t.Fatalf("unexpected default profile: %s", payload.Default)
	}
	keys := map[string]bool{}
	for _, p := range payload.Profiles {
		keys[p.Key] = true
	}
	for _, want := range []string{"network-first", "offline-first", "static-shell"} {
		if !keys[want] {
			t.Fatalf("profile %s missing from %v", want, keys)
		}
	}
}

func newDiagnosticsApp(t *testing.T, eager bool) (*fiber.App, *server.SiteRegistry) {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:          5000,
			MaxEntrySize:        1 << 20,
			PrecacheConcurrency: 2,
			ClientIdleTimeout:   config.Duration(time.Minute),
		},
		Sites: []config.SiteConfig{
			{
				Name:          "kraft",
				Domain:        "kraft.local",
				Upstream:      upstream.URL,
				Version:       "kraft-v5",
				Assets:        []string{"/", "/index.html"},
				EagerTakeover: &eager,
			},
		},
	}

	codec, err := cache.NewCodec("msgpack", false, 0)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	backend := cache.NewMemoryBackend(cache.MemoryOptions{})
	t.Cleanup(func() { _ = backend.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry, err := server.NewSiteRegistry(cfg, server.SiteDeps{
		Backend: backend,
		Codec:   codec,
		Client:  upstream.Client(),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.Binding) error {
			return c.SendStatus(fiber.StatusNoContent)
		}),
		ListenPort: 5000,
		Diagnostics: func(app *fiber.App) {
			RegisterSiteRoutes(app, registry)
		},
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return app, registry
}

func doRequest(t *testing.T, app *fiber.App, method, path string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://diag.local"+path, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
