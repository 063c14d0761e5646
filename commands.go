package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gofiber/fiber/v3"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/config"
	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/proxy"
	"github.com/offcache/offcache/internal/server"
	"github.com/offcache/offcache/internal/server/routes"
	"github.com/offcache/offcache/internal/version"
)

// openRuntime 遵循“配置 → 存储后端 → 编解码器 → SiteRegistry”顺序，
// 保证所有站点共享同一个后端连接与上游 http.Client。
func openRuntime(cfg *config.Config, logger *logrus.Logger) (*server.SiteRegistry, cache.Backend, error) {
	backend, err := cache.OpenBackend(cfg.Global.BackendOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("初始化存储后端失败: %w", err)
	}
	codec, err := cache.NewCodec(cfg.Global.Codec, cfg.Global.Compress, cfg.Global.CodecDecodeLimit())
	if err != nil {
		_ = backend.Close()
		return nil, nil, fmt.Errorf("初始化编解码器失败: %w", err)
	}
	registry, err := server.NewSiteRegistry(cfg, server.SiteDeps{
		Backend: backend,
		Codec:   codec,
		Client:  server.NewUpstreamClient(cfg),
		Logger:  logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, nil, fmt.Errorf("构建站点注册表失败: %w", err)
	}
	return registry, backend, nil
}

var errUnknownSite = errors.New("unknown site")

func selectSites(registry *server.SiteRegistry, name string) ([]*server.SiteRoute, error) {
	if name == "" {
		return registry.List(), nil
	}
	route, ok := registry.Site(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownSite, name)
	}
	return []*server.SiteRoute{route}, nil
}

func runServe(cfg *config.Config, logger *logrus.Logger, opts cliOptions) int {
	registry, backend, err := openRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	defer backend.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["codec"] = cfg.Global.Codec
	fields["credentials"] = config.CredentialModes(cfg.Sites)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	err = serveWithLifecycles(ctx, registry.RunLifecycles, func(ctx context.Context) error {
		return startHTTPServer(ctx, cfg, registry, logger)
	})
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// serveWithLifecycles 在后台运行站点生命周期，serve 返回后取消并等待其结束，
// 保证 backend 关闭前不再有安装或清理写入。
func serveWithLifecycles(ctx context.Context, lifecycles func(context.Context), serve func(context.Context) error) error {
	lifecycleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		lifecycles(lifecycleCtx)
	}()

	err := serve(ctx)
	cancel()
	<-done
	return err
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), logger),
		ListenPort: port,
		Diagnostics: func(app *fiber.App) {
			routes.RegisterSiteRoutes(app, registry)
		},
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("收到退出信号，停止 Fiber 服务")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// runGenerations 以表格输出每个站点的 generation，当前版本绿色标记，待回收版本黄色标记。
func runGenerations(cfg *config.Config, logger *logrus.Logger, opts cliOptions) int {
	registry, backend, err := openRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	defer backend.Close()

	sites, err := selectSites(registry, opts.site)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	ctx := context.Background()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	var data [][]string
	for _, route := range sites {
		ids, err := route.Store.ListGenerationIDs(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "读取站点 %s 的 generation 失败: %v\n", route.Config.Name, err)
			return 1
		}
		sort.Strings(ids)
		seenCurrent := false
		for _, id := range ids {
			installed, _ := route.Store.IsInstalled(ctx, id)
			status := yellow("stale")
			if id == route.Config.Version {
				status = green("current")
				seenCurrent = true
			}
			data = append(data, []string{route.Config.Name, id, strconv.FormatBool(installed), status})
		}
		if !seenCurrent {
			data = append(data, []string{route.Config.Name, route.Config.Version, "false", red("missing")})
		}
	}

	table := tablewriter.NewWriter(stdOut)
	table.Header([]string{"Site", "Generation", "Installed", "Status"})
	if err := table.Bulk(data); err != nil {
		fmt.Fprintf(stdErr, "渲染表格失败: %v\n", err)
		return 1
	}
	if err := table.Render(); err != nil {
		fmt.Fprintf(stdErr, "渲染表格失败: %v\n", err)
		return 1
	}
	return 0
}

// runWarm 只执行 install：预热并标记当前 generation，激活留给下一次 serve 或诊断接口。
func runWarm(cfg *config.Config, logger *logrus.Logger, opts cliOptions) int {
	eager := false
	for i := range cfg.Sites {
		cfg.Sites[i].EagerTakeover = &eager
	}

	registry, backend, err := openRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	defer backend.Close()

	sites, err := selectSites(registry, opts.site)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	var data [][]string
	for _, route := range sites {
		report, err := route.Lifecycle.Install(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "站点 %s 预热失败: %v\n", route.Config.Name, err)
			exitCode = 1
			continue
		}
		failed := make([]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			failed = append(failed, f.Asset)
		}
		data = append(data, []string{
			route.Config.Name,
			route.Config.Version,
			strconv.Itoa(len(report.Stored)),
			strings.Join(failed, ", "),
			report.Duration.Round(time.Millisecond).String(),
		})
	}

	table := tablewriter.NewWriter(stdOut)
	table.Header([]string{"Site", "Generation", "Stored", "Failed", "Duration"})
	if err := table.Bulk(data); err == nil {
		_ = table.Render()
	}
	return exitCode
}

// runPrune 删除各站点当前版本以外的 generation，单个失败不会中断其他站点。
func runPrune(cfg *config.Config, logger *logrus.Logger, opts cliOptions) int {
	registry, backend, err := openRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	defer backend.Close()

	sites, err := selectSites(registry, opts.site)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	ctx := context.Background()
	exitCode := 0
	var data [][]string
	for _, route := range sites {
		deleted, err := route.Lifecycle.Prune(ctx)
		if err != nil {
			fmt.Fprintf(stdErr, "站点 %s 回收失败: %v\n", route.Config.Name, err)
			exitCode = 1
		}
		data = append(data, []string{route.Config.Name, route.Config.Version, strings.Join(deleted, ", ")})
	}

	table := tablewriter.NewWriter(stdOut)
	table.Header([]string{"Site", "Kept", "Deleted"})
	if err := table.Bulk(data); err == nil {
		_ = table.Render()
	}
	return exitCode
}

// printVersion 输出注入的版本、提交信息以及上游请求使用的 User-Agent。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	fmt.Fprintf(stdOut, "user-agent: %s\n", version.UserAgent())
}
