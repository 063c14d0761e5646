package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/logging"
	"github.com/offcache/offcache/internal/precache"
)

// State 是站点缓存所处阶段。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateWaiting    State = "waiting"
	StateActive     State = "active"
)

// ErrNotInstalled 表示当前 generation 尚未完成安装，不能激活。
var ErrNotInstalled = errors.New("generation not installed")

// Warmer 抽象 precache，便于测试注入。
type Warmer interface {
	Warm(ctx context.Context, gen cache.Generation, assets []string) precache.Report
}

// Options 配置单个站点的 Controller。
type Options struct {
	Site          string
	Version       string
	Assets        []string
	Store         *cache.VersionedStore
	Warmer        Warmer
	EagerTakeover bool
	ClaimClients  bool
	IdleTimeout   time.Duration
	Logger        *logrus.Logger
}

type session struct {
	controlled bool
	lastSeen   time.Time
}

// Controller 管理一个站点的 generation 生命周期与客户端会话。
type Controller struct {
	opts   Options
	logger *logrus.Logger
	now    func() time.Time

	// installMu 串行化 Install/Activate，mu 只保护下方状态字段。
	installMu sync.Mutex

	mu          sync.Mutex
	state       State
	gen         cache.Generation
	installedAt time.Time
	activatedAt time.Time
	lastReport  *precache.Report
	lastErr     error
	clients     map[string]*session
	observed    int
	activated   chan struct{}
}

// New 构造 Controller。
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if opts.Warmer == nil {
		return nil, errors.New("warmer required")
	}
	if err := cache.ParseGenerationID(opts.Version); err != nil {
		return nil, err
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Controller{
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		state:     StateIdle,
		gen:       cache.Generation{Site: opts.Store.Namespace(), ID: opts.Version},
		clients:   make(map[string]*session),
		activated: make(chan struct{}),
	}, nil
}

// Run 执行 Start，若进入 waiting 则阻塞等待客户端空闲后激活。
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	if c.State() == StateWaiting {
		return c.WaitForIdle(ctx)
	}
	return nil
}

// Start 在当前版本首次出现时安装，否则直接激活。
func (c *Controller) Start(ctx context.Context) error {
	installed, err := c.opts.Store.IsInstalled(ctx, c.opts.Version)
	if err != nil {
		c.recordErr(err)
		return err
	}
	if !installed {
		_, err := c.Install(ctx)
		return err
	}

	c.mu.Lock()
	if c.state == StateIdle {
		c.state = StateWaiting
	}
	c.mu.Unlock()
	return c.Activate(ctx)
}

// Install 打开当前 generation、预热资源并标记安装完成。
// 单个资源失败不会导致安装失败；EagerTakeover 时安装后立即激活。
func (c *Controller) Install(ctx context.Context) (precache.Report, error) {
	c.installMu.Lock()
	c.mu.Lock()
	// 已激活的站点重新预热时保持 active，避免请求短暂绕过缓存
	if c.state != StateActive {
		c.state = StateInstalling
	}
	c.mu.Unlock()

	report, err := c.install(ctx)
	c.installMu.Unlock()
	if err != nil {
		c.mu.Lock()
		if c.state == StateInstalling {
			c.state = StateIdle
		}
		c.lastErr = err
		c.mu.Unlock()
		return report, err
	}

	if c.opts.EagerTakeover {
		if err := c.Activate(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (c *Controller) install(ctx context.Context) (precache.Report, error) {
	fields := logging.LifecycleFields("install", c.opts.Site, c.opts.Version)
	gen, err := c.opts.Store.Open(ctx, c.opts.Version)
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Error("install_open_failed")
		return precache.Report{}, err
	}

	report := c.opts.Warmer.Warm(ctx, gen, c.opts.Assets)
	if err := c.opts.Store.MarkInstalled(ctx, gen); err != nil {
		c.logger.WithFields(fields).WithError(err).Error("install_mark_failed")
		return report, err
	}

	c.mu.Lock()
	c.gen = gen
	if c.state != StateActive {
		c.state = StateWaiting
	}
	c.installedAt = c.now()
	c.lastReport = &report
	c.lastErr = nil
	c.mu.Unlock()

	fields["stored"] = len(report.Stored)
	fields["failed"] = len(report.Failed)
	c.logger.WithFields(fields).Info("install_complete")
	return report, nil
}

// Activate 删除除当前版本外的所有 generation，并按 ClaimClients 接管已打开会话。
// 单个 generation 删除失败不会阻止激活，错误通过 errors.Join 汇总返回。
func (c *Controller) Activate(ctx context.Context) error {
	c.installMu.Lock()
	defer c.installMu.Unlock()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateWaiting && state != StateActive {
		return fmt.Errorf("activate %s: %w", c.opts.Version, ErrNotInstalled)
	}

	_, pruneErr := c.Prune(ctx)

	c.mu.Lock()
	first := c.state != StateActive
	c.state = StateActive
	if first {
		c.activatedAt = c.now()
		close(c.activated)
	}
	claimed := 0
	if c.opts.ClaimClients {
		for _, s := range c.clients {
			if !s.controlled {
				s.controlled = true
				claimed++
			}
		}
	}
	c.lastErr = pruneErr
	c.mu.Unlock()

	fields := logging.LifecycleFields("activate", c.opts.Site, c.opts.Version)
	fields["claimed"] = claimed
	entry := c.logger.WithFields(fields)
	if pruneErr != nil {
		entry.WithError(pruneErr).Warn("activate_gc_partial")
	} else {
		entry.Info("activate_complete")
	}
	return pruneErr
}

// Prune 删除当前版本以外的全部 generation，返回成功删除的名称。
func (c *Controller) Prune(ctx context.Context) ([]string, error) {
	ids, err := c.opts.Store.ListGenerationIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		deleted []string
		errs    []error
	)
	for _, id := range ids {
		if id == c.opts.Version {
			continue
		}
		if err := c.opts.Store.Delete(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, id)
		c.logger.WithFields(logging.LifecycleFields("gc", c.opts.Site, id)).Info("generation_deleted")
	}
	return deleted, errors.Join(errs...)
}

// Observe 记录一次客户端请求并返回该会话是否受控，以及受控时使用的 generation。
// 激活前所有会话都不受控；激活后首次出现的会话视为通过导航进入，直接受控；
// 激活前已存在且未被接管的会话在下一次导航时才转为受控。
func (c *Controller) Observe(clientID string, navigate bool) (bool, cache.Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s, known := c.clients[clientID]
	if !known {
		s = &session{}
		c.clients[clientID] = s
	}
	s.lastSeen = now

	c.observed++
	if c.observed%256 == 0 {
		c.sweepLocked(now)
	}

	if c.state != StateActive {
		return false, cache.Generation{}
	}
	if !known || navigate {
		s.controlled = true
	}
	return s.controlled, c.gen
}

// sweepLocked 回收长时间无请求的会话。
func (c *Controller) sweepLocked(now time.Time) {
	horizon := c.opts.IdleTimeout * 10
	if horizon < time.Hour {
		horizon = time.Hour
	}
	for id, s := range c.clients {
		if now.Sub(s.lastSeen) > horizon {
			delete(c.clients, id)
		}
	}
}

// WaitForIdle 在 waiting 状态下轮询，所有会话空闲超过 IdleTimeout 后激活。
// 已激活时立即返回；外部触发的激活同样会让其返回。
func (c *Controller) WaitForIdle(ctx context.Context) error {
	interval := c.opts.IdleTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.activated:
			return nil
		case <-ticker.C:
			if c.allIdle() {
				return c.Activate(ctx)
			}
		}
	}
}

func (c *Controller) allIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateWaiting {
		return false
	}
	now := c.now()
	for _, s := range c.clients {
		if now.Sub(s.lastSeen) < c.opts.IdleTimeout {
			return false
		}
	}
	return true
}

// State 返回当前阶段。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation 返回当前版本对应的 generation。
func (c *Controller) Generation() cache.Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Status 是诊断输出使用的快照。
type Status struct {
	Site        string     `json:"site"`
	Version     string     `json:"version"`
	State       State      `json:"state"`
	InstalledAt *time.Time `json:"installed_at,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	Clients     int        `json:"clients"`
	Controlled  int        `json:"controlled"`
	Stored      int        `json:"precache_stored"`
	Failed      []string   `json:"precache_failed,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Status 返回状态快照。
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Site:    c.opts.Site,
		Version: c.opts.Version,
		State:   c.state,
		Clients: len(c.clients),
	}
	if !c.installedAt.IsZero() {
		t := c.installedAt
		status.InstalledAt = &t
	}
	if !c.activatedAt.IsZero() {
		t := c.activatedAt
		status.ActivatedAt = &t
	}
	for _, s := range c.clients {
		if s.controlled {
			status.Controlled++
		}
	}
	if c.lastReport != nil {
		status.Stored = len(c.lastReport.Stored)
		for _, f := range c.lastReport.Failed {
			status.Failed = append(status.Failed, f.Asset)
		}
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

func (c *Controller) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
