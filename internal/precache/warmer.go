package precache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/offcache/offcache/internal/cache"
	"github.com/offcache/offcache/internal/fetch"
)

const defaultConcurrency = 4

// Options 配置 Warmer。Origin 用于把站点相对路径解析为上游绝对 URL。
type Options struct {
	Fetcher      fetch.Fetcher
	Store        *cache.VersionedStore
	Origin       *url.URL
	Concurrency  int
	MaxEntrySize int64
	Logger       *logrus.Logger
}

// Failure 记录单个资源失败原因。
type Failure struct {
	Asset string
	Err   error
}

// Report 汇总一次 Warm 的结果，Stored 与 Failed 按资源清单顺序排列。
type Report struct {
	Stored   []string
	Failed   []Failure
	Duration time.Duration
}

// Warmer 负责 precache 流程。
type Warmer struct {
	fetcher      fetch.Fetcher
	store        *cache.VersionedStore
	origin       *url.URL
	concurrency  int
	maxEntrySize int64
	logger       *logrus.Logger
	now          func() time.Time
}

// NewWarmer 构造 Warmer。
func NewWarmer(opts Options) (*Warmer, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("precache fetcher required")
	}
	if opts.Store == nil {
		return nil, cache.ErrStoreUnavailable
	}
	if opts.Origin == nil {
		return nil, fmt.Errorf("precache origin required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Warmer{
		fetcher:      opts.Fetcher,
		store:        opts.Store,
		origin:       opts.Origin,
		concurrency:  concurrency,
		maxEntrySize: opts.MaxEntrySize,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Warm 拉取 assets 并写入 gen。所有请求结束后才返回；空清单直接成功。
func (w *Warmer) Warm(ctx context.Context, gen cache.Generation, assets []string) Report {
	start := w.now()
	if len(assets) == 0 {
		return Report{}
	}

	results := make([]error, len(assets))
	var group errgroup.Group
	group.SetLimit(w.concurrency)

	for i, asset := range assets {
		group.Go(func() error {
			// 返回 nil 保证一个资源失败不会取消其他任务
			results[i] = w.warmOne(ctx, gen, asset)
			return nil
		})
	}
	_ = group.Wait()

	var report Report
	for i, asset := range assets {
		if results[i] != nil {
			report.Failed = append(report.Failed, Failure{Asset: asset, Err: results[i]})
			continue
		}
		report.Stored = append(report.Stored, asset)
	}
	report.Duration = w.now().Sub(start)

	w.logger.WithFields(logrus.Fields{
		"action":     "precache",
		"site":       gen.Site,
		"generation": gen.ID,
		"stored":     len(report.Stored),
		"failed":     len(report.Failed),
		"elapsed_ms": report.Duration.Milliseconds(),
	}).Info("precache_complete")
	return report
}

func (w *Warmer) warmOne(ctx context.Context, gen cache.Generation, asset string) error {
	req, err := w.buildRequest(asset)
	if err != nil {
		w.logFailure(gen, asset, err)
		return err
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		w.logFailure(gen, asset, err)
		return err
	}
	if !resp.OK() {
		err := fmt.Errorf("unexpected status %d", resp.Status)
		w.logFailure(gen, asset, err)
		return err
	}
	if w.maxEntrySize > 0 && int64(len(resp.Body)) > w.maxEntrySize {
		err := fmt.Errorf("body size %d exceeds limit %d", len(resp.Body), w.maxEntrySize)
		w.logFailure(gen, asset, err)
		return err
	}

	if err := w.store.Put(ctx, gen, cache.IdentityOf(req), cache.Snapshot(resp, w.now())); err != nil {
		w.logFailure(gen, asset, err)
		return err
	}
	return nil
}

// buildRequest 将站点相对路径解析到 Origin，绝对 URL（CDN）原样使用。
func (w *Warmer) buildRequest(asset string) (*fetch.Request, error) {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return nil, fmt.Errorf("empty asset")
	}
	ref, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse asset: %w", err)
	}
	target := w.origin.ResolveReference(ref)
	req, err := fetch.NewRequest(http.MethodGet, target.String())
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (w *Warmer) logFailure(gen cache.Generation, asset string, err error) {
	w.logger.WithFields(logrus.Fields{
		"action":     "precache",
		"site":       gen.Site,
		"generation": gen.ID,
		"asset":      asset,
		"error":      err.Error(),
	}).Warn("precache_asset_failed")
}

