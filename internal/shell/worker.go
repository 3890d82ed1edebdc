// Package shell implements the offline app-shell worker: three independent
// lifecycle handlers (Install, Activate, Fetch) over a named cache storage
// and a network fetch primitive. Handlers share no mutable state; everything
// persistent lives in cache.Storage and configuration is fixed at startup.
package shell

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
	"github.com/any-hub/shellcache/internal/network"
)

// Host 是宿主运行时提供的生命周期能力。
type Host interface {
	// SkipWaiting 通知宿主：安装完成后无需等待旧客户端关闭，立即激活。
	SkipWaiting(ctx context.Context) error
	// ClaimClients 让当前 worker 立即接管所有已打开的客户端。
	ClaimClients(ctx context.Context) error
}

// Network 是宿主提供的网络 fetch 原语，只有传输失败才返回 error。
type Network interface {
	Do(ctx context.Context, req network.Request) (*cache.Response, error)
}

// Config 是 worker 的静态配置，启动时构建一次，之后只读。
type Config struct {
	Version     string
	CachePrefix string
	// Assets 为预缓存资源，相对路径基于 Origin 解析。
	Assets           []string
	FallbackDocument string
	Origin           *url.URL
	// OfflineStatus 为 0 时，非导航请求离线失败直接返回 ErrNetworkUnavailable。
	OfflineStatus int
}

// ConfigFrom 从加载后的配置构造 worker 配置。
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Version:          cfg.Shell.Version,
		CachePrefix:      cfg.Shell.CachePrefix,
		Assets:           append([]string(nil), cfg.Shell.Assets...),
		FallbackDocument: cfg.Shell.FallbackDocument,
		Origin:           cfg.OriginURL(),
		OfflineStatus:    cfg.Shell.OfflineStatus,
	}
}

// CacheName 返回当前版本的缓存名。
func (c Config) CacheName() string {
	return c.CachePrefix + c.Version
}

// Resolve 将资源地址解析为绝对 URL：相对路径基于 Origin，绝对地址原样返回。
func (c Config) Resolve(raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", raw, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if c.Origin == nil {
		return "", fmt.Errorf("resolve %q: origin not configured", raw)
	}
	return c.Origin.ResolveReference(ref).String(), nil
}

// Options 注入 worker 依赖。
type Options struct {
	Config  Config
	Storage cache.Storage
	Network Network
	Host    Host
	Logger  *logrus.Logger
	Metrics *metrics.Collectors
}

// Worker 持有三个生命周期处理函数所需的宿主能力。
type Worker struct {
	cfg     Config
	storage cache.Storage
	network Network
	host    Host
	logger  *logrus.Logger
	metrics *metrics.Collectors
	writer  *cache.BackgroundWriter
}

// New 校验依赖并构造 worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Host == nil {
		return nil, errors.New("host is required")
	}
	if err := cache.ValidateName(opts.Config.CacheName()); err != nil {
		return nil, fmt.Errorf("cache name %q: %w", opts.Config.CacheName(), err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	w := &Worker{
		cfg:     opts.Config,
		storage: opts.Storage,
		network: opts.Network,
		host:    opts.Host,
		logger:  logger,
		metrics: opts.Metrics,
	}
	w.writer = cache.NewBackgroundWriter(opts.Storage, w.onBackgroundPut)
	return w, nil
}

// Config 返回 worker 的静态配置副本。
func (w *Worker) Config() Config {
	return w.cfg
}

// Wait 阻塞直到所有后台缓存写入完成，用于优雅退出与测试。
func (w *Worker) Wait() {
	w.writer.Wait()
}

func (w *Worker) lifecycleFields(event string) logrus.Fields {
	return logging.LifecycleFields(event, w.cfg.CacheName(), w.cfg.Version)
}

func (w *Worker) onBackgroundPut(result cache.WriteResult) {
	w.metrics.RecordBackgroundPut(result.Err)
	fields := logrus.Fields{
		"action": "cache_put",
		"cache":  result.CacheName,
		"key":    result.Key.String(),
	}
	if result.Err != nil {
		w.logger.WithFields(fields).WithError(result.Err).Warn("后台写入缓存失败")
		return
	}
	w.logger.WithFields(fields).Debug("后台写入缓存完成")
}
