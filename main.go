package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/lifecycle"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/metrics"
	"github.com/any-hub/shellcache/internal/network"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/shell"
	"github.com/any-hub/shellcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache"] = cfg.Shell.CacheName()
		fields["assets"] = len(cfg.Shell.Assets)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 日志 → 缓存存储 → 网络客户端 → worker/运行时 → Fiber server”顺序。
	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.close(logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["cache"] = cfg.Shell.CacheName()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go svc.startLifecycle(ctx, logger)
	go shutdownOnDone(ctx, svc.app, logger)

	if err := startHTTPServer(svc.app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// services 持有进程内共享的组件实例。
type services struct {
	app     *fiber.App
	storage cache.Storage
	worker  *shell.Worker
	runtime *lifecycle.Runtime
}

func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	storage, err := cache.New(cache.Options{
		Driver:          cfg.Global.StorageDriver,
		Path:            cfg.Global.StoragePath,
		RedisAddr:       cfg.Global.RedisAddr,
		RedisDB:         cfg.Global.RedisDB,
		RedisPassword:   cfg.Global.RedisPassword,
		RedisNamespace:  cfg.Global.RedisNamespace,
		MemoryTierBytes: cfg.Global.MaxMemoryCache,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	httpClient := server.NewUpstreamClient(cfg)
	collectors := metrics.New()
	runtime := lifecycle.New(lifecycle.Options{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		Logger:         logger,
		Metrics:        collectors,
	})

	shellCfg := shell.ConfigFrom(cfg)
	worker, err := shell.New(shell.Options{
		Config:  shellCfg,
		Storage: storage,
		Network: network.NewClient(httpClient),
		Host:    runtime,
		Logger:  logger,
		Metrics: collectors,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	handler := proxy.NewHandler(httpClient, logger, shellCfg.Origin, worker, collectors)
	forwarder := proxy.NewForwarder(handler, handler.Passthrough(), runtime, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      forwarder,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Version:   shellCfg.Version,
		CacheName: shellCfg.CacheName(),
		Runtime:   runtime,
		Storage:   storage,
		Metrics:   collectors,
	})

	return &services{
		app:     app,
		storage: storage,
		worker:  worker,
		runtime: runtime,
	}, nil
}

// startLifecycle 在后台完成 install → activate，失败只记录日志，服务继续透传源站。
func (s *services) startLifecycle(ctx context.Context, logger *logrus.Logger) {
	err := s.runtime.Start(ctx, lifecycle.Handlers{
		Install:  s.worker.Install,
		Activate: s.worker.Activate,
	})
	fields := logrus.Fields{
		"action": "lifecycle",
		"state":  s.runtime.State(),
	}
	switch {
	case err == nil:
		logger.WithFields(fields).Info("worker 已激活")
	case errors.Is(err, context.Canceled):
		logger.WithFields(fields).Info("生命周期已取消")
	default:
		logger.WithFields(fields).WithError(err).Error("worker 激活失败，继续透传源站")
	}
}

func (s *services) close(logger *logrus.Logger) {
	s.worker.Wait()
	if err := s.storage.Close(); err != nil {
		logger.WithError(err).Warn("关闭缓存存储失败")
	}
}

type shutdowner interface {
	Shutdown() error
}

// shutdownOnDone 在 ctx 结束后关闭 HTTP 服务，失败只记录日志。
func shutdownOnDone(ctx context.Context, srv shutdowner, logger *logrus.Logger) {
	<-ctx.Done()
	if err := srv.Shutdown(); err != nil {
		logger.WithError(err).WithField("action", "shutdown").Warn("关闭 HTTP 服务失败")
	}
}

func startHTTPServer(app *fiber.App, port int, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
