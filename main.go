package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/formqrapp/pwa-shell/internal/cache"
	"github.com/formqrapp/pwa-shell/internal/config"
	"github.com/formqrapp/pwa-shell/internal/lifecycle"
	"github.com/formqrapp/pwa-shell/internal/logging"
	"github.com/formqrapp/pwa-shell/internal/proxy"
	"github.com/formqrapp/pwa-shell/internal/server"
	"github.com/formqrapp/pwa-shell/internal/server/routes"
	"github.com/formqrapp/pwa-shell/internal/strategy"
	"github.com/formqrapp/pwa-shell/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	watch       bool
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
		fields["app"] = cfg.App.Name
		fields["static_cache"] = cfg.App.StaticCacheName()
		fields["manifest"] = len(cfg.App.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 缓存存储 → 上游 client → 安装并激活 worker → Fiber server。
	// 安装失败不阻止服务启动，此时所有请求直接走网络。
	storage, err := buildStorage(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	registration := lifecycle.NewRegistration(logger)
	deployer := &deployer{
		storage:      storage,
		fetcher:      httpClient,
		registration: registration,
		logger:       logger,
	}
	deployer.current.Store(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = deployer.install(ctx, cfg)

	if opts.watch {
		if err := config.Watch(opts.configPath, deployer.onConfigChange(ctx), deployer.onConfigError); err != nil {
			fmt.Fprintf(stdErr, "监听配置失败: %v\n", err)
			return 1
		}
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["app"] = cfg.App.Name
	fields["origin"] = cfg.App.Origin
	fields["static_cache"] = cfg.App.StaticCacheName()
	fields["runtime_cache"] = cfg.App.RuntimeCacheName()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	err = startHTTPServer(ctx, cfg, deployer, logger)
	registration.Close()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pwa-shell", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
		watch      bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PWA_SHELL_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&watch, "watch", false, "监听配置文件，App 版本变化时安装新 worker")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PWA_SHELL_CONFIG")
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
		watch:       watch,
	}, nil
}

func buildStorage(cfg *config.Config) (cache.Storage, error) {
	if cfg.Global.StorageDriver == config.StorageDriverMemory {
		return cache.NewMemoryStorage(), nil
	}
	return cache.NewDiskStorage(cfg.Global.StoragePath)
}

// deployer 负责把配置转换为 worker 并交给 Registration 安装激活。
type deployer struct {
	storage      cache.Storage
	fetcher      strategy.Fetcher
	registration *lifecycle.Registration
	logger       *logrus.Logger
	current      atomic.Pointer[config.Config]
}

func (d *deployer) install(ctx context.Context, cfg *config.Config) error {
	opts, err := lifecycle.OptionsFromConfig(cfg, d.storage, d.fetcher, d.logger)
	if err != nil {
		return err
	}
	worker, err := lifecycle.NewWorker(opts)
	if err != nil {
		return err
	}
	return d.registration.Update(ctx, worker)
}

// update 按当前配置重新安装，供 /-/worker/update 调用。
func (d *deployer) update(ctx context.Context) error {
	return d.install(ctx, d.current.Load())
}

func (d *deployer) onConfigChange(ctx context.Context) func(*config.Config) {
	return func(next *config.Config) {
		prev := d.current.Load()
		fields := logging.BaseFields("config_reload", "")
		fields["static_cache"] = next.App.StaticCacheName()
		if prev != nil && !sameRouting(prev, next) {
			d.logger.WithFields(fields).Warn("routing settings changed, restart required to apply them")
		}
		if prev != nil && prev.App.StaticCacheName() == next.App.StaticCacheName() {
			d.current.Store(next)
			if !sameAssets(prev, next) {
				d.logger.WithFields(fields).Warn("manifest changed without a version bump, bump App.Version to reinstall")
				return
			}
			d.logger.WithFields(fields).Info("config reloaded, version unchanged")
			return
		}
		d.current.Store(next)
		if err := d.install(ctx, next); err == nil {
			d.logger.WithFields(fields).Info("config reloaded, new worker active")
		}
	}
}

func (d *deployer) onConfigError(err error) {
	d.logger.WithError(err).WithFields(logging.BaseFields("config_reload", "")).Warn("config reload rejected")
}

func sameRouting(a, b *config.Config) bool {
	return a.Global.ListenPort == b.Global.ListenPort &&
		a.App.Origin == b.App.Origin &&
		a.App.Domain == b.App.Domain &&
		equalStrings(a.App.AllowHosts, b.App.AllowHosts) &&
		equalStrings(a.App.ExcludePatterns, b.App.ExcludePatterns)
}

// sameAssets 比较决定静态缓存内容的设置。
func sameAssets(a, b *config.Config) bool {
	return a.App.OfflinePage == b.App.OfflinePage &&
		equalStrings(a.App.Manifest, b.App.Manifest)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func startHTTPServer(ctx context.Context, cfg *config.Config, d *deployer, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	resolver, err := server.NewResolver(cfg)
	if err != nil {
		return err
	}
	handler := proxy.NewHandler(d.fetcher, d.registration, logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Resolver:   resolver,
		Proxy:      proxy.NewForwarder(handler.Handlers(), logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, d.registration, d.storage, d.update)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
