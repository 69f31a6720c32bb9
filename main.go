package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/config"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/manifest"
	"github.com/asset-hub/asset-hub/internal/proxy"
	"github.com/asset-hub/asset-hub/internal/server"
	"github.com/asset-hub/asset-hub/internal/server/routes"
	"github.com/asset-hub/asset-hub/internal/version"
)

// shutdownTimeout 限制退出时等待进行中请求与后台下载的时间。
const shutdownTimeout = 30 * time.Second

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

	logger, logCloser, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	if opts.checkOnly {
		return checkConfig(cfg, opts.configPath, logger)
	}

	// CLI 启动遵循“配置 → 日志 → 缓存存储 → AppRegistry 安装 → Fiber server”顺序，
	// 保证请求到达前每个应用都已完成首次安装。
	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	registry, err := server.NewAppRegistry(server.RegistryOptions{
		Config:  cfg,
		Storage: store,
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建应用注册表失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.InstallAll(ctx); err != nil {
		// 单个应用安装失败不阻止启动，未激活的应用请求直接透传源站。
		logger.WithFields(logging.BaseFields("install", opts.configPath)).
			WithError(err).Warn("部分应用安装失败")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = len(cfg.Apps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["credentials"] = config.CredentialModes(cfg.Apps)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	if err := startHTTPServer(ctx, cfg, registry, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := registry.Close(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("等待后台任务超时")
	}
	return 0
}

// checkConfig 额外解析每个应用的 manifest，确保启动时不会因清单错误而无法安装。
func checkConfig(cfg *config.Config, configPath string, logger *logrus.Logger) int {
	fields := logging.BaseFields("check_config", configPath)
	fields["apps"] = len(cfg.Apps)
	fields["credentials"] = config.CredentialModes(cfg.Apps)

	resources := make(map[string]int, len(cfg.Apps))
	for _, app := range cfg.Apps {
		m, err := manifest.Load(app.Manifest)
		if err != nil {
			fields["result"] = "failed"
			fields["app"] = app.Name
			logger.WithFields(fields).WithError(err).Error("manifest 解析失败")
			fmt.Fprintf(stdErr, "应用 %s 的 manifest 无效: %v\n", app.Name, err)
			return 1
		}
		resources[app.Name] = m.Len()
	}

	fields["resources"] = resources
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("asset-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ASSET_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置与 manifest 后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ASSET_HUB_CONFIG")
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

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.AppRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterAppRoutes(app, registry, routes.RouteOptions{AdminToken: cfg.Global.AdminToken})

	go func() {
		<-ctx.Done()
		logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("Fiber 服务停止")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.ShutdownWithContext(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// printVersion 输出注入的版本 + 提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
