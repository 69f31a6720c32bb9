package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/config"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/manifest"
	"github.com/asset-hub/asset-hub/internal/synchronizer"
)

// AppRoute 将应用配置与派生属性（解析后的 Upstream/Proxy URL、上游客户端、
// 同步运行时）聚合在一起，供路由/代理层直接复用。
type AppRoute struct {
	// Config 是用户在 config.toml 中声明的 App 字段副本。
	Config config.AppConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Client 访问该应用源站，透传请求与同步器共用。
	Client *http.Client
	// Runtime 是该应用的信号分发器。
	Runtime *synchronizer.Runtime
}

// Origin 返回应用源站（scheme://host）。
func (r *AppRoute) Origin() string {
	return r.UpstreamURL.Scheme + "://" + r.UpstreamURL.Host
}

// RegistryOptions 描述构建 AppRegistry 所需依赖。
type RegistryOptions struct {
	Config  *config.Config
	Storage cache.Storage
	Logger  *logrus.Logger
}

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有应用共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	byName  map[string]*AppRoute
	ordered []*AppRoute
	logger  *logrus.Logger
}

// NewAppRegistry 根据配置构建 Host 映射并为每个应用创建 Runtime。调用方应在启动阶段创建一次并复用。
func NewAppRegistry(opts RegistryOptions) (*AppRegistry, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(cfg.Apps)),
		byName: make(map[string]*AppRoute, len(cfg.Apps)),
		logger: logger,
	}

	for _, app := range cfg.Apps {
		normalizedHost := normalizeDomain(app.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for app %s", app.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[app.Name]; exists {
			return nil, fmt.Errorf("duplicate app name %s", app.Name)
		}

		route, err := buildAppRoute(cfg, app, opts.Storage, logger)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[app.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Get 按应用名查找 AppRoute，供诊断接口使用。
func (r *AppRegistry) Get(name string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.TrimSpace(name)]
	return route, ok
}

// List 返回当前注册的 AppRoute 列表（按配置定义的顺序）。
func (r *AppRegistry) List() []*AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]*AppRoute, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// Install 从磁盘重新读取应用的 manifest 并作为新实例安装。
func (r *AppRegistry) Install(ctx context.Context, name string) error {
	route, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("app %s not registered", name)
	}
	m, err := manifest.Load(route.Config.Manifest)
	if err != nil {
		return fmt.Errorf("app %s: %w", name, err)
	}
	return route.Runtime.Install(ctx, m)
}

// InstallAll 依次安装所有应用的 manifest。单个应用失败只记录日志，
// 其余应用继续安装；返回合并后的错误供调用方决定是否退出。
func (r *AppRegistry) InstallAll(ctx context.Context) error {
	var errs []error
	for _, route := range r.List() {
		fields := logging.AppFields(route.Config.Name, "install")
		fields["manifest"] = route.Config.Manifest
		if err := r.Install(ctx, route.Config.Name); err != nil {
			r.logger.WithFields(fields).WithError(err).Error("应用安装失败")
			errs = append(errs, err)
			continue
		}
		r.logger.WithFields(fields).Info("应用安装完成")
	}
	return errors.Join(errs...)
}

// Close 关闭所有应用的 Runtime，等待进行中的处理结束。
func (r *AppRegistry) Close(ctx context.Context) error {
	var errs []error
	for _, route := range r.List() {
		if err := route.Runtime.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app %s: %w", route.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

func buildAppRoute(cfg *config.Config, app config.AppConfig, storage cache.Storage, logger *logrus.Logger) (*AppRoute, error) {
	upstreamURL, err := url.Parse(app.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for app %s: %w", app.Name, err)
	}

	var proxyURL *url.URL
	if app.Proxy != "" {
		proxyURL, err = url.Parse(app.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for app %s: %w", app.Name, err)
		}
	}

	client := NewUpstreamClient(cfg, proxyURL)
	route := &AppRoute{
		Config:      app,
		ListenPort:  cfg.Global.ListenPort,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		Client:      client,
	}

	runtime, err := synchronizer.NewRuntime(synchronizer.RuntimeOptions{
		App:              app.Name,
		Origin:           route.Origin(),
		Storage:          storage,
		Fetcher:          synchronizer.NewHTTPFetcher(client, app.Username, app.Password),
		Logger:           logger,
		Concurrency:      cfg.Global.OfflineConcurrency,
		AwaitSkipWaiting: app.AwaitSkipWaiting,
	})
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", app.Name, err)
	}
	route.Runtime = runtime
	return route, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
