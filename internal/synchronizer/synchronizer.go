package synchronizer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/manifest"
)

// manifestRecordKey 是 manifest 缓存中唯一一条记录的 Key。
var manifestRecordKey = cache.NewRequestKey("GET", "manifest")

// defaultConcurrency 限制批量下载时的并发请求数。
const defaultConcurrency = 4

// Names 是一个应用使用的三个具名缓存。
type Names struct {
	Staging  string `json:"staging"`
	Content  string `json:"content"`
	Manifest string `json:"manifest"`
}

// CacheNames 根据应用名推导缓存名称。
func CacheNames(app string) Names {
	return Names{
		Staging:  app + "-temp-cache",
		Content:  app + "-app-cache",
		Manifest: app + "-app-manifest",
	}
}

// All 返回三个缓存名称，顺序与失败清理时的删除顺序一致。
func (n Names) All() []string {
	return []string{n.Content, n.Staging, n.Manifest}
}

// Options 汇总构造 Synchronizer 所需的依赖，全部显式注入。
type Options struct {
	App         string
	Origin      string
	Manifest    *manifest.Manifest
	Storage     cache.Storage
	Fetcher     Fetcher
	Logger      *logrus.Logger
	Concurrency int
}

// Synchronizer 是某一清单版本的实例。
type Synchronizer struct {
	id          string
	app         string
	origin      string
	manifest    *manifest.Manifest
	storage     cache.Storage
	fetcher     Fetcher
	logger      *logrus.Logger
	names       Names
	concurrency int

	mu      sync.Mutex
	state   State
	lastErr error
}

// New 校验依赖并返回处于 installing 状态的实例。
func New(opts Options) (*Synchronizer, error) {
	if strings.TrimSpace(opts.App) == "" {
		return nil, errors.New("app name is required")
	}
	origin, err := NormalizeOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	if opts.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Synchronizer{
		id:          uuid.NewString(),
		app:         opts.App,
		origin:      origin,
		manifest:    opts.Manifest,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		logger:      logger,
		names:       CacheNames(opts.App),
		concurrency: concurrency,
		state:       StateInstalling,
	}, nil
}

// NormalizeOrigin 校验并返回 scheme://host[:port] 形式的源站地址，不允许携带路径。
func NormalizeOrigin(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("origin must be http or https: %s", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("origin is missing a host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", fmt.Errorf("origin must not carry a path: %s", raw)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// ID 返回实例标识。
func (s *Synchronizer) ID() string {
	return s.id
}

// App 返回应用名。
func (s *Synchronizer) App() string {
	return s.app
}

// Origin 返回规范化后的源站地址。
func (s *Synchronizer) Origin() string {
	return s.origin
}

// Manifest 返回实例内嵌的清单。
func (s *Synchronizer) Manifest() *manifest.Manifest {
	return s.manifest
}

// Names 返回实例使用的缓存名称。
func (s *Synchronizer) Names() Names {
	return s.names
}

// State 返回当前生命周期状态。
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError 返回最近一次 install/activate 失败的原因。
func (s *Synchronizer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Synchronizer) setState(state State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	if prev != state {
		s.logger.WithFields(s.fields("state_change")).
			WithField("from", string(prev)).
			Debug("instance state changed")
	}
}

func (s *Synchronizer) fields(action string) logrus.Fields {
	fields := logging.InstanceFields(s.app, s.id, string(s.State()))
	fields["action"] = action
	fields["manifest_version"] = s.manifest.Version()
	return fields
}
