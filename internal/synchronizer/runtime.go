package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/manifest"
)

// SignalKind 是 Runtime 分发的信号类型。
type SignalKind string

const (
	SignalInstall  SignalKind = "install"
	SignalActivate SignalKind = "activate"
	SignalFetch    SignalKind = "fetch"
	SignalMessage  SignalKind = "message"
)

// 支持的 message 指令。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// Signal 携带一次分发所需的数据：install 需要 Manifest，fetch 需要 Request，message 需要 Message。
type Signal struct {
	Kind     SignalKind
	Manifest *manifest.Manifest
	Request  *Request
	Message  string
}

var (
	// ErrNoActiveInstance 表示当前应用尚无可服务的实例。
	ErrNoActiveInstance = errors.New("no active instance")
	// ErrUnknownMessage 表示 message 指令不受支持。
	ErrUnknownMessage = errors.New("unknown message")
	// ErrUnknownSignal 表示信号类型不受支持。
	ErrUnknownSignal = errors.New("unknown signal")
	// ErrClosed 表示 Runtime 已关闭，不再接收信号。
	ErrClosed = errors.New("runtime closed")
)

// RuntimeOptions 描述单个应用的运行时依赖。
type RuntimeOptions struct {
	App              string
	Origin           string
	Storage          cache.Storage
	Fetcher          Fetcher
	Logger           *logrus.Logger
	Concurrency      int
	AwaitSkipWaiting bool
}

// Runtime 是单个应用的信号分发器，持有 active/waiting 两个实例槽位。
// 激活期间持有写锁，fetch 在激活完成前不会选中新实例。
// install 与 activate 共用同一个 staging 缓存，二者经 lifecycleMu 串行执行。
type Runtime struct {
	opts   RuntimeOptions
	logger *logrus.Logger

	lifecycleMu sync.Mutex

	mu      sync.RWMutex
	active  *Synchronizer
	waiting *Synchronizer

	closeMu sync.Mutex
	closed  bool
	tasks   sync.WaitGroup
}

// NewRuntime 校验依赖并返回尚无实例的 Runtime。
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if strings.TrimSpace(opts.App) == "" {
		return nil, errors.New("app name is required")
	}
	if _, err := NormalizeOrigin(opts.Origin); err != nil {
		return nil, err
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
	return &Runtime{opts: opts, logger: logger}, nil
}

// App 返回应用名。
func (r *Runtime) App() string {
	return r.opts.App
}

// Dispatch 按信号类型分发。每个处理过程都被登记为未完成任务，Close 会等待其结束。
func (r *Runtime) Dispatch(ctx context.Context, sig Signal) (Result, error) {
	release, err := r.waitUntil()
	if err != nil {
		return Result{}, err
	}
	defer release()

	switch sig.Kind {
	case SignalInstall:
		return Result{}, r.install(ctx, sig.Manifest)
	case SignalActivate:
		return Result{}, r.skipWaiting(ctx)
	case SignalFetch:
		return r.fetch(ctx, sig.Request)
	case SignalMessage:
		return Result{}, r.message(ctx, sig.Message)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownSignal, sig.Kind)
	}
}

// Install 是 Dispatch(SignalInstall) 的便捷封装。
func (r *Runtime) Install(ctx context.Context, m *manifest.Manifest) error {
	_, err := r.Dispatch(ctx, Signal{Kind: SignalInstall, Manifest: m})
	return err
}

// Fetch 是 Dispatch(SignalFetch) 的便捷封装。
func (r *Runtime) Fetch(ctx context.Context, req *Request) (Result, error) {
	return r.Dispatch(ctx, Signal{Kind: SignalFetch, Request: req})
}

// Message 是 Dispatch(SignalMessage) 的便捷封装。
func (r *Runtime) Message(ctx context.Context, msg string) error {
	_, err := r.Dispatch(ctx, Signal{Kind: SignalMessage, Message: msg})
	return err
}

// Active 返回当前 active 实例，可能为 nil。
func (r *Runtime) Active() *Synchronizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回已 staged 但尚未激活的实例，可能为 nil。
func (r *Runtime) Waiting() *Synchronizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Close 停止接收新信号并等待所有进行中的处理完成，ctx 到期时提前返回。
func (r *Runtime) Close(ctx context.Context) error {
	r.closeMu.Lock()
	r.closed = true
	r.closeMu.Unlock()
	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 阻塞直到所有进行中的处理（包括后台离线下载）完成。
func (r *Runtime) Wait() {
	r.tasks.Wait()
}

func (r *Runtime) install(ctx context.Context, m *manifest.Manifest) error {
	if m == nil {
		return errors.New("install requires a manifest")
	}
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	instance, err := New(Options{
		App:         r.opts.App,
		Origin:      r.opts.Origin,
		Manifest:    m,
		Storage:     r.opts.Storage,
		Fetcher:     r.opts.Fetcher,
		Logger:      r.logger,
		Concurrency: r.opts.Concurrency,
	})
	if err != nil {
		return err
	}

	if err := instance.Stage(ctx); err != nil {
		return fmt.Errorf("install %s: %w", r.opts.App, err)
	}

	r.mu.Lock()
	if prev := r.waiting; prev != nil {
		prev.setState(StateRedundant, nil)
	}
	r.waiting = instance
	r.mu.Unlock()

	if r.opts.AwaitSkipWaiting {
		r.logger.WithFields(instance.fields("install")).Info("instance_waiting")
		return nil
	}
	return r.activate(ctx)
}

// skipWaiting 等待进行中的 install 结束后再激活 waiting 实例。
func (r *Runtime) skipWaiting(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	return r.activate(ctx)
}

// activate 把 waiting 实例提升为 active，调用方需持有 lifecycleMu。整个激活过程持有写锁；
// 激活失败时实例仍然接管（冷缓存），错误只用于上报。
func (r *Runtime) activate(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance := r.waiting
	if instance == nil {
		r.logger.WithFields(logging.AppFields(r.opts.App, "skip_waiting")).Debug("no waiting instance")
		return nil
	}
	r.waiting = nil

	err := instance.Reconcile(ctx)

	prev := r.active
	r.active = instance
	instance.setState(StateActive, nil)
	if prev != nil && prev != instance {
		prev.setState(StateRedundant, nil)
	}
	r.logger.WithFields(instance.fields("claim")).Info("instance_active")

	if err != nil {
		return fmt.Errorf("activate %s: %w", r.opts.App, err)
	}
	return nil
}

func (r *Runtime) fetch(ctx context.Context, req *Request) (Result, error) {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()
	if active == nil {
		return Result{}, nil
	}
	return active.Serve(ctx, req)
}

func (r *Runtime) message(ctx context.Context, msg string) error {
	switch msg {
	case MessageSkipWaiting:
		return r.skipWaiting(ctx)
	case MessageDownloadOffline:
		active := r.Active()
		if active == nil {
			return ErrNoActiveInstance
		}
		r.background(ctx, func(ctx context.Context) {
			_, _ = active.DownloadOffline(ctx)
		})
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg)
	}
}

// background 在独立 goroutine 中执行 fn，脱离调用方的取消信号，但仍计入未完成任务。
func (r *Runtime) background(ctx context.Context, fn func(context.Context)) {
	r.tasks.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer r.tasks.Done()
		fn(detached)
	}()
}

// waitUntil 登记一个未完成任务；关闭标记与计数在同一把锁下修改，Close 之后不会再有新任务加入。
func (r *Runtime) waitUntil() (func(), error) {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.tasks.Add(1)
	return r.tasks.Done, nil
}
