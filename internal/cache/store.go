package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 管理一组具名缓存，语义与浏览器 CacheStorage 对齐：Open 不存在时自动创建，
// Delete 会整体移除该缓存的全部条目。
type Storage interface {
	// Open 返回指定名称的缓存句柄，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)

	// Delete 删除整个具名缓存，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Has 判断具名缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回当前所有缓存名称（按名称排序）。
	Names(ctx context.Context) ([]string, error)

	// Close 释放底层资源（文件句柄/数据库连接）。
	Close() error
}

// Cache 是单个具名缓存，以 RequestKey 唯一定位一条响应。实现需保证并发安全，
// 同一 Key 的并发写入以最后一次为准。
type Cache interface {
	Name() string

	// Match 返回 Key 对应的响应副本。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Response, error)

	// Put 写入（或覆盖）Key 对应的响应。
	Put(ctx context.Context, key RequestKey, resp *Response) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Keys 按写入顺序返回全部 Key。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 是请求身份（Method + 绝对 URL）。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestKey 规范化 Method，空值视为 GET。
func NewRequestKey(method, rawURL string) RequestKey {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: rawURL}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Response 是缓存中保存的响应：状态码、头部与完整正文。
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// OK 对应 fetch Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 返回深拷贝，写入缓存与返回调用方的对象互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	return cloned
}

// ErrNotFound 表示缓存条目不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidName 表示缓存名称为空或包含非法字符。
var ErrInvalidName = errors.New("invalid cache name")

// Driver 名称，对应配置中的 StorageDriver。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open 根据 driver 构造 Storage 实现，basePath 对 memory 驱动无意义。
func Open(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewStore(basePath)
	case DriverSQLite:
		return NewSQLiteStore(basePath)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unsupported storage driver: " + driver)
	}
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}

func stamp(resp *Response) *Response {
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	return stored
}
