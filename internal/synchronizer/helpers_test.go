package synchronizer

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/logging"
	"github.com/asset-hub/asset-hub/internal/manifest"
)

const testOrigin = "https://app.example.com"

var errNetworkDown = errors.New("network down")

// recordingFetcher 模拟源站：记录每次请求，可按 URL 指定状态码或传输错误。
type recordingFetcher struct {
	mu       sync.Mutex
	calls    []*Request
	status   map[string]int
	failures map[string]error
	down     bool
	version  string
}

func newRecordingFetcher() *recordingFetcher {
	return &recordingFetcher{
		status:   map[string]int{},
		failures: map[string]error{},
		version:  "v1",
	}
}

func (f *recordingFetcher) Fetch(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.down {
		return nil, errNetworkDown
	}
	if err := f.failures[req.URL]; err != nil {
		return nil, err
	}
	status := http.StatusOK
	if code, ok := f.status[req.URL]; ok {
		status = code
	}
	return &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(f.version + ":" + strings.TrimPrefix(req.URL, testOrigin)),
	}, nil
}

func (f *recordingFetcher) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *recordingFetcher) setStatus(url string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[url] = status
}

func (f *recordingFetcher) setVersion(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

func (f *recordingFetcher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// urls 返回已请求的 URL（已排序）。
func (f *recordingFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		out = append(out, call.URL)
	}
	sort.Strings(out)
	return out
}

func (f *recordingFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call.URL == url {
			n++
		}
	}
	return n
}

// faultyStorage 包装真实存储，可让指定缓存的 Put/Keys 失败。
type faultyStorage struct {
	cache.Storage
	mu      sync.Mutex
	failPut map[string]bool
}

func newFaultyStorage(inner cache.Storage) *faultyStorage {
	return &faultyStorage{Storage: inner, failPut: map[string]bool{}}
}

func (s *faultyStorage) breakPut(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut[name] = true
}

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	fail := s.failPut[name]
	s.mu.Unlock()
	if !fail {
		return c, nil
	}
	return faultyCache{Cache: c}, nil
}

type faultyCache struct {
	cache.Cache
}

func (faultyCache) Put(context.Context, cache.RequestKey, *cache.Response) error {
	return errors.New("disk full")
}

func mustManifest(t *testing.T, resources map[string]string, core ...string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.New(resources, core)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	return m
}

func newTestSynchronizer(t *testing.T, m *manifest.Manifest, storage cache.Storage, fetcher Fetcher) *Synchronizer {
	t.Helper()
	s, err := New(Options{
		App:      "shop",
		Origin:   testOrigin,
		Manifest: m,
		Storage:  storage,
		Fetcher:  fetcher,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	return s
}

// install 依次执行 Stage 与 Reconcile，模拟一次完整的安装 + 激活。
func install(t *testing.T, s *Synchronizer) {
	t.Helper()
	ctx := context.Background()
	if err := s.Stage(ctx); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
}

func get(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url}
}

func cachedURLs(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	c, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.URL)
	}
	sort.Strings(out)
	return out
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
