package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/version"
)

// Response 复用缓存层的响应结构，网络返回与缓存命中使用同一类型。
type Response = cache.Response

// Request 是一次对应用源站的 GET/HEAD 等请求。URL 必须是绝对地址。
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Reload 对应 fetch 的 cache: 'reload'，强制绕过中间缓存。
	Reload bool
}

// Key 返回请求在缓存中的身份。
func (r *Request) Key() cache.RequestKey {
	return cache.NewRequestKey(r.Method, r.URL)
}

// Fetcher 负责真正的网络访问。返回的 error 仅表示传输失败，非 2xx 响应不是错误。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ErrNotOK 表示批量下载中某个响应不是 2xx，整批放弃写入。
var ErrNotOK = errors.New("response status is not ok")

// HTTPFetcher 使用共享 http.Client 访问源站，可选附带 Basic 凭证。
type HTTPFetcher struct {
	client   *http.Client
	username string
	password string
}

// NewHTTPFetcher 构造 HTTPFetcher；client 为空时使用 http.DefaultClient。
func NewHTTPFetcher(client *http.Client, username, password string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, username: username, password: password}
}

// Fetch 发起请求并完整读取正文，便于同时写缓存与回写调用方。
func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	// 交给 Transport 透明解压，缓存中只保存明文正文，任意客户端都能复用。
	httpReq.Header.Del("Accept-Encoding")
	if req.Reload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
		httpReq.Header.Del("If-None-Match")
		httpReq.Header.Del("If-Modified-Since")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}
	if f.username != "" && f.password != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.SetBasicAuth(f.username, f.password)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	header := resp.Header.Clone()
	if resp.Uncompressed {
		header.Del("Content-Encoding")
	}
	header.Del("Content-Length")
	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}
