package synchronizer

import (
	"context"
	"errors"
	"net/http"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/manifest"
)

// Serve 处理 fetch 信号。只拦截清单内的 GET 请求：入口文档走 online-first，其余资源
// 缓存优先，未命中时回源并仅在 2xx 时写缓存。
func (s *Synchronizer) Serve(ctx context.Context, req *Request) (Result, error) {
	if req == nil || req.Method != http.MethodGet {
		return Result{}, nil
	}
	path := s.requestPath(req.URL)
	if !s.manifest.Has(path) {
		return Result{}, nil
	}
	if path == manifest.RootPath {
		return s.onlineFirst(ctx, req)
	}

	content, err := s.storage.Open(ctx, s.names.Content)
	if err != nil {
		return Result{Handled: true}, err
	}

	cached, err := content.Match(ctx, req.Key())
	switch {
	case err == nil:
		return Result{Handled: true, Response: cached, Source: SourceCache}, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		s.logger.WithFields(s.fields("serve")).
			WithField("url", req.URL).
			WithError(err).Warn("cache_match_failed")
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{Handled: true}, err
	}
	if resp.OK() {
		s.store(ctx, content, req, resp)
	}
	return Result{Handled: true, Response: resp, Source: SourceNetwork}, nil
}

// onlineFirst 先回源，成功则写缓存并返回最新文档；传输失败时回退到缓存，缓存也没有则返回原始错误。
func (s *Synchronizer) onlineFirst(ctx context.Context, req *Request) (Result, error) {
	resp, fetchErr := s.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		if content, err := s.storage.Open(ctx, s.names.Content); err == nil {
			s.store(ctx, content, req, resp)
		} else {
			s.logger.WithFields(s.fields("serve")).WithError(err).Warn("cache_open_failed")
		}
		return Result{Handled: true, Response: resp, Source: SourceOnline}, nil
	}

	content, err := s.storage.Open(ctx, s.names.Content)
	if err != nil {
		return Result{Handled: true}, fetchErr
	}
	cached, err := content.Match(ctx, req.Key())
	if err != nil {
		return Result{Handled: true}, fetchErr
	}
	s.logger.WithFields(s.fields("serve")).
		WithField("url", req.URL).
		WithError(fetchErr).Info("serve_offline_fallback")
	return Result{Handled: true, Response: cached, Source: SourceFallback}, nil
}

// store 写入响应副本；写失败不影响本次返回。
func (s *Synchronizer) store(ctx context.Context, content cache.Cache, req *Request, resp *Response) {
	if err := content.Put(ctx, req.Key(), resp.Clone()); err != nil {
		s.logger.WithFields(s.fields("serve")).
			WithField("url", req.URL).
			WithError(err).Warn("cache_put_failed")
	}
}
