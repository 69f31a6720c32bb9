package synchronizer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asset-hub/asset-hub/internal/cache"
)

// Stage 处理 install 信号：绕过中间缓存拉取全部核心文件写入 staging 缓存。
// 任一文件失败则整体失败，实例进入 redundant。
func (s *Synchronizer) Stage(ctx context.Context) error {
	started := time.Now()
	s.setState(StateInstalling, nil)

	staging, err := s.storage.Open(ctx, s.names.Staging)
	if err != nil {
		err = fmt.Errorf("open %s: %w", s.names.Staging, err)
		s.setState(StateRedundant, err)
		return err
	}

	core := s.manifest.Core()
	requests := make([]*Request, len(core))
	for i, path := range core {
		requests[i] = &Request{Method: http.MethodGet, URL: s.resolve(path), Reload: true}
	}

	if err := s.addAll(ctx, staging, requests); err != nil {
		s.setState(StateRedundant, err)
		s.logger.WithFields(s.fields("stage")).
			WithField("elapsed_ms", time.Since(started).Milliseconds()).
			WithError(err).Error("stage_failed")
		return err
	}

	s.setState(StateStaged, nil)
	s.logger.WithFields(s.fields("stage")).
		WithField("core_files", len(core)).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("stage_complete")
	return nil
}

// addAll 与 Cache.addAll 语义一致：并发拉取全部请求，任一传输失败或非 2xx 时不写入任何条目。
func (s *Synchronizer) addAll(ctx context.Context, target cache.Cache, requests []*Request) error {
	if len(requests) == 0 {
		return nil
	}

	responses := make([]*Response, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, req := range requests {
		g.Go(func() error {
			resp, err := s.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: %w (status %d)", req.URL, ErrNotOK, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, req := range requests {
		if err := target.Put(ctx, req.Key(), responses[i]); err != nil {
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
	}
	return nil
}
