package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/asset-hub/asset-hub/internal/cache"
	"github.com/asset-hub/asset-hub/internal/manifest"
)

// Reconcile 处理 activate 信号，把 staging 中的核心文件合并进内容缓存，并依据上一版清单
// 保留指纹未变的条目。失败时缓存状态不可信：三个缓存全部删除，实例以冷缓存状态继续服务，
// 不做重试。返回的 error 仅用于上报。
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	started := time.Now()
	s.setState(StateActivating, nil)

	stats, err := s.reconcile(ctx)
	if err != nil {
		s.logger.WithFields(s.fields("reconcile")).
			WithField("elapsed_ms", time.Since(started).Milliseconds()).
			WithError(err).Error("reconcile_failed")
		s.wipe(context.WithoutCancel(ctx))
		s.setState(StateFailed, err)
		return err
	}

	s.setState(StateReconciled, nil)
	s.logger.WithFields(s.fields("reconcile")).
		WithField("first_install", stats.firstInstall).
		WithField("kept", stats.kept).
		WithField("evicted", stats.evicted).
		WithField("staged", stats.staged).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("reconcile_complete")
	return nil
}

type reconcileStats struct {
	firstInstall bool
	kept         int
	evicted      int
	staged       int
}

func (s *Synchronizer) reconcile(ctx context.Context) (reconcileStats, error) {
	var stats reconcileStats

	content, err := s.storage.Open(ctx, s.names.Content)
	if err != nil {
		return stats, fmt.Errorf("open %s: %w", s.names.Content, err)
	}
	staging, err := s.storage.Open(ctx, s.names.Staging)
	if err != nil {
		return stats, fmt.Errorf("open %s: %w", s.names.Staging, err)
	}
	manifestCache, err := s.storage.Open(ctx, s.names.Manifest)
	if err != nil {
		return stats, fmt.Errorf("open %s: %w", s.names.Manifest, err)
	}

	record, err := manifestCache.Match(ctx, manifestRecordKey)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		// 没有旧清单：内容缓存无从比对，整体重建。
		stats.firstInstall = true
		if _, err := s.storage.Delete(ctx, s.names.Content); err != nil {
			return stats, fmt.Errorf("reset %s: %w", s.names.Content, err)
		}
		if content, err = s.storage.Open(ctx, s.names.Content); err != nil {
			return stats, fmt.Errorf("open %s: %w", s.names.Content, err)
		}
	case err != nil:
		return stats, fmt.Errorf("read manifest record: %w", err)
	default:
		previous, err := manifest.DecodeRecord(record.Body)
		if err != nil {
			return stats, err
		}
		if stats.kept, stats.evicted, err = s.evictChanged(ctx, content, previous); err != nil {
			return stats, err
		}
	}

	// staging 中的核心文件总是覆盖保留下来的同名条目。
	if stats.staged, err = copyEntries(ctx, staging, content); err != nil {
		return stats, err
	}
	if _, err := s.storage.Delete(ctx, s.names.Staging); err != nil {
		return stats, fmt.Errorf("delete %s: %w", s.names.Staging, err)
	}
	if err := s.persistManifest(ctx, manifestCache); err != nil {
		return stats, err
	}
	return stats, nil
}

// evictChanged 删除新清单中不存在、或指纹与旧记录不同的条目。
func (s *Synchronizer) evictChanged(ctx context.Context, content cache.Cache, previous map[string]string) (int, int, error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s: %w", s.names.Content, err)
	}
	kept, evicted := 0, 0
	for _, key := range keys {
		path := s.entryPath(key.URL)
		current, ok := s.manifest.Fingerprint(path)
		if ok && current == previous[path] {
			kept++
			continue
		}
		if _, err := content.Delete(ctx, key); err != nil {
			return kept, evicted, fmt.Errorf("evict %s: %w", key.URL, err)
		}
		evicted++
	}
	return kept, evicted, nil
}

func copyEntries(ctx context.Context, src, dst cache.Cache) (int, error) {
	keys, err := src.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", src.Name(), err)
	}
	for i, key := range keys {
		resp, err := src.Match(ctx, key)
		if err != nil {
			return i, fmt.Errorf("read %s from %s: %w", key.URL, src.Name(), err)
		}
		if err := dst.Put(ctx, key, resp); err != nil {
			return i, fmt.Errorf("copy %s into %s: %w", key.URL, dst.Name(), err)
		}
	}
	return len(keys), nil
}

func (s *Synchronizer) persistManifest(ctx context.Context, manifestCache cache.Cache) error {
	body, err := s.manifest.Record()
	if err != nil {
		return fmt.Errorf("encode manifest record: %w", err)
	}
	record := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
	if err := manifestCache.Put(ctx, manifestRecordKey, record); err != nil {
		return fmt.Errorf("persist manifest record: %w", err)
	}
	return nil
}

// wipe 删除全部三个缓存，单个删除失败只记录日志，继续删除其余缓存。
func (s *Synchronizer) wipe(ctx context.Context) {
	for _, name := range s.names.All() {
		if _, err := s.storage.Delete(ctx, name); err != nil {
			s.logger.WithFields(s.fields("wipe")).
				WithField("cache", name).
				WithError(err).Error("cache_delete_failed")
		}
	}
}
