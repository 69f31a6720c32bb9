package synchronizer

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Missing 返回清单中尚未出现在内容缓存里的路径（已排序）。
func (s *Synchronizer) Missing(ctx context.Context) ([]string, error) {
	content, err := s.storage.Open(ctx, s.names.Content)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.names.Content, err)
	}
	keys, err := content.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.names.Content, err)
	}

	cached := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		cached[s.entryPath(key.URL)] = struct{}{}
	}
	var missing []string
	for _, path := range s.manifest.Paths() {
		if _, ok := cached[path]; !ok {
			missing = append(missing, path)
		}
	}
	return missing, nil
}

// DownloadOffline 处理 downloadOffline 消息：把缺失的清单资源作为一批拉取写入内容缓存，
// 返回本批请求的数量。
func (s *Synchronizer) DownloadOffline(ctx context.Context) (int, error) {
	started := time.Now()
	missing, err := s.Missing(ctx)
	if err != nil {
		return 0, err
	}
	content, err := s.storage.Open(ctx, s.names.Content)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", s.names.Content, err)
	}

	requests := make([]*Request, len(missing))
	for i, path := range missing {
		requests[i] = &Request{Method: http.MethodGet, URL: s.resolve(path)}
	}
	err = s.addAll(ctx, content, requests)

	entry := s.logger.WithFields(s.fields("download_offline")).
		WithField("requested", len(requests)).
		WithField("elapsed_ms", time.Since(started).Milliseconds())
	if err != nil {
		entry.WithError(err).Error("download_offline_failed")
		return len(requests), err
	}
	entry.Info("download_offline_complete")
	return len(requests), nil
}
