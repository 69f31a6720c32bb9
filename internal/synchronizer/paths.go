package synchronizer

import (
	"strings"

	"github.com/asset-hub/asset-hub/internal/manifest"
)

// entryPath 从缓存条目的 URL 推导逻辑路径：去掉 "<origin>/"，空串归一为 "/"。
func (s *Synchronizer) entryPath(rawURL string) string {
	key := s.stripOrigin(rawURL)
	if key == "" {
		return manifest.RootPath
	}
	return key
}

// requestPath 从请求 URL 推导逻辑路径，依次应用：
// 截掉 "?v=" 版本后缀；源站根、"<origin>/#..." 或空路径视为 "/"。
func (s *Synchronizer) requestPath(rawURL string) string {
	key := s.stripOrigin(rawURL)
	if idx := strings.Index(key, "?v="); idx != -1 {
		key = key[:idx]
	}
	if rawURL == s.origin || strings.HasPrefix(rawURL, s.origin+"/#") || key == "" {
		return manifest.RootPath
	}
	return key
}

// resolve 把逻辑路径还原为源站上的绝对 URL。
func (s *Synchronizer) resolve(path string) string {
	if path == manifest.RootPath {
		return s.origin + "/"
	}
	return s.origin + "/" + strings.TrimPrefix(path, "/")
}

func (s *Synchronizer) stripOrigin(rawURL string) string {
	if !strings.HasPrefix(rawURL, s.origin) {
		return rawURL
	}
	return strings.TrimPrefix(rawURL[len(s.origin):], "/")
}
