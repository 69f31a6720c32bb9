// Package manifest loads the build-time resource manifest of an application:
// the mapping from logical asset path to content fingerprint plus the ordered
// list of core files needed for first paint. A Manifest is immutable once
// loaded; every accessor returns copies.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RootPath 是入口文档的逻辑路径。
const RootPath = "/"

// Manifest 记录一次部署的资源指纹表与核心文件列表。
type Manifest struct {
	resources map[string]string
	core      []string
	version   string
}

// document 是 JSON 清单文件的磁盘格式。
type document struct {
	Resources map[string]string `json:"resources"`
	Core      []string          `json:"core"`
}

// ErrEmpty 表示清单中没有任何资源。
var ErrEmpty = errors.New("manifest has no resources")

// New 校验并构造清单，resources 与 core 都会被复制。
func New(resources map[string]string, core []string) (*Manifest, error) {
	if len(resources) == 0 {
		return nil, ErrEmpty
	}
	copied := make(map[string]string, len(resources))
	for path, fingerprint := range resources {
		if path == "" {
			return nil, errors.New("manifest contains an empty path")
		}
		if strings.TrimSpace(fingerprint) == "" {
			return nil, fmt.Errorf("manifest path %s has an empty fingerprint", path)
		}
		copied[path] = fingerprint
	}

	seen := make(map[string]struct{}, len(core))
	coreList := make([]string, 0, len(core))
	for _, path := range core {
		path = strings.TrimSpace(path)
		if path == "" {
			return nil, errors.New("core list contains an empty path")
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		coreList = append(coreList, path)
	}

	m := &Manifest{resources: copied, core: coreList}
	m.version = digest(copied)
	return m, nil
}

// Load 根据扩展名选择解析方式：*.js 视为构建工具生成的 service worker 脚本，其它按 JSON 清单解析。
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".js") {
		m, err := ParseScript(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		return m, nil
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return m, nil
}

// Parse 解析 {"resources": {...}, "core": [...]} 格式的 JSON 清单。
func Parse(raw []byte) (*Manifest, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode manifest json: %w", err)
	}
	return New(doc.Resources, doc.Core)
}

// Fingerprint 返回路径对应的指纹。
func (m *Manifest) Fingerprint(path string) (string, bool) {
	if m == nil {
		return "", false
	}
	fp, ok := m.resources[path]
	return fp, ok
}

// Has 判断路径是否出现在清单中。
func (m *Manifest) Has(path string) bool {
	_, ok := m.Fingerprint(path)
	return ok
}

// Paths 返回排序后的全部资源路径。
func (m *Manifest) Paths() []string {
	if m == nil {
		return nil
	}
	paths := make([]string, 0, len(m.resources))
	for path := range m.resources {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Core 返回核心文件列表副本，保持声明顺序。
func (m *Manifest) Core() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.core...)
}

// Resources 返回指纹表副本。
func (m *Manifest) Resources() map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m.resources))
	for path, fp := range m.resources {
		out[path] = fp
	}
	return out
}

// Len 返回资源数量。
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.resources)
}

// Version 是按路径排序后对全部条目计算的摘要，内容相同的清单版本号一致。
func (m *Manifest) Version() string {
	if m == nil {
		return ""
	}
	return m.version
}

// Record 返回写入 manifest 缓存的记录正文：path → fingerprint 的 JSON 对象。
func (m *Manifest) Record() ([]byte, error) {
	return json.Marshal(m.resources)
}

// DecodeRecord 解析此前写入的记录。与 New 不同，空记录是合法的。
func DecodeRecord(raw []byte) (map[string]string, error) {
	record := map[string]string{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode manifest record: %w", err)
	}
	return record, nil
}

func digest(resources map[string]string) string {
	paths := make([]string, 0, len(resources))
	for path := range resources {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write([]byte(resources[path]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
