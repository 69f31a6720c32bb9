package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempTree 在临时目录中写入一组相对路径文件，返回目录路径。
func writeTempTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("创建目录失败: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("写入临时文件失败: %v", err)
		}
	}
	return dir
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := writeTempTree(t, map[string]string{"config.toml": content})
	return filepath.Join(dir, "config.toml")
}
