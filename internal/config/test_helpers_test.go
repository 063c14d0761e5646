package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const kraftSite = `
[[Site]]
Name = "kraft"
Domain = "kraft.local"
Upstream = "https://kraft.example.com"
Version = "%s"
%s
`

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 写入临时 config.toml；global 与 site 片段分开传入便于组合。
func writeTempConfig(t *testing.T, parts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	content := strings.Join(parts, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// kraftSiteTOML 生成一个最小 kraft 站点，extra 追加到站点表末尾。
func kraftSiteTOML(version, extra string) string {
	return fmt.Sprintf(kraftSite, version, extra)
}
