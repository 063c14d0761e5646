package version

import (
	"fmt"
	"runtime"
)

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("offcache %s (%s)", Version, Commit)
}

// UserAgent 用于 /-/sites 诊断输出与上游请求标识。
func UserAgent() string {
	return fmt.Sprintf("offcache/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
