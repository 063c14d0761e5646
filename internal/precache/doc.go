// Package precache 在安装阶段并发拉取站点资源清单并写入新的缓存 generation。
// 单个资源失败只记录日志，不影响其他资源，也不会让安装失败。
package precache
