// Package lifecycle 实现站点缓存的 install → waiting → active 状态机：
// 安装阶段预热新 generation，激活阶段回收其他 generation 并接管客户端会话。
package lifecycle
