// Package strategy 提供离线缓存策略预设（profile）的注册表，以及站点级覆盖的合并逻辑。
//
// 每个 profile 描述静态资源与动态数据各自使用的策略（cache-first / network-first / bypass），
// 哪些 URL 属于动态数据、是否缓存 opaque 响应以及导航失败时回退到哪个文档。
// 站点配置通过 Profile 选择预设，再用 StaticStrategy、DynamicStrategy 等字段局部覆盖。
package strategy
