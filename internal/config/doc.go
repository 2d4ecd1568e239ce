// Package config 负责加载守护进程的 JSON 配置：
// 状态服务、存储与锁的驱动选择、告警通道、链与证明客户端的连接参数，
// 以及各金库代理的地址清单。链本身的元数据在单独的 YAML 文件里，
// 由 internal/chain 解析。
package config
