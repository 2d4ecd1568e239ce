// Package locks 提供按地址串行化底层链支付的互斥能力。
// 同一底层地址同时只能有一笔支付在途，否则会产生 nonce 或 UTXO 冲突。
package locks

import "context"

// Manager 按 key 提供互斥执行。WithLock 阻塞直到拿到锁、
// 执行 fn 并在返回前释放；ctx 取消时放弃等待。
type Manager interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
	Close() error
}
