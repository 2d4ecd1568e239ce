package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 锁管理器的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	TTL       time.Duration
	RetryWait time.Duration
}

// RedisManager 使用 Redis SET NX 实现跨实例的地址锁。
// 锁带 TTL，持有者崩溃后锁会自动过期；释放时校验持有者令牌，
// 避免误删他人续上的锁。
type RedisManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// releaseScript 只在令牌匹配时删除锁。
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end`

// NewRedisManager 创建 Redis 锁管理器。
func NewRedisManager(cfg RedisConfig) (*RedisManager, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "fagent:locks:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisManager{client: client, prefix: prefix, ttl: ttl, wait: wait}, nil
}

// WithLock 在持有分布式锁的情况下执行 fn。
func (m *RedisManager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := m.prefix + key
	token := uuid.NewString()

	for {
		ok, err := m.client.SetNX(ctx, lockKey, token, m.ttl).Result()
		if err != nil {
			return fmt.Errorf("获取 Redis 锁失败: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.wait):
		}
	}

	defer func() {
		// 释放时不使用调用方的 ctx，取消也要归还锁。
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.client.Eval(releaseCtx, releaseScript, []string{lockKey}, token).Err()
	}()

	return fn(ctx)
}

// Close 关闭 Redis 连接。
func (m *RedisManager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

var _ Manager = (*RedisManager)(nil)
