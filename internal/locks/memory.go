package locks

import (
	"context"
	"sync"
)

// MemoryManager 用进程内互斥锁实现 Manager，适合单实例部署。
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryManager 创建进程内锁管理器。
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{locks: make(map[string]*sync.Mutex)}
}

func (m *MemoryManager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// WithLock 在持有 key 对应互斥锁的情况下执行 fn。
func (m *MemoryManager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := m.lockFor(key)

	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()

	select {
	case <-ctx.Done():
		// 锁最终还是会被拿到，拿到后立即归还。
		go func() {
			<-acquired
			lock.Unlock()
		}()
		return ctx.Err()
	case <-acquired:
	}
	defer lock.Unlock()
	return fn(ctx)
}

// Close 对进程内锁无需操作。
func (m *MemoryManager) Close() error {
	return nil
}

var _ Manager = (*MemoryManager)(nil)
