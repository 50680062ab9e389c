package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker inside a single process
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// TryAcquire takes key unless an unexpired lease holds it
func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, nil
	}

	token := newToken()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

func (l *MemoryLocker) extend(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.held[key]
	if !ok || e.token != token || !now.Before(e.expires) {
		return false
	}
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return true
}

func (l *MemoryLocker) release(key, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[key]; ok && e.token == token {
		delete(l.held, key)
	}
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Key() string {
	return m.key
}

func (m *memoryLease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	return m.locker.extend(m.key, m.token, ttl), nil
}

func (m *memoryLease) Release(ctx context.Context) error {
	m.locker.release(m.key, m.token)
	return nil
}
