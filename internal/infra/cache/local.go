package cache

import (
	"context"
	"sync"
	"time"

	"tg-summary-bot/internal/domain"
)

// LocalLocker блокировка внутри одного процесса, когда Redis не настроен.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

var _ domain.CycleLocker = (*LocalLocker)(nil)

// NewLocalLocker создаёт блокировку в памяти.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

// TryLock захватывает ключ, если он свободен или его TTL истёк.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.held[key] = until
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(until) {
			delete(l.held, key)
		}
	}, true, nil
}
