package cache

import (
	"context"
	"testing"
	"time"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "cycle:news", time.Minute)
	if err != nil || !ok {
		t.Fatalf("первый захват должен пройти: %v %v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "cycle:news", time.Minute); ok {
		t.Fatal("повторный захват до освобождения невозможен")
	}
	if _, ok, _ := l.TryLock(ctx, "cycle:tech", time.Minute); !ok {
		t.Fatal("другой канал блокируется независимо")
	}
	release()
	if _, ok, _ := l.TryLock(ctx, "cycle:news", time.Minute); !ok {
		t.Fatal("после освобождения ключ свободен")
	}
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	stale, _, _ := l.TryLock(ctx, "cycle:news", time.Minute)
	now = now.Add(2 * time.Minute)
	if _, ok, _ := l.TryLock(ctx, "cycle:news", time.Minute); !ok {
		t.Fatal("истёкшая блокировка перехватывается")
	}
	stale()
	if _, ok, _ := l.TryLock(ctx, "cycle:news", time.Minute); ok {
		t.Fatal("старый владелец не снимает чужую блокировку")
	}
}
