package polls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newCorrelator(t *testing.T) *Correlator {
	t.Helper()
	return NewCorrelator(8, time.Minute)
}

func TestCorrelatorMatchesExactForward(t *testing.T) {
	c := newCorrelator(t)
	sub := c.Register(-200, -100, 10)
	defer sub.Cancel()

	go func() {
		c.Dispatch(ForwardEvent{ChatID: -200, MessageID: 1, OriginChatID: -100, OriginMessageID: 9})
		c.Dispatch(ForwardEvent{ChatID: -200, MessageID: 2, OriginChatID: -101, OriginMessageID: 10})
		c.Dispatch(ForwardEvent{ChatID: -200, MessageID: 3, OriginChatID: -100, OriginMessageID: 10})
	}()

	id, err := sub.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if id != 3 {
		t.Fatalf("ожидали пересылку 3, получили %d", id)
	}
	if c.Pending() != 0 {
		t.Fatalf("подписка должна сниматься после совпадения")
	}
}

func TestCorrelatorTimeoutRemovesSubscription(t *testing.T) {
	c := newCorrelator(t)
	sub := c.Register(-200, -100, 10)
	defer sub.Cancel()

	_, err := sub.Wait(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrCorrelationTimeout) {
		t.Fatalf("ожидали таймаут, получили %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("после таймаута подписка должна быть снята")
	}
	if c.Dispatch(ForwardEvent{ChatID: -200, MessageID: 5, OriginChatID: -100, OriginMessageID: 10}) {
		t.Fatalf("опоздавшая пересылка не должна попасть в снятую подписку")
	}
}

func TestCorrelatorRemembersEarlyForward(t *testing.T) {
	c := newCorrelator(t)
	if c.Dispatch(ForwardEvent{ChatID: -200, MessageID: 7, OriginChatID: -100, OriginMessageID: 10}) {
		t.Fatalf("без подписки событие не должно считаться принятым")
	}
	sub := c.Register(-200, -100, 10)
	defer sub.Cancel()
	id, err := sub.Wait(context.Background(), 10*time.Millisecond)
	if err != nil || id != 7 {
		t.Fatalf("ожидали раннюю пересылку 7, получили %d, %v", id, err)
	}
	if c.Pending() != 0 {
		t.Fatalf("ранняя пересылка не должна оставлять подписку")
	}
}

func TestCorrelatorIgnoresStaleEarlyForward(t *testing.T) {
	c := NewCorrelator(8, 20*time.Millisecond)
	c.Dispatch(ForwardEvent{ChatID: -200, MessageID: 7, OriginChatID: -100, OriginMessageID: 10})
	time.Sleep(60 * time.Millisecond)

	sub := c.Register(-200, -100, 10)
	defer sub.Cancel()
	if _, err := sub.Wait(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrCorrelationTimeout) {
		t.Fatalf("устаревшая пересылка не должна учитываться: %v", err)
	}
}

func TestCorrelatorContextCancel(t *testing.T) {
	c := newCorrelator(t)
	sub := c.Register(-200, -100, 10)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if _, err := sub.Wait(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали отмену контекста, получили %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("после отмены подписка должна быть снята")
	}
}

func TestCorrelatorConcurrentChannels(t *testing.T) {
	c := newCorrelator(t)
	first := c.Register(-200, -100, 10)
	second := c.Register(-300, -150, 10)
	defer first.Cancel()
	defer second.Cancel()

	c.Dispatch(ForwardEvent{ChatID: -300, MessageID: 31, OriginChatID: -150, OriginMessageID: 10})
	c.Dispatch(ForwardEvent{ChatID: -200, MessageID: 21, OriginChatID: -100, OriginMessageID: 10})

	if id, _ := first.Wait(context.Background(), time.Second); id != 21 {
		t.Fatalf("первая подписка получила чужую пересылку: %d", id)
	}
	if id, _ := second.Wait(context.Background(), time.Second); id != 31 {
		t.Fatalf("вторая подписка получила чужую пересылку: %d", id)
	}
}
