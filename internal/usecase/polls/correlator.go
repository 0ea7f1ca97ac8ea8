package polls

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"tg-summary-bot/internal/infra/metrics"
)

// ErrCorrelationTimeout пересылка сводки в группу обсуждения не пришла вовремя.
var ErrCorrelationTimeout = errors.New("пересылка в группу обсуждения не получена")

const (
	// DefaultCorrelationTimeout время ожидания пересылки.
	DefaultCorrelationTimeout = 10 * time.Second
	defaultRecentSize         = 256
	defaultRecentTTL          = time.Minute
)

// ForwardEvent сообщение в группе обсуждения, пересланное из канала.
type ForwardEvent struct {
	ChatID          int64
	MessageID       int
	OriginChatID    int64
	OriginMessageID int
}

type correlationKey struct {
	chatID          int64
	originChatID    int64
	originMessageID int
}

// Correlator сопоставляет пост канала с его копией в группе обсуждения.
// Пересылки, пришедшие раньше регистрации, хранятся в LRU с ограниченным временем жизни.
type Correlator struct {
	mu     sync.Mutex
	subs   map[correlationKey]*Subscription
	recent *expirable.LRU[correlationKey, int]
}

// NewCorrelator создаёт коррелятор.
func NewCorrelator(recentSize int, recentTTL time.Duration) *Correlator {
	if recentSize <= 0 {
		recentSize = defaultRecentSize
	}
	if recentTTL <= 0 {
		recentTTL = defaultRecentTTL
	}
	return &Correlator{
		subs:   make(map[correlationKey]*Subscription),
		recent: expirable.NewLRU[correlationKey, int](recentSize, nil, recentTTL),
	}
}

// Subscription ожидание одной пересылки. Cancel обязателен и идемпотентен.
type Subscription struct {
	key    correlationKey
	owner  *Correlator
	result chan int
	once   sync.Once
}

// Register подписывается на пересылку сообщения originMessageID из originChatID в chatID.
func (c *Correlator) Register(chatID, originChatID int64, originMessageID int) *Subscription {
	key := correlationKey{chatID: chatID, originChatID: originChatID, originMessageID: originMessageID}
	sub := &Subscription{key: key, owner: c, result: make(chan int, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if messageID, ok := c.recent.Get(key); ok {
		c.recent.Remove(key)
		sub.result <- messageID
		return sub
	}
	c.subs[key] = sub
	return sub
}

// Dispatch передаёт событие подписке с точно совпадающими чатом и исходным сообщением.
// Возвращает true, если событие кем-то принято.
func (c *Correlator) Dispatch(ev ForwardEvent) bool {
	key := correlationKey{chatID: ev.ChatID, originChatID: ev.OriginChatID, originMessageID: ev.OriginMessageID}

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[key]
	if !ok {
		c.recent.Add(key, ev.MessageID)
		return false
	}
	delete(c.subs, key)
	sub.result <- ev.MessageID
	return true
}

// Pending возвращает количество активных подписок.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Wait ждёт пересылку не дольше timeout. По таймауту и при отмене контекста
// подписка снимается до возврата.
func (s *Subscription) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultCorrelationTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-s.result:
		metrics.IncCorrelation("matched")
		return id, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.Cancel()
	// Событие могло прийти одновременно с таймаутом.
	select {
	case id := <-s.result:
		metrics.IncCorrelation("matched")
		return id, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		metrics.IncCorrelation("cancelled")
		return 0, err
	}
	metrics.IncCorrelation("timeout")
	return 0, ErrCorrelationTimeout
}

// Cancel снимает подписку.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		c := s.owner
		c.mu.Lock()
		defer c.mu.Unlock()
		if current, ok := c.subs[s.key]; ok && current == s {
			delete(c.subs, s.key)
		}
	})
}
