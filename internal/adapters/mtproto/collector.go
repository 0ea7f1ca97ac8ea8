package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

const (
	historyPageSize = 100
	maxHistoryPages = 50
	// botAPIChannelShift смещение идентификаторов каналов в Bot API (-100xxxxxxxxxx).
	botAPIChannelShift = 1_000_000_000_000
	maxFloodWait       = 30 * time.Second
)

// API методы tg.Client, которыми пользуется сборщик.
type API interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Options настройки кэшей сборщика.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Collector читает каналы через MTProto от имени пользовательской сессии.
type Collector struct {
	api         API
	log         zerolog.Logger
	channels    *expirable.LRU[string, domain.Channel]
	discussions *expirable.LRU[int64, int64]
	sleep       func(ctx context.Context, d time.Duration) error
}

var (
	_ domain.ChannelDirectory = (*Collector)(nil)
	_ domain.MessageFetcher   = (*Collector)(nil)
)

// NewCollector создаёт сборщик поверх готового API.
func NewCollector(api API, opts Options, log zerolog.Logger) *Collector {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 6 * time.Hour
	}
	return &Collector{
		api:         api,
		log:         log.With().Str("component", "mtproto").Logger(),
		channels:    expirable.NewLRU[string, domain.Channel](opts.CacheSize, nil, opts.CacheTTL),
		discussions: expirable.NewLRU[int64, int64](opts.CacheSize, nil, opts.CacheTTL),
		sleep:       sleepCtx,
	}
}

// NewClient создаёт клиент gotd, хранящий сессию в storage.
func NewClient(apiID int, apiHash string, storage session.Storage) *telegram.Client {
	return telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
}

// Run подключает клиент, проверяет авторизацию сессии и выполняет f, пока соединение активно.
func Run(ctx context.Context, client *telegram.Client, f func(ctx context.Context, api *tg.Client) error) error {
	return client.Run(ctx, func(ctx context.Context) error {
		status, err := client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("статус авторизации MTProto: %w", err)
		}
		if !status.Authorized {
			return errors.New("MTProto сессия не авторизована, импортируйте её через mtproto-session-importer")
		}
		return f(ctx, client.API())
	})
}

// Resolve находит канал по alias. Результат кэшируется.
func (c *Collector) Resolve(ctx context.Context, alias string) (domain.Channel, error) {
	alias = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(alias), "@"))
	if alias == "" {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	if ch, ok := c.channels.Get(alias); ok {
		return ch, nil
	}

	var resolved *tg.ContactsResolvedPeer
	err := c.call(ctx, "resolve_username", alias, func(ctx context.Context) error {
		var err error
		resolved, err = c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: alias})
		return err
	})
	if err != nil {
		if tgerr.Is(err, "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID") {
			return domain.Channel{}, fmt.Errorf("%s: %w", alias, domain.ErrChannelNotFound)
		}
		return domain.Channel{}, fmt.Errorf("резолв @%s: %w", alias, err)
	}

	for _, chat := range resolved.Chats {
		channel, ok := chat.(*tg.Channel)
		if !ok || !channel.Broadcast {
			continue
		}
		ch := domain.Channel{
			Key:        alias,
			Alias:      alias,
			Title:      channel.Title,
			ChatID:     BotAPIChannelID(channel.ID),
			PeerID:     channel.ID,
			AccessHash: channel.AccessHash,
		}
		if channel.Username != "" {
			ch.Alias = strings.ToLower(channel.Username)
		}
		c.channels.Add(alias, ch)
		return ch, nil
	}
	return domain.Channel{}, fmt.Errorf("@%s не является каналом: %w", alias, domain.ErrChannelNotFound)
}

// DiscussionChatID возвращает Bot API идентификатор группы обсуждения канала.
func (c *Collector) DiscussionChatID(ctx context.Context, ch domain.Channel) (int64, error) {
	if linked, ok := c.discussions.Get(ch.PeerID); ok {
		if linked == 0 {
			return 0, domain.ErrNoDiscussion
		}
		return linked, nil
	}

	var full *tg.MessagesChatFull
	err := c.call(ctx, "get_full_channel", ch.Alias, func(ctx context.Context) error {
		var err error
		full, err = c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: ch.PeerID, AccessHash: ch.AccessHash})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("получение группы обсуждения @%s: %w", ch.Alias, err)
	}
	channelFull, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return 0, fmt.Errorf("неожиданный тип %T для @%s", full.FullChat, ch.Alias)
	}
	linkedID, ok := channelFull.GetLinkedChatID()
	if !ok || linkedID == 0 {
		c.discussions.Add(ch.PeerID, 0)
		return 0, domain.ErrNoDiscussion
	}
	linked := BotAPIChannelID(linkedID)
	c.discussions.Add(ch.PeerID, linked)
	return linked, nil
}

// FetchSince выгружает текстовые сообщения канала новее since, постранично от новых к старым.
func (c *Collector) FetchSince(ctx context.Context, ch domain.Channel, since time.Time) ([]domain.SourceMessage, error) {
	peer := &tg.InputPeerChannel{ChannelID: ch.PeerID, AccessHash: ch.AccessHash}
	var (
		out      []domain.SourceMessage
		offsetID int
	)
	for page := 0; page < maxHistoryPages; page++ {
		var history tg.MessagesMessagesClass
		err := c.call(ctx, "get_history", ch.Alias, func(ctx context.Context) error {
			var err error
			history, err = c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:     peer,
				OffsetID: offsetID,
				Limit:    historyPageSize,
			})
			return err
		})
		if err != nil {
			metrics.CollectorErrors.Inc()
			return nil, fmt.Errorf("история @%s: %w", ch.Alias, err)
		}

		batch := historyMessages(history)
		if len(batch) == 0 {
			return out, nil
		}
		reachedOld := false
		for _, raw := range batch {
			msg, ok := raw.(*tg.Message)
			if !ok {
				continue
			}
			offsetID = msg.ID
			published := time.Unix(int64(msg.Date), 0).UTC()
			if !published.After(since) {
				reachedOld = true
				continue
			}
			text := strings.TrimSpace(msg.Message)
			if text == "" {
				continue
			}
			out = append(out, domain.SourceMessage{
				ID:          msg.ID,
				PublishedAt: published,
				Text:        text,
				Permalink:   Permalink(ch, msg.ID),
			})
		}
		if reachedOld || len(batch) < historyPageSize {
			return out, nil
		}
	}
	c.log.Warn().Str("channel", ch.Alias).Int("messages", len(out)).Msg("mtproto: достигнут лимит страниц истории")
	return out, nil
}

// call выполняет запрос с метриками и одним повтором после FLOOD_WAIT.
func (c *Collector) call(ctx context.Context, operation, target string, f func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := f(ctx)
		metrics.ObserveNetworkRequest("mtproto", operation, target, start, err)
		if err == nil {
			return nil
		}
		wait, flood := tgerr.AsFloodWait(err)
		if !flood || attempt > 0 || wait > maxFloodWait {
			return err
		}
		c.log.Warn().Dur("wait", wait).Str("operation", operation).Msg("mtproto: FLOOD_WAIT, ждём и повторяем")
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func historyMessages(history tg.MessagesMessagesClass) []tg.MessageClass {
	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		return h.Messages
	case *tg.MessagesMessagesSlice:
		return h.Messages
	case *tg.MessagesMessages:
		return h.Messages
	default:
		return nil
	}
}

// BotAPIChannelID переводит идентификатор канала MTProto в формат Bot API.
func BotAPIChannelID(id int64) int64 {
	return -(botAPIChannelShift + id)
}

// Permalink ссылка на сообщение канала. Для каналов без alias используется t.me/c.
func Permalink(ch domain.Channel, messageID int) string {
	if ch.Alias != "" {
		return fmt.Sprintf("https://t.me/%s/%d", ch.Alias, messageID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", ch.PeerID, messageID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
