package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoDiscussion у канала нет привязанной группы обсуждения.
	ErrNoDiscussion = errors.New("у канала нет группы обсуждения")
	// ErrChannelNotFound канал не найден или недоступен.
	ErrChannelNotFound = errors.New("канал не найден")
	// ErrRecordNotFound запись перегенерации отсутствует.
	ErrRecordNotFound = errors.New("запись перегенерации не найдена")
)

// CheckpointStore хранит контрольные точки каналов. Save и Reset заменяют запись канала целиком.
type CheckpointStore interface {
	Load(ctx context.Context, channel string) (Checkpoint, bool, error)
	Save(ctx context.Context, channel string, cp Checkpoint) error
	Reset(ctx context.Context, channel string) error
	// ReplacePollIDs заменяет идентификаторы опроса и кнопки, не трогая водяной знак.
	// Запись меняется, только если summaryID относится к последнему циклу канала.
	ReplacePollIDs(ctx context.Context, channel string, summaryID, pollID, controlID int) (bool, error)
}

// RegenerationStore хранит записи для перегенерации опросов.
type RegenerationStore interface {
	Put(ctx context.Context, rec RegenerationRecord) error
	// Find ищет запись по сводке и чату, в котором нажата кнопка.
	Find(ctx context.Context, chatID int64, summaryMessageID int) (RegenerationRecord, bool, error)
	UpdateMessageIDs(ctx context.Context, channel string, summaryMessageID, pollID, controlID int) error
	Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error)
}

// SummaryHistory журнал отправленных сводок.
type SummaryHistory interface {
	Append(ctx context.Context, entry SummaryEntry) error
	// Recent возвращает последние записи канала, новые первыми.
	Recent(ctx context.Context, channel string, limit int) ([]SummaryEntry, error)
	// Prune удаляет записи, созданные раньше before.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// ControlButton кнопка под служебным сообщением.
type ControlButton struct {
	Text string
	Data string
}

// Messenger клиент Bot API, через который бот публикует сообщения.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
	SendPoll(ctx context.Context, chatID int64, poll PollContent, replyTo int, anonymous bool) (int, error)
	SendControl(ctx context.Context, chatID int64, text string, button ControlButton, replyTo int) (int, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
	Pin(ctx context.Context, chatID int64, messageID int) error
}

// ChannelDirectory резолвит каналы и их группы обсуждения.
type ChannelDirectory interface {
	Resolve(ctx context.Context, alias string) (Channel, error)
	DiscussionChatID(ctx context.Context, ch Channel) (int64, error)
}

// MessageFetcher выгружает сообщения канала начиная с указанного момента.
type MessageFetcher interface {
	FetchSince(ctx context.Context, ch Channel, since time.Time) ([]SourceMessage, error)
}

// Summarizer строит текст сводки по сообщениям.
type Summarizer interface {
	Summarize(ctx context.Context, messages []SourceMessage, prompt string) (string, error)
}

// PollGenerator строит опрос по тексту сводки.
// Пустой prompt означает шаблон по умолчанию.
type PollGenerator interface {
	GeneratePoll(ctx context.Context, summary, prompt string) (PollContent, error)
}

// CycleLocker не даёт двум циклам одного канала выполняться одновременно.
type CycleLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}
