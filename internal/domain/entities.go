package domain

import (
	"sort"
	"time"
)

// DefaultLookback используется, когда для канала ещё нет контрольной точки.
const DefaultLookback = 7 * 24 * time.Hour

// CheckpointSchemaVersion текущая версия формата контрольной точки.
const CheckpointSchemaVersion = 2

// Channel описывает отслеживаемый канал после резолва.
type Channel struct {
	// Key ключ канала в конфигурации и хранилищах (обычно alias без @).
	Key   string
	Alias string
	Title string
	// ChatID идентификатор канала в формате Bot API (-100...).
	ChatID int64
	// PeerID и AccessHash нужны MTProto для чтения истории.
	PeerID     int64
	AccessHash int64
}

// DisplayName возвращает заголовок канала или alias.
func (c Channel) DisplayName() string {
	if c.Title != "" {
		return c.Title
	}
	return c.Alias
}

// SourceMessage сообщение канала, попадающее в сводку.
type SourceMessage struct {
	ID          int
	PublishedAt time.Time
	Text        string
	Permalink   string
}

// Checkpoint хранит водяной знак и идентификаторы сообщений, отправленных ботом.
type Checkpoint struct {
	SchemaVersion     int       `json:"schema_version"`
	Watermark         time.Time `json:"watermark"`
	SummaryMessageIDs []int     `json:"summary_message_ids"`
	PollMessageIDs    []int     `json:"poll_message_ids"`
	ControlMessageIDs []int     `json:"control_message_ids"`
}

// NewCheckpoint создаёт контрольную точку текущей версии.
func NewCheckpoint(watermark time.Time, summaryIDs, pollIDs, controlIDs []int) Checkpoint {
	return Checkpoint{
		SchemaVersion:     CheckpointSchemaVersion,
		Watermark:         watermark.UTC(),
		SummaryMessageIDs: nonNilIDs(summaryIDs),
		PollMessageIDs:    nonNilIDs(pollIDs),
		ControlMessageIDs: nonNilIDs(controlIDs),
	}
}

// InitialCheckpoint возвращается, если канал ещё ни разу не обрабатывался.
func InitialCheckpoint(now time.Time) Checkpoint {
	return NewCheckpoint(now.Add(-DefaultLookback), nil, nil, nil)
}

// Exclusions объединяет все идентификаторы, созданные ботом в прошлом цикле.
func (c Checkpoint) Exclusions() map[int]struct{} {
	out := make(map[int]struct{}, len(c.SummaryMessageIDs)+len(c.PollMessageIDs)+len(c.ControlMessageIDs))
	for _, list := range [][]int{c.SummaryMessageIDs, c.PollMessageIDs, c.ControlMessageIDs} {
		for _, id := range list {
			if id > 0 {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

// ProducedIDs возвращает отсортированное объединение исключений.
func (c Checkpoint) ProducedIDs() []int {
	set := c.Exclusions()
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func nonNilIDs(ids []int) []int {
	if ids == nil {
		return []int{}
	}
	out := make([]int, len(ids))
	copy(out, ids)
	return out
}

// ReportSegment часть отчёта, укладывающаяся в лимит одного сообщения.
type ReportSegment struct {
	Index    int
	Total    int
	Text     string
	HasTitle bool
}

// PollDestination определяет, куда отправляется опрос.
type PollDestination string

const (
	// PollDestinationChannel опрос публикуется в самом канале.
	PollDestinationChannel PollDestination = "channel"
	// PollDestinationDiscussion опрос публикуется в привязанной группе обсуждения.
	PollDestinationDiscussion PollDestination = "discussion"
)

// Valid проверяет значение назначения.
func (d PollDestination) Valid() bool {
	return d == PollDestinationChannel || d == PollDestinationDiscussion
}

// PollSettings настройки опроса канала. Enabled == nil означает наследование глобального значения.
type PollSettings struct {
	Enabled     *bool           `json:"enabled,omitempty" mapstructure:"enabled"`
	Destination PollDestination `json:"destination,omitempty" mapstructure:"destination"`
}

// PollTarget итог разрешения настроек опроса.
type PollTarget struct {
	Enabled     bool
	Destination PollDestination
}

// PollContent вопрос и варианты ответа.
type PollContent struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// RegenerationRecord хранит всё необходимое для замены ранее отправленного опроса.
type RegenerationRecord struct {
	ChannelKey       string          `json:"channel_key"`
	SummaryMessageID int             `json:"summary_message_id"`
	PollMessageID    int             `json:"poll_message_id"`
	ControlMessageID int             `json:"control_message_id"`
	Destination      PollDestination `json:"destination"`
	// ChatID чат, в котором лежат опрос и кнопка.
	ChatID int64 `json:"chat_id"`
	// SourceChatID чат канала, куда ушла сводка.
	SourceChatID int64 `json:"source_chat_id"`
	// DiscussionForwardMessageID задан только для назначения discussion.
	DiscussionForwardMessageID *int      `json:"discussion_forward_message_id,omitempty"`
	SummaryText                string    `json:"summary_text"`
	ChannelName                string    `json:"channel_name"`
	CreatedAt                  time.Time `json:"created_at"`
}

// Anchor возвращает сообщение, на которое отвечает опрос.
func (r RegenerationRecord) Anchor() int {
	if r.Destination == PollDestinationDiscussion && r.DiscussionForwardMessageID != nil {
		return *r.DiscussionForwardMessageID
	}
	return r.SummaryMessageID
}

// Frequency задаёт период сводки.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// SummaryKindManual вид сводки, запрошенной оператором. Сводки по расписанию
// помечаются периодом канала (daily или weekly).
const SummaryKindManual = "manual"

// SummaryEntry запись истории отправленных сводок.
type SummaryEntry struct {
	ChannelKey        string    `json:"channel_key"`
	ChannelName       string    `json:"channel_name"`
	ChatID            int64     `json:"chat_id"`
	Text              string    `json:"summary_text"`
	MessageCount      int       `json:"message_count"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	Model             string    `json:"model,omitempty"`
	Kind              string    `json:"kind"`
	SummaryMessageIDs []int     `json:"summary_message_ids"`
	PollMessageID     int       `json:"poll_message_id,omitempty"`
	ControlMessageID  int       `json:"control_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
