package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// Postgres реализует хранилища контрольных точек, записей перегенерации, истории сводок
// и MTProto-сессий на pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.CheckpointStore   = (*Postgres)(nil)
	_ domain.RegenerationStore = (*Postgres)(nil)
	_ domain.SummaryHistory    = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS summary_checkpoints (
    channel             TEXT PRIMARY KEY,
    schema_version      INT NOT NULL,
    watermark           TIMESTAMPTZ NOT NULL,
    summary_message_ids BIGINT[] NOT NULL DEFAULT '{}',
    poll_message_ids    BIGINT[] NOT NULL DEFAULT '{}',
    control_message_ids BIGINT[] NOT NULL DEFAULT '{}',
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS poll_regen_records (
    channel                       TEXT NOT NULL,
    summary_message_id            BIGINT NOT NULL,
    poll_message_id               BIGINT NOT NULL,
    control_message_id            BIGINT NOT NULL DEFAULT 0,
    destination                   TEXT NOT NULL,
    chat_id                       BIGINT NOT NULL,
    source_chat_id                BIGINT NOT NULL,
    discussion_forward_message_id BIGINT,
    summary_text                  TEXT NOT NULL,
    channel_name                  TEXT NOT NULL,
    created_at                    TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (channel, summary_message_id)
);
CREATE INDEX IF NOT EXISTS poll_regen_records_created_at_idx ON poll_regen_records (created_at);
CREATE TABLE IF NOT EXISTS summary_history (
    id                  BIGSERIAL PRIMARY KEY,
    channel             TEXT NOT NULL,
    channel_name        TEXT NOT NULL,
    chat_id             BIGINT NOT NULL,
    summary_text        TEXT NOT NULL,
    message_count       INT NOT NULL,
    period_start        TIMESTAMPTZ NOT NULL,
    period_end          TIMESTAMPTZ NOT NULL,
    model               TEXT NOT NULL DEFAULT '',
    kind                TEXT NOT NULL,
    summary_message_ids BIGINT[] NOT NULL DEFAULT '{}',
    poll_message_id     BIGINT NOT NULL DEFAULT 0,
    control_message_id  BIGINT NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS summary_history_channel_idx ON summary_history (channel, created_at DESC);
CREATE INDEX IF NOT EXISTS summary_history_created_at_idx ON summary_history (created_at);
CREATE TABLE IF NOT EXISTS mtproto_sessions (
    name       TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema создаёт таблицы, если их ещё нет.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, schema)
	metrics.ObserveNetworkRequest("postgres", "ensure_schema", "schema", start, err)
	if err != nil {
		return fmt.Errorf("создание схемы: %w", err)
	}
	return nil
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Load реализует domain.CheckpointStore.
func (p *Postgres) Load(ctx context.Context, channel string) (domain.Checkpoint, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		watermark                time.Time
		summary, polls, controls []int64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT watermark, summary_message_ids, poll_message_ids, control_message_ids
FROM summary_checkpoints WHERE channel = $1
`, channel).Scan(&watermark, &summary, &polls, &controls)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "checkpoint_load", "summary_checkpoints", start, nil)
		return domain.Checkpoint{}, false, nil
	}
	metrics.ObserveNetworkRequest("postgres", "checkpoint_load", "summary_checkpoints", start, err)
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("загрузка контрольной точки %s: %w", channel, err)
	}
	return domain.NewCheckpoint(watermark, toInts(summary), toInts(polls), toInts(controls)), true, nil
}

// Save записывает контрольную точку одним запросом. Водяной знак не сдвигается назад.
func (p *Postgres) Save(ctx context.Context, channel string, cp domain.Checkpoint) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	cp = domain.NewCheckpoint(cp.Watermark, cp.SummaryMessageIDs, cp.PollMessageIDs, cp.ControlMessageIDs)
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO summary_checkpoints (channel, schema_version, watermark, summary_message_ids, poll_message_ids, control_message_ids, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (channel) DO UPDATE
SET schema_version = EXCLUDED.schema_version,
    watermark = GREATEST(summary_checkpoints.watermark, EXCLUDED.watermark),
    summary_message_ids = EXCLUDED.summary_message_ids,
    poll_message_ids = EXCLUDED.poll_message_ids,
    control_message_ids = EXCLUDED.control_message_ids,
    updated_at = now()
`, channel, cp.SchemaVersion, cp.Watermark, toInt64s(cp.SummaryMessageIDs), toInt64s(cp.PollMessageIDs), toInt64s(cp.ControlMessageIDs))
	metrics.ObserveNetworkRequest("postgres", "checkpoint_save", "summary_checkpoints", start, err)
	if err != nil {
		return fmt.Errorf("сохранение контрольной точки %s: %w", channel, err)
	}
	return nil
}

// Reset удаляет контрольную точку канала.
func (p *Postgres) Reset(ctx context.Context, channel string) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM summary_checkpoints WHERE channel = $1`, channel)
	metrics.ObserveNetworkRequest("postgres", "checkpoint_reset", "summary_checkpoints", start, err)
	if err != nil {
		return fmt.Errorf("сброс контрольной точки %s: %w", channel, err)
	}
	return nil
}

// ReplacePollIDs реализует domain.CheckpointStore.
func (p *Postgres) ReplacePollIDs(ctx context.Context, channel string, summaryID, pollID, controlID int) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE summary_checkpoints
SET poll_message_ids = $3, control_message_ids = $4, updated_at = now()
WHERE channel = $1 AND $2 = ANY(summary_message_ids)
`, channel, int64(summaryID), positive(pollID), positive(controlID))
	metrics.ObserveNetworkRequest("postgres", "checkpoint_replace_poll", "summary_checkpoints", start, err)
	if err != nil {
		return false, fmt.Errorf("обновление опроса в контрольной точке %s: %w", channel, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Put реализует domain.RegenerationStore.
func (p *Postgres) Put(ctx context.Context, rec domain.RegenerationRecord) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var forward *int64
	if rec.DiscussionForwardMessageID != nil {
		v := int64(*rec.DiscussionForwardMessageID)
		forward = &v
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO poll_regen_records (channel, summary_message_id, poll_message_id, control_message_id, destination,
    chat_id, source_chat_id, discussion_forward_message_id, summary_text, channel_name, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (channel, summary_message_id) DO UPDATE
SET poll_message_id = EXCLUDED.poll_message_id,
    control_message_id = EXCLUDED.control_message_id,
    destination = EXCLUDED.destination,
    chat_id = EXCLUDED.chat_id,
    source_chat_id = EXCLUDED.source_chat_id,
    discussion_forward_message_id = EXCLUDED.discussion_forward_message_id,
    summary_text = EXCLUDED.summary_text,
    channel_name = EXCLUDED.channel_name,
    created_at = EXCLUDED.created_at
`, rec.ChannelKey, rec.SummaryMessageID, rec.PollMessageID, rec.ControlMessageID, string(rec.Destination),
		rec.ChatID, rec.SourceChatID, forward, rec.SummaryText, rec.ChannelName, rec.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "regen_record_put", "poll_regen_records", start, err)
	if err != nil {
		return fmt.Errorf("сохранение записи перегенерации %s/%d: %w", rec.ChannelKey, rec.SummaryMessageID, err)
	}
	return nil
}

// Find реализует domain.RegenerationStore.
func (p *Postgres) Find(ctx context.Context, chatID int64, summaryMessageID int) (domain.RegenerationRecord, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		rec         domain.RegenerationRecord
		destination string
		forward     *int64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT channel, summary_message_id, poll_message_id, control_message_id, destination,
       chat_id, source_chat_id, discussion_forward_message_id, summary_text, channel_name, created_at
FROM poll_regen_records
WHERE summary_message_id = $2 AND (chat_id = $1 OR source_chat_id = $1)
ORDER BY created_at DESC
LIMIT 1
`, chatID, summaryMessageID).Scan(&rec.ChannelKey, &rec.SummaryMessageID, &rec.PollMessageID, &rec.ControlMessageID,
		&destination, &rec.ChatID, &rec.SourceChatID, &forward, &rec.SummaryText, &rec.ChannelName, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "regen_record_find", "poll_regen_records", start, nil)
		return domain.RegenerationRecord{}, false, nil
	}
	metrics.ObserveNetworkRequest("postgres", "regen_record_find", "poll_regen_records", start, err)
	if err != nil {
		return domain.RegenerationRecord{}, false, fmt.Errorf("поиск записи перегенерации %d: %w", summaryMessageID, err)
	}
	rec.Destination = domain.PollDestination(destination)
	if forward != nil {
		v := int(*forward)
		rec.DiscussionForwardMessageID = &v
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}

// UpdateMessageIDs реализует domain.RegenerationStore.
func (p *Postgres) UpdateMessageIDs(ctx context.Context, channel string, summaryMessageID, pollID, controlID int) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE poll_regen_records SET poll_message_id = $3, control_message_id = $4
WHERE channel = $1 AND summary_message_id = $2
`, channel, summaryMessageID, pollID, controlID)
	metrics.ObserveNetworkRequest("postgres", "regen_record_update", "poll_regen_records", start, err)
	if err != nil {
		return fmt.Errorf("обновление записи перегенерации %s/%d: %w", channel, summaryMessageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("обновление записи перегенерации %s/%d: %w", channel, summaryMessageID, domain.ErrRecordNotFound)
	}
	return nil
}

// Sweep реализует domain.RegenerationStore.
func (p *Postgres) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM poll_regen_records WHERE created_at < $1`, now.Add(-retention))
	metrics.ObserveNetworkRequest("postgres", "regen_record_sweep", "poll_regen_records", start, err)
	if err != nil {
		return 0, fmt.Errorf("очистка записей перегенерации: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Append реализует domain.SummaryHistory.
func (p *Postgres) Append(ctx context.Context, e domain.SummaryEntry) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO summary_history (channel, channel_name, chat_id, summary_text, message_count, period_start, period_end,
    model, kind, summary_message_ids, poll_message_id, control_message_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`, e.ChannelKey, e.ChannelName, e.ChatID, e.Text, e.MessageCount, e.PeriodStart, e.PeriodEnd,
		e.Model, e.Kind, toInt64s(e.SummaryMessageIDs), e.PollMessageID, e.ControlMessageID, e.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "history_append", "summary_history", start, err)
	if err != nil {
		return fmt.Errorf("запись истории %s: %w", e.ChannelKey, err)
	}
	return nil
}

// Recent реализует domain.SummaryHistory. limit <= 0 снимает ограничение.
func (p *Postgres) Recent(ctx context.Context, channel string, limit int) ([]domain.SummaryEntry, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var rowLimit any
	if limit > 0 {
		rowLimit = limit
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT channel, channel_name, chat_id, summary_text, message_count, period_start, period_end,
       model, kind, summary_message_ids, poll_message_id, control_message_id, created_at
FROM summary_history
WHERE channel = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, channel, rowLimit)
	if err != nil {
		metrics.ObserveNetworkRequest("postgres", "history_recent", "summary_history", start, err)
		return nil, fmt.Errorf("чтение истории %s: %w", channel, err)
	}
	defer rows.Close()

	var out []domain.SummaryEntry
	for rows.Next() {
		var (
			e   domain.SummaryEntry
			ids []int64
		)
		if err := rows.Scan(&e.ChannelKey, &e.ChannelName, &e.ChatID, &e.Text, &e.MessageCount, &e.PeriodStart, &e.PeriodEnd,
			&e.Model, &e.Kind, &ids, &e.PollMessageID, &e.ControlMessageID, &e.CreatedAt); err != nil {
			metrics.ObserveNetworkRequest("postgres", "history_recent", "summary_history", start, err)
			return nil, fmt.Errorf("разбор истории %s: %w", channel, err)
		}
		e.SummaryMessageIDs = toInts(ids)
		e.PeriodStart, e.PeriodEnd, e.CreatedAt = e.PeriodStart.UTC(), e.PeriodEnd.UTC(), e.CreatedAt.UTC()
		out = append(out, e)
	}
	err = rows.Err()
	metrics.ObserveNetworkRequest("postgres", "history_recent", "summary_history", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение истории %s: %w", channel, err)
	}
	return out, nil
}

// Prune реализует domain.SummaryHistory.
func (p *Postgres) Prune(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM summary_history WHERE created_at < $1`, before)
	metrics.ObserveNetworkRequest("postgres", "history_prune", "summary_history", start, err)
	if err != nil {
		return 0, fmt.Errorf("очистка истории сводок: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LoadMTProtoSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadMTProtoSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM mtproto_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_load", "mtproto_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreMTProtoSession сохраняет MTProto-сессию.
func (p *Postgres) StoreMTProtoSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO mtproto_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "mtproto_sessions_store", "mtproto_sessions", start, err)
	return err
}

// SessionStorage адаптирует хранение сессии в Postgres к session.Storage из gotd.
type SessionStorage struct {
	DB   *Postgres
	Name string
}

var _ session.Storage = (*SessionStorage)(nil)

// LoadSession реализует session.Storage.
func (s *SessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	return s.DB.LoadMTProtoSession(ctx, s.Name)
}

// StoreSession реализует session.Storage.
func (s *SessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.DB.StoreMTProtoSession(ctx, s.Name, data)
}

func toInts(ids []int64) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		out = append(out, int(id))
	}
	return out
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		out = append(out, int64(id))
	}
	return out
}

func positive(id int) []int64 {
	if id <= 0 {
		return []int64{}
	}
	return []int64{int64(id)}
}
