package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
)

// FileRecords хранит записи перегенерации опросов: канал → id сводки → запись.
type FileRecords struct {
	doc *document
	log zerolog.Logger
}

var _ domain.RegenerationStore = (*FileRecords)(nil)

// NewFileRecords создаёт файловое хранилище записей перегенерации.
func NewFileRecords(path string, log zerolog.Logger) (*FileRecords, error) {
	doc, err := newDocument(path)
	if err != nil {
		return nil, err
	}
	return &FileRecords{doc: doc, log: log.With().Str("component", "regen_records").Logger()}, nil
}

type channelRecords map[string]domain.RegenerationRecord

func (s *FileRecords) channel(doc map[string]json.RawMessage, key string) channelRecords {
	out := channelRecords{}
	raw, ok := doc[key]
	if !ok {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		s.log.Warn().Err(err).Str("channel", key).Msg("store: повреждённые записи канала отброшены")
		return channelRecords{}
	}
	return out
}

// Put сохраняет запись, заменяя прежнюю для той же сводки.
func (s *FileRecords) Put(_ context.Context, rec domain.RegenerationRecord) error {
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		records := s.channel(doc, rec.ChannelKey)
		records[strconv.Itoa(rec.SummaryMessageID)] = rec
		return putJSON(doc, rec.ChannelKey, records)
	})
	if err != nil {
		return fmt.Errorf("сохранение записи перегенерации %s/%d: %w", rec.ChannelKey, rec.SummaryMessageID, err)
	}
	return nil
}

// Find ищет запись по id сводки и чату, в котором нажата кнопка: это может быть
// как чат опроса, так и исходный канал.
func (s *FileRecords) Find(_ context.Context, chatID int64, summaryMessageID int) (domain.RegenerationRecord, bool, error) {
	var (
		found domain.RegenerationRecord
		ok    bool
	)
	key := strconv.Itoa(summaryMessageID)
	err := s.doc.view(func(doc map[string]json.RawMessage) error {
		for channel := range doc {
			rec, exists := s.channel(doc, channel)[key]
			if !exists {
				continue
			}
			if rec.ChatID == chatID || rec.SourceChatID == chatID {
				found, ok = rec, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return domain.RegenerationRecord{}, false, fmt.Errorf("поиск записи перегенерации %d: %w", summaryMessageID, err)
	}
	return found, ok, nil
}

// UpdateMessageIDs обновляет идентификаторы опроса и кнопки, не трогая остальные поля.
func (s *FileRecords) UpdateMessageIDs(_ context.Context, channel string, summaryMessageID, pollID, controlID int) error {
	key := strconv.Itoa(summaryMessageID)
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		records := s.channel(doc, channel)
		rec, ok := records[key]
		if !ok {
			return domain.ErrRecordNotFound
		}
		rec.PollMessageID = pollID
		rec.ControlMessageID = controlID
		records[key] = rec
		return putJSON(doc, channel, records)
	})
	if err != nil {
		return fmt.Errorf("обновление записи перегенерации %s/%d: %w", channel, summaryMessageID, err)
	}
	return nil
}

// Sweep удаляет записи старше retention и возвращает их количество.
func (s *FileRecords) Sweep(_ context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention)
	removed := 0
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		for channel := range doc {
			records := s.channel(doc, channel)
			before := len(records)
			for key, rec := range records {
				if rec.CreatedAt.Before(cutoff) {
					delete(records, key)
				}
			}
			if len(records) == before {
				continue
			}
			removed += before - len(records)
			if len(records) == 0 {
				delete(doc, channel)
				continue
			}
			if err := putJSON(doc, channel, records); err != nil {
				return err
			}
		}
		if removed == 0 {
			return errSkipWrite
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("очистка записей перегенерации: %w", err)
	}
	return removed, nil
}
