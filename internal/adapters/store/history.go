package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
)

// FileHistory журнал отправленных сводок: канал → записи в порядке отправки.
type FileHistory struct {
	doc *document
	log zerolog.Logger
}

var _ domain.SummaryHistory = (*FileHistory)(nil)

// NewFileHistory создаёт файловый журнал сводок.
func NewFileHistory(path string, log zerolog.Logger) (*FileHistory, error) {
	doc, err := newDocument(path)
	if err != nil {
		return nil, err
	}
	return &FileHistory{doc: doc, log: log.With().Str("component", "summary_history").Logger()}, nil
}

func (s *FileHistory) entries(doc map[string]json.RawMessage, key string) []domain.SummaryEntry {
	raw, ok := doc[key]
	if !ok {
		return nil
	}
	var out []domain.SummaryEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		s.log.Warn().Err(err).Str("channel", key).Msg("store: повреждённая история канала отброшена")
		return nil
	}
	return out
}

// Append добавляет запись в конец истории канала.
func (s *FileHistory) Append(_ context.Context, entry domain.SummaryEntry) error {
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		return putJSON(doc, entry.ChannelKey, append(s.entries(doc, entry.ChannelKey), entry))
	})
	if err != nil {
		return fmt.Errorf("запись истории %s: %w", entry.ChannelKey, err)
	}
	return nil
}

// Recent возвращает до limit последних записей канала, новые первыми.
func (s *FileHistory) Recent(_ context.Context, channel string, limit int) ([]domain.SummaryEntry, error) {
	var out []domain.SummaryEntry
	err := s.doc.view(func(doc map[string]json.RawMessage) error {
		entries := s.entries(doc, channel)
		for i := len(entries) - 1; i >= 0; i-- {
			if limit > 0 && len(out) == limit {
				break
			}
			out = append(out, entries[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("чтение истории %s: %w", channel, err)
	}
	return out, nil
}

// Prune удаляет записи, созданные раньше before.
func (s *FileHistory) Prune(_ context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		for channel := range doc {
			entries := s.entries(doc, channel)
			kept := entries[:0]
			for _, e := range entries {
				if e.CreatedAt.Before(before) {
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) == len(entries) {
				continue
			}
			removed += len(entries) - len(kept)
			if len(kept) == 0 {
				delete(doc, channel)
				continue
			}
			if err := putJSON(doc, channel, kept); err != nil {
				return err
			}
		}
		if removed == 0 {
			return errSkipWrite
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("очистка истории сводок: %w", err)
	}
	return removed, nil
}
