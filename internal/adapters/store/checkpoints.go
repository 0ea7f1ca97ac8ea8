package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"tg-summary-bot/internal/domain"
)

// FileCheckpoints хранит контрольные точки всех каналов в одном JSON-файле.
type FileCheckpoints struct {
	doc *document
	log zerolog.Logger
}

var _ domain.CheckpointStore = (*FileCheckpoints)(nil)

// NewFileCheckpoints создаёт файловое хранилище контрольных точек.
func NewFileCheckpoints(path string, log zerolog.Logger) (*FileCheckpoints, error) {
	doc, err := newDocument(path)
	if err != nil {
		return nil, err
	}
	return &FileCheckpoints{doc: doc, log: log.With().Str("component", "checkpoints").Logger()}, nil
}

// Load возвращает контрольную точку канала. found == false, если канал ещё не обрабатывался.
func (s *FileCheckpoints) Load(_ context.Context, channel string) (domain.Checkpoint, bool, error) {
	var (
		cp    domain.Checkpoint
		found bool
	)
	err := s.doc.view(func(doc map[string]json.RawMessage) error {
		raw, ok := doc[channel]
		if !ok {
			return nil
		}
		found = true
		cp = s.decode(channel, raw)
		return nil
	})
	if err != nil {
		return domain.Checkpoint{}, false, fmt.Errorf("загрузка контрольной точки %s: %w", channel, err)
	}
	return cp, found, nil
}

// Save записывает контрольную точку. Водяной знак никогда не сдвигается назад,
// списки идентификаторов заменяются целиком.
func (s *FileCheckpoints) Save(_ context.Context, channel string, cp domain.Checkpoint) error {
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		next := domain.NewCheckpoint(cp.Watermark, cp.SummaryMessageIDs, cp.PollMessageIDs, cp.ControlMessageIDs)
		if raw, ok := doc[channel]; ok {
			prev := s.decode(channel, raw)
			if prev.Watermark.After(next.Watermark) {
				s.log.Warn().Str("channel", channel).Time("stored", prev.Watermark).Time("new", next.Watermark).
					Msg("store: водяной знак не сдвигается назад")
				next.Watermark = prev.Watermark
			}
		}
		return putJSON(doc, channel, next)
	})
	if err != nil {
		return fmt.Errorf("сохранение контрольной точки %s: %w", channel, err)
	}
	return nil
}

// Reset удаляет контрольную точку канала, следующий цикл начнётся с окна по умолчанию.
func (s *FileCheckpoints) Reset(_ context.Context, channel string) error {
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		if _, ok := doc[channel]; !ok {
			return errSkipWrite
		}
		delete(doc, channel)
		return nil
	})
	if err != nil {
		return fmt.Errorf("сброс контрольной точки %s: %w", channel, err)
	}
	return nil
}

// ReplacePollIDs подменяет идентификаторы опроса и кнопки, если summaryID относится
// к последнему циклу канала. Водяной знак не меняется.
func (s *FileCheckpoints) ReplacePollIDs(_ context.Context, channel string, summaryID, pollID, controlID int) (bool, error) {
	var replaced bool
	err := s.doc.update(func(doc map[string]json.RawMessage) error {
		raw, ok := doc[channel]
		if !ok {
			return errSkipWrite
		}
		cp := s.decode(channel, raw)
		if !containsID(cp.SummaryMessageIDs, summaryID) {
			return errSkipWrite
		}
		cp = domain.NewCheckpoint(cp.Watermark, cp.SummaryMessageIDs, positiveIDs(pollID), positiveIDs(controlID))
		replaced = true
		return putJSON(doc, channel, cp)
	})
	if err != nil {
		return false, fmt.Errorf("обновление опроса в контрольной точке %s: %w", channel, err)
	}
	return replaced, nil
}

// decode разбирает запись канала. Записи старого формата (time, report_message_ids,
// списки в обёртках) приводятся к текущей версии с предупреждением.
func (s *FileCheckpoints) decode(channel string, raw json.RawMessage) domain.Checkpoint {
	cp, coerced := decodeCheckpoint(raw)
	if len(coerced) > 0 {
		s.log.Warn().Str("channel", channel).Strs("fields", coerced).
			Msg("store: контрольная точка приведена к текущему формату")
	}
	return cp
}

func decodeCheckpoint(raw json.RawMessage) (domain.Checkpoint, []string) {
	var coerced []string
	if !gjson.ValidBytes(raw) {
		return domain.NewCheckpoint(time.Time{}, nil, nil, nil), []string{"document"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return domain.NewCheckpoint(time.Time{}, nil, nil, nil), []string{"document"}
	}
	if root.Get("schema_version").Int() < domain.CheckpointSchemaVersion {
		coerced = append(coerced, "schema_version")
	}

	watermark, ok := parseWatermark(root.Get("watermark"))
	if !ok {
		if legacy, legacyOK := parseWatermark(root.Get("time")); legacyOK {
			watermark = legacy
			coerced = append(coerced, "time")
		} else {
			coerced = append(coerced, "watermark")
		}
	}

	summary := root.Get("summary_message_ids")
	if !summary.Exists() && root.Get("report_message_ids").Exists() {
		summary = root.Get("report_message_ids")
		coerced = append(coerced, "report_message_ids")
	}
	lists := make([][]int, 3)
	for i, field := range []struct {
		name  string
		value gjson.Result
	}{
		{"summary_message_ids", summary},
		{"poll_message_ids", root.Get("poll_message_ids")},
		{"control_message_ids", root.Get("control_message_ids")},
	} {
		ids, clean := coerceIDs(field.value)
		if !clean {
			coerced = append(coerced, field.name)
		}
		lists[i] = ids
	}
	return domain.NewCheckpoint(watermark, lists[0], lists[1], lists[2]), coerced
}

func parseWatermark(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case gjson.Number:
		sec := v.Float()
		if sec <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)).UTC(), true
	default:
		return time.Time{}, false
	}
}

// coerceIDs приводит список идентификаторов к []int. Второй результат false,
// если значение пришлось исправлять.
func coerceIDs(v gjson.Result) ([]int, bool) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, true
	}
	if v.IsObject() {
		if inner := v.Get("ids"); inner.IsArray() {
			ids, _ := coerceIDs(inner)
			return ids, false
		}
		return nil, false
	}
	if !v.IsArray() {
		if id, ok := toID(v); ok {
			return []int{id}, false
		}
		return nil, false
	}
	clean := true
	var ids []int
	for _, item := range v.Array() {
		id, ok := toID(item)
		if !ok {
			clean = false
			continue
		}
		if item.Type != gjson.Number {
			clean = false
		}
		ids = append(ids, id)
	}
	return ids, clean
}

func toID(v gjson.Result) (int, bool) {
	switch v.Type {
	case gjson.Number:
		id := int(v.Int())
		return id, id > 0
	case gjson.String:
		id, err := strconv.Atoi(v.String())
		return id, err == nil && id > 0
	default:
		return 0, false
	}
}

func putJSON(doc map[string]json.RawMessage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	doc[key] = data
	return nil
}

func containsID(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func positiveIDs(ids ...int) []int {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	return out
}
