package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"tg-summary-bot/internal/domain"
)

// settingsFile структура файла настроек каналов.
type settingsFile struct {
	SendToSource bool                              `mapstructure:"send_to_source"`
	ReportChatID int64                             `mapstructure:"report_chat_id"`
	PollEnabled  bool                              `mapstructure:"poll_enabled"`
	Prompt       string                            `mapstructure:"prompt"`
	PollPrompt   string                            `mapstructure:"poll_prompt"`
	Operators    []string                          `mapstructure:"operators"`
	Channels     map[string]domain.ChannelSettings `mapstructure:"channels"`
}

// SettingsStore держит текущий снимок настроек каналов. Снимки неизменяемы,
// перезагрузка подменяет указатель целиком.
type SettingsStore struct {
	v         *viper.Viper
	operators []string
	log       zerolog.Logger

	mu      sync.Mutex
	version int64
	current atomic.Pointer[domain.Settings]
}

// LoadSettings читает файл настроек. extraOperators добавляются к операторам из файла.
func LoadSettings(path string, extraOperators []string, log zerolog.Logger) (*SettingsStore, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("send_to_source", true)
	v.SetDefault("poll_enabled", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("чтение настроек %s: %w", path, err)
	}
	s := &SettingsStore{v: v, operators: extraOperators, log: log.With().Str("component", "settings").Logger()}
	if _, err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot возвращает текущий снимок.
func (s *SettingsStore) Snapshot() domain.Settings {
	return *s.current.Load()
}

// Watch следит за файлом и отправляет в events сигнал об изменении. Сам снимок
// подменяет Apply, вызванный из главного цикла.
func (s *SettingsStore) Watch(events chan<- struct{}) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		select {
		case events <- struct{}{}:
		default:
			// Сигнал уже ждёт обработки.
		}
	})
	s.v.WatchConfig()
}

// Apply перечитывает файл и публикует новый снимок. При ошибке остаётся прежний снимок.
func (s *SettingsStore) Apply() (domain.Settings, error) {
	if err := s.v.ReadInConfig(); err != nil {
		return s.Snapshot(), fmt.Errorf("перечитывание настроек: %w", err)
	}
	return s.reload()
}

func (s *SettingsStore) reload() (domain.Settings, error) {
	var file settingsFile
	if err := s.v.Unmarshal(&file); err != nil {
		return domain.Settings{}, fmt.Errorf("разбор настроек: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := buildSettings(file, s.operators, s.version+1)
	if err != nil {
		return domain.Settings{}, err
	}
	for _, warn := range next.warnings {
		s.log.Warn().Msg("settings: " + warn)
	}
	s.version = next.settings.Version
	s.current.Store(&next.settings)
	s.log.Info().Int64("version", s.version).Int("channels", len(next.settings.Channels)).Msg("settings: снимок настроек обновлён")
	return next.settings, nil
}

type builtSettings struct {
	settings domain.Settings
	warnings []string
}

func buildSettings(file settingsFile, extraOperators []string, version int64) (builtSettings, error) {
	var out builtSettings
	operators, invalid := domain.ParseOperatorSet(append(append([]string{}, file.Operators...), extraOperators...))
	for _, item := range invalid {
		out.warnings = append(out.warnings, fmt.Sprintf("некорректный id оператора %q пропущен", item))
	}
	if !file.SendToSource && file.ReportChatID == 0 {
		return out, errors.New("send_to_source выключен, но report_chat_id не задан")
	}

	channels := make(map[string]domain.ChannelSettings, len(file.Channels))
	for key, ch := range file.Channels {
		key = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(key), "@"))
		if key == "" {
			continue
		}
		ch.Alias = strings.TrimPrefix(strings.TrimSpace(ch.Alias), "@")
		if ch.Alias == "" {
			ch.Alias = key
		}
		if ch.Frequency == "" {
			ch.Frequency = domain.FrequencyDaily
		}
		if ch.Frequency != domain.FrequencyDaily && ch.Frequency != domain.FrequencyWeekly {
			return out, fmt.Errorf("канал %s: неизвестная периодичность %q", key, ch.Frequency)
		}
		if ch.Poll.Destination != "" && !ch.Poll.Destination.Valid() {
			out.warnings = append(out.warnings, fmt.Sprintf("канал %s: неизвестное назначение опроса %q, используем discussion", key, ch.Poll.Destination))
			ch.Poll.Destination = ""
		}
		channels[key] = ch
	}

	out.settings = domain.Settings{
		Version:      version,
		SendToSource: file.SendToSource,
		ReportChatID: file.ReportChatID,
		PollEnabled:  file.PollEnabled,
		Prompt:       strings.TrimSpace(file.Prompt),
		PollPrompt:   strings.TrimSpace(file.PollPrompt),
		Operators:    operators,
		Channels:     channels,
	}
	return out, nil
}
