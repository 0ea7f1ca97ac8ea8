package domain

import "sort"

// ChannelSettings настройки одного отслеживаемого канала.
type ChannelSettings struct {
	Alias     string       `mapstructure:"alias"`
	Schedule  string       `mapstructure:"schedule"`
	Frequency Frequency    `mapstructure:"frequency"`
	Prompt    string       `mapstructure:"prompt"`
	Poll      PollSettings `mapstructure:"poll"`
}

// Settings неизменяемый снимок конфигурации каналов. Каждый цикл получает свой снимок
// и не видит изменений, применённых после старта.
type Settings struct {
	Version      int64
	SendToSource bool
	// ReportChatID чат для отчётов, если SendToSource выключен.
	ReportChatID int64
	PollEnabled  bool
	Prompt       string
	// PollPrompt шаблон запроса опроса, {summary} заменяется текстом сводки.
	PollPrompt string
	Operators  OperatorSet
	Channels   map[string]ChannelSettings
}

// Channel возвращает настройки канала по ключу.
func (s Settings) Channel(key string) (ChannelSettings, bool) {
	ch, ok := s.Channels[key]
	return ch, ok
}

// ChannelKeys возвращает ключи каналов в детерминированном порядке.
func (s Settings) ChannelKeys() []string {
	keys := make([]string, 0, len(s.Channels))
	for k := range s.Channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PromptFor возвращает промпт канала или общий промпт.
func (s Settings) PromptFor(key string) string {
	if ch, ok := s.Channels[key]; ok && ch.Prompt != "" {
		return ch.Prompt
	}
	return s.Prompt
}
