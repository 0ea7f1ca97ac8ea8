package polls

import "tg-summary-bot/internal/domain"

// Resolve объединяет настройки опроса канала с глобальным значением по умолчанию.
// Enabled == nil наследует глобальный флаг, пустое назначение означает группу обсуждения.
func Resolve(settings domain.Settings, channel string) domain.PollTarget {
	target := domain.PollTarget{
		Enabled:     settings.PollEnabled,
		Destination: domain.PollDestinationDiscussion,
	}
	ch, ok := settings.Channel(channel)
	if !ok {
		return target
	}
	if ch.Poll.Enabled != nil {
		target.Enabled = *ch.Poll.Enabled
	}
	if ch.Poll.Destination.Valid() {
		target.Destination = ch.Poll.Destination
	}
	return target
}
