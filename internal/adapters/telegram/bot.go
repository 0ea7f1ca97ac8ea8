package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/infra/metrics"
)

// API часть tgbotapi.BotAPI, которой пользуется бот. Нужна для подмены в тестах.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot отправляет сообщения через Bot API.
type Bot struct {
	api API
	log zerolog.Logger
}

var _ domain.Messenger = (*Bot)(nil)

// NewBot создаёт клиент Bot API.
func NewBot(api API, log zerolog.Logger) *Bot {
	return &Bot{api: api, log: log.With().Str("component", "telegram").Logger()}
}

// SendText отправляет текст с разметкой. Если Telegram не принимает HTML,
// сообщение отправляется без форматирования.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(chatID, ToHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyToMessageID = replyTo

	sent, err := b.send(ctx, "send_message", chatID, msg)
	if err != nil && isParseError(err) {
		b.log.Warn().Err(err).Int64("chat", chatID).Msg("telegram: HTML не принят, отправляем без разметки")
		plain := tgbotapi.NewMessage(chatID, PlainText(text))
		plain.DisableWebPagePreview = true
		plain.ReplyToMessageID = replyTo
		sent, err = b.send(ctx, "send_message_plain", chatID, plain)
	}
	if err != nil {
		return 0, fmt.Errorf("отправка сообщения в %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// SendPoll отправляет опрос ответом на replyTo.
func (b *Bot) SendPoll(ctx context.Context, chatID int64, poll domain.PollContent, replyTo int, anonymous bool) (int, error) {
	cfg := tgbotapi.NewPoll(chatID, poll.Question, poll.Options...)
	cfg.IsAnonymous = anonymous
	cfg.ReplyToMessageID = replyTo
	sent, err := b.send(ctx, "send_poll", chatID, cfg)
	if err != nil {
		return 0, fmt.Errorf("отправка опроса в %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// SendControl отправляет служебное сообщение с одной inline-кнопкой.
func (b *Bot) SendControl(ctx context.Context, chatID int64, text string, button domain.ControlButton, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(button.Text, button.Data)),
	)
	msg.ReplyMarkup = markup
	sent, err := b.send(ctx, "send_control", chatID, msg)
	if err != nil {
		return 0, fmt.Errorf("отправка кнопки в %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// Delete удаляет сообщение.
func (b *Bot) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := b.request(ctx, "delete_message", chatID, tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("удаление сообщения %d в %d: %w", messageID, chatID, err)
	}
	return nil
}

// Pin закрепляет сообщение без уведомления.
func (b *Bot) Pin(ctx context.Context, chatID int64, messageID int) error {
	cfg := tgbotapi.PinChatMessageConfig{ChatID: chatID, MessageID: messageID, DisableNotification: true}
	if err := b.request(ctx, "pin_message", chatID, cfg); err != nil {
		return fmt.Errorf("закрепление сообщения %d в %d: %w", messageID, chatID, err)
	}
	return nil
}

// AnswerCallback отвечает на нажатие кнопки. alert показывает всплывающее окно.
func (b *Bot) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}
	return b.request(ctx, "answer_callback", 0, cfg)
}

func (b *Bot) send(ctx context.Context, operation string, chatID int64, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.Message{}, err
	}
	start := time.Now()
	msg, err := b.api.Send(c)
	metrics.ObserveNetworkRequest("telegram_bot", operation, strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
	}
	return msg, err
}

func (b *Bot) request(ctx context.Context, operation string, chatID int64, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	_, err := b.api.Request(c)
	metrics.ObserveNetworkRequest("telegram_bot", operation, strconv.FormatInt(chatID, 10), start, err)
	return err
}

func isParseError(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return strings.Contains(tgErr.Message, "can't parse entities")
	}
	return strings.Contains(err.Error(), "can't parse entities")
}
