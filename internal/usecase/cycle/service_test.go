package cycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
	"tg-summary-bot/internal/usecase/polls"
)

type staticSettings struct{ s domain.Settings }

func (s staticSettings) Snapshot() domain.Settings { return s.s }

type fakeLocker struct {
	busy     bool
	released int
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if l.busy {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

type fakeDirectory struct{}

func (fakeDirectory) Resolve(_ context.Context, alias string) (domain.Channel, error) {
	return domain.Channel{Key: alias, Alias: alias, Title: "Новости", ChatID: -100}, nil
}

func (fakeDirectory) DiscussionChatID(context.Context, domain.Channel) (int64, error) {
	return 0, domain.ErrNoDiscussion
}

type fakeFetcher struct {
	messages []domain.SourceMessage
	since    time.Time
}

func (f *fakeFetcher) FetchSince(_ context.Context, _ domain.Channel, since time.Time) ([]domain.SourceMessage, error) {
	f.since = since
	return f.messages, nil
}

type fakeSummarizer struct {
	text  string
	err   error
	input []domain.SourceMessage
}

func (s *fakeSummarizer) Summarize(_ context.Context, messages []domain.SourceMessage, _ string) (string, error) {
	s.input = messages
	return s.text, s.err
}

type fakeMessenger struct {
	sent    []string
	chats   []int64
	pinned  []int
	sendErr error
	nextID  int
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string, _ int) (int, error) {
	if m.sendErr != nil {
		return 0, m.sendErr
	}
	m.nextID++
	m.sent = append(m.sent, text)
	m.chats = append(m.chats, chatID)
	return 600 + m.nextID, nil
}

func (m *fakeMessenger) SendPoll(context.Context, int64, domain.PollContent, int, bool) (int, error) {
	return 0, errors.New("not used")
}

func (m *fakeMessenger) SendControl(context.Context, int64, string, domain.ControlButton, int) (int, error) {
	return 0, errors.New("not used")
}

func (m *fakeMessenger) Delete(context.Context, int64, int) error { return nil }

func (m *fakeMessenger) Pin(_ context.Context, _ int64, id int) error {
	m.pinned = append(m.pinned, id)
	return errors.New("not enough rights")
}

type memCheckpoints struct {
	cp    domain.Checkpoint
	found bool
	saved []domain.Checkpoint
}

func (c *memCheckpoints) Load(context.Context, string) (domain.Checkpoint, bool, error) {
	return c.cp, c.found, nil
}

func (c *memCheckpoints) Save(_ context.Context, _ string, cp domain.Checkpoint) error {
	c.saved = append(c.saved, cp)
	return nil
}

func (c *memCheckpoints) Reset(context.Context, string) error { return nil }

func (c *memCheckpoints) ReplacePollIDs(context.Context, string, int, int, int) (bool, error) {
	return false, nil
}

// fakeAttacher запоминает, сколько частей отчёта успело уйти к моменту каждого шага.
type fakeAttacher struct {
	req       *polls.AttachRequest
	result    *polls.AttachResult
	messenger *fakeMessenger

	sentAtPrepare  int
	sentAtComplete int
	completed      int
}

func (a *fakeAttacher) Prepare(_ context.Context, req polls.AttachRequest) *polls.Pending {
	a.req = &req
	a.sentAtPrepare = len(a.messenger.sent)
	return &polls.Pending{}
}

func (a *fakeAttacher) Complete(_ context.Context, _ *polls.Pending) (*polls.AttachResult, error) {
	a.completed++
	a.sentAtComplete = len(a.messenger.sent)
	return a.result, nil
}

type memHistory struct {
	entries []domain.SummaryEntry
	err     error
}

func (h *memHistory) Append(_ context.Context, e domain.SummaryEntry) error {
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) Recent(context.Context, string, int) ([]domain.SummaryEntry, error) {
	return h.entries, nil
}

func (h *memHistory) Prune(context.Context, time.Time) (int, error) { return 0, nil }

type fixture struct {
	settings    domain.Settings
	fetcher     *fakeFetcher
	summarizer  *fakeSummarizer
	messenger   *fakeMessenger
	checkpoints *memCheckpoints
	attacher    *fakeAttacher
	locker      *fakeLocker
	history     *memHistory
}

var (
	watermark = time.Date(2025, 1, 8, 0, 0, 0, 0, time.UTC)
	cycleNow  = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
)

func newFixture() *fixture {
	msg := func(id int, at time.Time) domain.SourceMessage {
		return domain.SourceMessage{ID: id, PublishedAt: at, Text: "пост", Permalink: "https://t.me/news/1"}
	}
	messenger := &fakeMessenger{}
	return &fixture{
		settings: domain.Settings{
			SendToSource: true,
			PollEnabled:  true,
			Channels:     map[string]domain.ChannelSettings{"news": {Alias: "news", Frequency: domain.FrequencyWeekly}},
		},
		fetcher: &fakeFetcher{messages: []domain.SourceMessage{
			msg(505, watermark.Add(5*time.Hour)),
			msg(500, watermark.Add(-time.Hour)),
			msg(501, watermark.Add(time.Hour)),
			msg(502, watermark.Add(2*time.Hour)),
			msg(503, watermark.Add(3*time.Hour)),
			msg(504, watermark.Add(4*time.Hour)),
		}},
		summarizer: &fakeSummarizer{text: "Главное за неделю: релиз и конференция."},
		messenger:  messenger,
		checkpoints: &memCheckpoints{
			found: true,
			cp:    domain.NewCheckpoint(watermark, []int{501}, []int{502}, nil),
		},
		// Группы обсуждения нет, опрос ушёл в сам канал.
		attacher: &fakeAttacher{messenger: messenger, result: &polls.AttachResult{
			Delivery:    polls.Delivery{PollMessageID: 700, ControlMessageID: 701},
			Destination: domain.PollDestinationChannel,
			ChatID:      -100,
		}},
		locker:  &fakeLocker{},
		history: &memHistory{},
	}
}

func (f *fixture) service() *Service {
	svc := NewService(Deps{
		Settings:    staticSettings{f.settings},
		Locker:      f.locker,
		Directory:   fakeDirectory{},
		Fetcher:     f.fetcher,
		Summarizer:  f.summarizer,
		Messenger:   f.messenger,
		Checkpoints: f.checkpoints,
		Polls:       f.attacher,
		History:     f.history,
		Model:       "gpt-test",
	}, zerolog.Nop())
	svc.now = func() time.Time { return cycleNow }
	return svc
}

func TestRunFiltersByWatermarkAndExclusions(t *testing.T) {
	f := newFixture()
	res, err := f.service().Run(context.Background(), domain.CycleJob{ID: "job", ChannelKey: "news"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Outcome != OutcomeSent {
		t.Fatalf("ожидали отправку, получили %s", res.Outcome)
	}
	if !f.fetcher.since.Equal(watermark) {
		t.Fatalf("выборка должна начинаться с водяного знака, получили %v", f.fetcher.since)
	}
	var got []int
	for _, m := range f.summarizer.input {
		got = append(got, m.ID)
	}
	if len(got) != 3 || got[0] != 503 || got[1] != 504 || got[2] != 505 {
		t.Fatalf("ожидали сообщения 503, 504, 505, получили %v", got)
	}
}

func TestRunSavesCheckpointAfterDelivery(t *testing.T) {
	f := newFixture()
	res, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.messenger.sent) != 1 || !strings.Contains(f.messenger.sent[0], "Новости: сводка за неделю 08.01-15.01") {
		t.Fatalf("неожиданный отчёт: %v", f.messenger.sent)
	}
	if len(f.messenger.pinned) != 1 || f.messenger.pinned[0] != res.SummaryMessageIDs[0] {
		t.Fatalf("первая часть должна закрепляться: %v", f.messenger.pinned)
	}
	req := f.attacher.req
	if req == nil || req.SummaryMessageID != 601 || req.SourceChatID != -100 || req.Target.Destination != domain.PollDestinationDiscussion {
		t.Fatalf("неожиданный запрос опроса: %+v", req)
	}
	if len(f.checkpoints.saved) != 1 {
		t.Fatalf("ожидали одно сохранение контрольной точки")
	}
	cp := f.checkpoints.saved[0]
	if !cp.Watermark.Equal(cycleNow) {
		t.Fatalf("водяной знак должен стать временем старта цикла: %v", cp.Watermark)
	}
	if got := cp.ProducedIDs(); len(got) != 3 || got[0] != 601 || got[1] != 700 || got[2] != 701 {
		t.Fatalf("исключения должны содержать только выход этого цикла: %v", got)
	}
	if f.locker.released != 1 {
		t.Fatalf("блокировка должна освобождаться")
	}
}

func TestRunWithoutNewMessagesAdvancesWatermarkOnly(t *testing.T) {
	f := newFixture()
	f.fetcher.messages = f.fetcher.messages[:2]
	f.fetcher.messages[0].ID = 502
	res, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"})
	if err != nil || res.Outcome != OutcomeEmpty {
		t.Fatalf("ожидали пустой цикл, получили %s, %v", res.Outcome, err)
	}
	if len(f.messenger.sent) != 0 || f.attacher.req != nil {
		t.Fatalf("при отсутствии сообщений ничего не отправляется")
	}
	cp := f.checkpoints.saved[0]
	if !cp.Watermark.Equal(cycleNow) || len(cp.SummaryMessageIDs) != 1 || cp.SummaryMessageIDs[0] != 501 {
		t.Fatalf("должен сдвигаться только водяной знак: %+v", cp)
	}
}

func TestRunSendFailureKeepsCheckpoint(t *testing.T) {
	f := newFixture()
	f.messenger.sendErr = errors.New("bot was kicked")
	if _, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"}); err == nil {
		t.Fatalf("ожидали ошибку отправки")
	}
	if len(f.checkpoints.saved) != 0 {
		t.Fatalf("контрольная точка не должна сдвигаться при ошибке отправки")
	}
}

func TestRunDefaultLookback(t *testing.T) {
	f := newFixture()
	f.checkpoints.found = false
	f.checkpoints.cp = domain.Checkpoint{}
	for i := range f.fetcher.messages {
		f.fetcher.messages[i].PublishedAt = cycleNow.Add(-time.Duration(i+1) * time.Hour)
	}
	if _, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !f.fetcher.since.Equal(cycleNow.Add(-domain.DefaultLookback)) {
		t.Fatalf("без контрольной точки выборка идёт за окно по умолчанию, получили %v", f.fetcher.since)
	}
	if len(f.summarizer.input) != 6 {
		t.Fatalf("без исключений должны учитываться все сообщения окна, получили %d", len(f.summarizer.input))
	}
}

func TestRunReportChatForcesChannelPoll(t *testing.T) {
	f := newFixture()
	f.settings.SendToSource = false
	f.settings.ReportChatID = -900
	if _, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if f.messenger.chats[0] != -900 {
		t.Fatalf("отчёт должен уйти в чат отчётов")
	}
	if f.attacher.req.Target.Destination != domain.PollDestinationChannel || f.attacher.req.SourceChatID != -900 {
		t.Fatalf("опрос должен отвечать на отчёт в том же чате: %+v", f.attacher.req)
	}
}

func TestRunReportChatDoesNotExcludeChannelPosts(t *testing.T) {
	f := newFixture()
	f.settings.SendToSource = false
	f.settings.ReportChatID = -900
	f.attacher.result = &polls.AttachResult{
		Delivery:    polls.Delivery{PollMessageID: 602, ControlMessageID: 603},
		Destination: domain.PollDestinationChannel,
		ChatID:      -900,
	}
	res, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.SummaryMessageIDs[0] != 601 {
		t.Fatalf("ожидали отчёт с id 601 в чате отчётов, получили %v", res.SummaryMessageIDs)
	}
	saved := f.checkpoints.saved[0]
	if got := saved.ProducedIDs(); len(got) != 0 {
		t.Fatalf("id из чата отчётов не должны попадать в исключения канала: %v", got)
	}

	// Следующий цикл: в канале появились посты с теми же номерами.
	f.checkpoints.cp = saved
	f.fetcher.messages = []domain.SourceMessage{
		{ID: 601, PublishedAt: cycleNow.Add(time.Hour), Text: "новый пост"},
		{ID: 602, PublishedAt: cycleNow.Add(2 * time.Hour), Text: "ещё пост"},
	}
	svc := f.service()
	svc.now = func() time.Time { return cycleNow.Add(24 * time.Hour) }
	if _, err := svc.Run(context.Background(), domain.CycleJob{ChannelKey: "news"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.summarizer.input) != 2 || f.summarizer.input[0].ID != 601 || f.summarizer.input[1].ID != 602 {
		t.Fatalf("посты канала должны попасть в сводку: %+v", f.summarizer.input)
	}
}

func TestRunDiscussionPollNotExcluded(t *testing.T) {
	f := newFixture()
	f.attacher.result = &polls.AttachResult{
		Delivery:    polls.Delivery{PollMessageID: 40, ControlMessageID: 41},
		Destination: domain.PollDestinationDiscussion,
		ChatID:      -500,
	}
	res, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Poll == nil || res.Poll.PollMessageID != 40 {
		t.Fatalf("результат опроса должен возвращаться: %+v", res.Poll)
	}
	if got := f.checkpoints.saved[0].ProducedIDs(); len(got) != 1 || got[0] != 601 {
		t.Fatalf("в исключениях только сводка из канала, получили %v", got)
	}
}

func TestRunPreparesPollAfterFirstSegment(t *testing.T) {
	f := newFixture()
	f.settings.PollPrompt = "Шаблон: {summary}"
	f.summarizer.text = strings.Repeat("Абзац про релиз и конференцию на этой неделе.\n\n", 300)
	res, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(res.SummaryMessageIDs) < 2 {
		t.Fatalf("длинная сводка должна делиться на части, получили %d", len(res.SummaryMessageIDs))
	}
	if f.attacher.sentAtPrepare != 1 {
		t.Fatalf("подписка на пересылку оформляется сразу после первой части, отправлено %d", f.attacher.sentAtPrepare)
	}
	if f.attacher.completed != 1 || f.attacher.sentAtComplete != len(res.SummaryMessageIDs) {
		t.Fatalf("опрос завершается после всех частей: %d из %d", f.attacher.sentAtComplete, len(res.SummaryMessageIDs))
	}
	req := f.attacher.req
	if req.SummaryMessageID != 601 || req.PollPrompt != "Шаблон: {summary}" {
		t.Fatalf("неожиданный запрос опроса: %+v", req)
	}
}

func TestRunWritesHistory(t *testing.T) {
	f := newFixture()
	if _, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(f.history.entries) != 1 {
		t.Fatalf("ожидали одну запись истории, получили %d", len(f.history.entries))
	}
	e := f.history.entries[0]
	if e.ChannelKey != "news" || e.ChannelName != "Новости" || e.ChatID != -100 || e.Model != "gpt-test" {
		t.Fatalf("неожиданная запись: %+v", e)
	}
	if e.Kind != string(domain.FrequencyWeekly) || e.MessageCount != 3 || !e.PeriodStart.Equal(watermark) || !e.PeriodEnd.Equal(cycleNow) {
		t.Fatalf("неожиданный период или вид сводки: %+v", e)
	}
	if len(e.SummaryMessageIDs) != 1 || e.SummaryMessageIDs[0] != 601 || e.PollMessageID != 700 || e.ControlMessageID != 701 {
		t.Fatalf("неожиданные идентификаторы: %+v", e)
	}
}

func TestRunManualHistoryKindAndFailure(t *testing.T) {
	f := newFixture()
	if _, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news", Cause: domain.CycleCauseManual}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if f.history.entries[0].Kind != domain.SummaryKindManual {
		t.Fatalf("ручная сводка помечается как manual: %q", f.history.entries[0].Kind)
	}

	f = newFixture()
	f.history.err = errors.New("disk full")
	res, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"})
	if err != nil || res.Outcome != OutcomeSent || len(f.checkpoints.saved) != 1 {
		t.Fatalf("ошибка журнала не отменяет доставленный отчёт: %s, %v", res.Outcome, err)
	}
}

func TestRunPollDisabled(t *testing.T) {
	f := newFixture()
	f.settings.PollEnabled = false
	if _, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if f.attacher.req != nil {
		t.Fatalf("опрос не должен отправляться")
	}
	if got := f.checkpoints.saved[0].ProducedIDs(); len(got) != 1 {
		t.Fatalf("ожидали только id сводки, получили %v", got)
	}
}

func TestRunSkipsLockedChannel(t *testing.T) {
	f := newFixture()
	f.locker.busy = true
	res, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "news"})
	if err != nil || res.Outcome != OutcomeSkipped {
		t.Fatalf("ожидали пропуск, получили %s, %v", res.Outcome, err)
	}
	if len(f.checkpoints.saved) != 0 || f.summarizer.input != nil {
		t.Fatalf("занятый канал не обрабатывается")
	}
}

func TestRunUnknownChannel(t *testing.T) {
	f := newFixture()
	if _, err := f.service().Run(context.Background(), domain.CycleJob{ChannelKey: "missing"}); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("ожидали ErrUnknownChannel, получили %v", err)
	}
}
