package polls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-summary-bot/internal/domain"
)

type sentPoll struct {
	chatID    int64
	replyTo   int
	anonymous bool
	poll      domain.PollContent
}

type sentControl struct {
	chatID  int64
	replyTo int
	button  domain.ControlButton
}

type sentText struct {
	chatID  int64
	text    string
	replyTo int
}

type deleted struct {
	chatID    int64
	messageID int
}

type fakeMessenger struct {
	mu         sync.Mutex
	nextID     int
	polls      []sentPoll
	controls   []sentControl
	texts      []sentText
	deletes    []deleted
	pollErr    error
	controlErr error
	deleteErr  error
}

func (m *fakeMessenger) id() int {
	m.nextID++
	return 1000 + m.nextID
}

func (m *fakeMessenger) SendText(_ context.Context, chatID int64, text string, replyTo int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, sentText{chatID: chatID, text: text, replyTo: replyTo})
	return m.id(), nil
}

func (m *fakeMessenger) SendPoll(_ context.Context, chatID int64, poll domain.PollContent, replyTo int, anonymous bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollErr != nil {
		return 0, m.pollErr
	}
	m.polls = append(m.polls, sentPoll{chatID: chatID, replyTo: replyTo, anonymous: anonymous, poll: poll})
	return m.id(), nil
}

func (m *fakeMessenger) SendControl(_ context.Context, chatID int64, _ string, button domain.ControlButton, replyTo int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.controlErr != nil {
		return 0, m.controlErr
	}
	m.controls = append(m.controls, sentControl{chatID: chatID, replyTo: replyTo, button: button})
	return m.id(), nil
}

func (m *fakeMessenger) Delete(_ context.Context, chatID int64, messageID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, deleted{chatID: chatID, messageID: messageID})
	return m.deleteErr
}

func (m *fakeMessenger) Pin(context.Context, int64, int) error { return nil }

type fakeDirectory struct {
	discussion int64
	err        error
	calls      int
}

func (d *fakeDirectory) Resolve(_ context.Context, alias string) (domain.Channel, error) {
	return domain.Channel{Key: alias, Alias: alias}, nil
}

func (d *fakeDirectory) DiscussionChatID(context.Context, domain.Channel) (int64, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	return d.discussion, nil
}

type fakeGenerator struct {
	poll   domain.PollContent
	err    error
	calls  int
	input  string
	prompt string
	// during вызывается посреди генерации, пока модель «думает».
	during func()
}

func (g *fakeGenerator) GeneratePoll(_ context.Context, summary, prompt string) (domain.PollContent, error) {
	g.calls++
	g.input = summary
	g.prompt = prompt
	if g.during != nil {
		g.during()
	}
	return g.poll, g.err
}

type memRecords struct {
	mu      sync.Mutex
	records []domain.RegenerationRecord
	findErr error
	updErr  error
}

func (s *memRecords) Put(_ context.Context, rec domain.RegenerationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memRecords) Find(_ context.Context, chatID int64, summaryID int) (domain.RegenerationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return domain.RegenerationRecord{}, false, s.findErr
	}
	for _, rec := range s.records {
		if rec.SummaryMessageID == summaryID && (rec.ChatID == chatID || rec.SourceChatID == chatID) {
			return rec, true, nil
		}
	}
	return domain.RegenerationRecord{}, false, nil
}

func (s *memRecords) UpdateMessageIDs(_ context.Context, channel string, summaryID, pollID, controlID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updErr != nil {
		return s.updErr
	}
	for i := range s.records {
		if s.records[i].ChannelKey == channel && s.records[i].SummaryMessageID == summaryID {
			s.records[i].PollMessageID = pollID
			s.records[i].ControlMessageID = controlID
			return nil
		}
	}
	return errors.New("record not found")
}

func (s *memRecords) Sweep(context.Context, time.Time, time.Duration) (int, error) { return 0, nil }

type memCheckpoints struct {
	replaced [][3]int
}

func (c *memCheckpoints) Load(context.Context, string) (domain.Checkpoint, bool, error) {
	return domain.Checkpoint{}, false, nil
}
func (c *memCheckpoints) Save(context.Context, string, domain.Checkpoint) error { return nil }
func (c *memCheckpoints) Reset(context.Context, string) error                   { return nil }
func (c *memCheckpoints) ReplacePollIDs(_ context.Context, _ string, summaryID, pollID, controlID int) (bool, error) {
	c.replaced = append(c.replaced, [3]int{summaryID, pollID, controlID})
	return true, nil
}

func newTestOrchestrator(t *testing.T, m *fakeMessenger, d *fakeDirectory, g *fakeGenerator, r *memRecords, timeout time.Duration) (*Orchestrator, *Correlator) {
	corr := NewCorrelator(16, time.Minute)
	return NewOrchestrator(m, d, g, r, corr, timeout, zerolog.Nop()), corr
}

var goodPoll = domain.PollContent{Question: "Какая новость важнее?", Options: []string{"Первая", "Вторая", "Третья"}}

const longSummary = "Сводка недели: релиз, конференция и обновление документации."
