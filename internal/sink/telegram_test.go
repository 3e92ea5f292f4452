package sink

import (
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"previewd/internal/eventbus"
	"previewd/internal/preview"
	"previewd/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeSender) Send(_ tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.texts = append(f.texts, s)
	}
	return &tele.Message{}, f.err
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSendsOnCardCreated(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	bot := &fakeSender{}
	s := newWithSender(Config{RatePerSec: 100}, bus, bot, logx.Nop())
	s.Start()
	defer s.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeCardCreated, Data: preview.CardEvent{
		CardID: "card-1", EntryID: "e1", Artifacts: 2,
	}})

	waitFor(t, func() bool { return len(bot.sent()) == 1 })
	if got := bot.sent()[0]; got != "Generation finished: 2 images ready (entry e1)." {
		t.Fatalf("notice = %q", got)
	}
}

func TestIgnoresOtherEventTypes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	bot := &fakeSender{}
	s := newWithSender(Config{RatePerSec: 100}, bus, bot, logx.Nop())
	s.Start()
	defer s.Stop()

	bus.Publish(eventbus.Event{Type: eventbus.TypeCardRemoved, Data: preview.CardEvent{CardID: "card-1"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyDeduped, Data: struct{}{}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeCardCreated, Data: preview.CardEvent{CardID: "card-2", Artifacts: 1}})

	waitFor(t, func() bool { return len(bot.sent()) == 1 })
	if got := bot.sent()[0]; got != "Generation finished: 1 image ready." {
		t.Fatalf("notice = %q", got)
	}
}

func TestRateLimitDropsBurst(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	bot := &fakeSender{}
	s := newWithSender(Config{RatePerSec: 1}, bus, bot, logx.Nop())
	s.Start()
	defer s.Stop()

	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypeCardCreated, Data: preview.CardEvent{CardID: "c", Artifacts: 1}})
	}

	waitFor(t, func() bool { return len(bot.sent()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(bot.sent()); n != 1 {
		t.Fatalf("sent = %d, want burst collapsed to 1", n)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := newWithSender(Config{}, bus, &fakeSender{}, logx.Nop())
	s.Start()
	s.Stop()
	s.Stop()
}
