// Package sink pushes short completion notices to Telegram when a
// preview card is created. It is optional and strictly best-effort:
// send failures are logged and dropped.
package sink

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"previewd/internal/eventbus"
	"previewd/internal/preview"
	"previewd/pkg/logx"
)

const defaultRatePerSec = 1

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
	RatePerSec  int
}

// sender is the single telebot call the sink makes; split out for tests.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Telegram forwards card-created events from the bus to one chat.
type Telegram struct {
	log     logx.Logger
	bot     sender
	chat    tele.Recipient
	limiter *rate.Limiter

	events <-chan eventbus.Event
	unsub  func()

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, bus, bot, log), nil
}

func newWithSender(cfg Config, bus eventbus.Bus, bot sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	events, unsub := bus.Subscribe(32)
	return &Telegram{
		log:     log.With(logx.String("comp", "sink.telegram")),
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		events:  events,
		unsub:   unsub,
		done:    make(chan struct{}),
	}
}

// Start consumes bus events until Stop. The sink never sends incoming
// commands; the bot's poller stays idle.
func (t *Telegram) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.done:
				return
			case ev, ok := <-t.events:
				if !ok {
					return
				}
				t.handle(ev)
			}
		}
	}()
}

func (t *Telegram) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.unsub()
	})
	t.wg.Wait()
}

func (t *Telegram) handle(ev eventbus.Event) {
	if ev.Type != eventbus.TypeCardCreated {
		return
	}
	card, ok := ev.Data.(preview.CardEvent)
	if !ok {
		return
	}
	if !t.limiter.Allow() {
		t.log.Debug("completion notice dropped (rate limit)", logx.String("card", card.CardID))
		return
	}
	if _, err := t.bot.Send(t.chat, formatNotice(card)); err != nil {
		t.log.Warn("completion notice failed", logx.String("card", card.CardID), logx.Err(err))
	}
}

func formatNotice(card preview.CardEvent) string {
	noun := "image"
	if card.Artifacts != 1 {
		noun = "images"
	}
	if card.EntryID == "" {
		return fmt.Sprintf("Generation finished: %d %s ready.", card.Artifacts, noun)
	}
	return fmt.Sprintf("Generation finished: %d %s ready (entry %s).", card.Artifacts, noun, card.EntryID)
}
