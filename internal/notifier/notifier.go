// Package notifier forwards engine events to the operator's Telegram chat.
// Send-only: the bot never polls for updates.
package notifier

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	QueueSize  int
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	return c
}

// sender is the slice of the Telegram bot API the notifier needs.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Service bridges the event bus to a Telegram chat.
//
// Delivery is best-effort: the queue drops when full and a failed send is
// logged, never retried into the dispatch path. The engine must not stall
// because Telegram is slow.
type Service struct {
	cfg     Config
	bot     sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	queue   chan string
}

// New builds the service. A disabled config (or empty token) yields a nil
// service, which all methods tolerate.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if !cfg.Enabled || cfg.Token == "" {
		return nil, nil
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	return newWithSender(cfg, bot, bus, log), nil
}

func newWithSender(cfg Config, bot sender, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg,
		bot:     bot,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan string, cfg.QueueSize),
	}
}

// Run consumes bus events and delivers formatted messages until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		<-ctx.Done()
		return nil
	}

	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	go s.sendLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if msg := formatEvent(e); msg != "" {
				s.enqueue(msg)
			}
		}
	}
}

// Notify queues a free-form operator message (status digests and the like).
func (s *Service) Notify(text string) {
	if s == nil || text == "" {
		return
	}
	s.enqueue(text)
}

func (s *Service) enqueue(msg string) {
	select {
	case s.queue <- msg:
	default:
		s.log.Debug("notifier queue full; dropping message")
	}
}

func (s *Service) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), msg); err != nil {
				s.log.Warn("telegram send failed", logx.Err(err))
			}
		}
	}
}

// formatEvent renders a bus event as an operator message; "" means skip.
// Routine traffic (dispatched/completed) stays in the log, only the
// operator-actionable events reach the chat.
func formatEvent(e eventbus.Event) string {
	switch e.Type {
	case eventbus.TypeJobFailed:
		je, ok := e.Data.(eventbus.JobEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("❌ %s failed for %s/%s: %s",
			je.Activity, je.Platform, je.Account, je.Err)
	case eventbus.TypeSessionClosed:
		je, ok := e.Data.(eventbus.JobEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🔒 session closed for %s/%s", je.Platform, je.Account)
	case eventbus.TypeTableReloaded:
		return fmt.Sprintf("🔄 schedule reloaded at %s", e.Time.Format(time.Kitchen))
	default:
		return ""
	}
}
