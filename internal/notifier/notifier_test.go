package notifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestFormatEventSelectsOperatorTraffic(t *testing.T) {
	t.Parallel()
	failed := formatEvent(eventbus.Event{
		Type: eventbus.TypeJobFailed,
		Data: eventbus.JobEvent{Platform: "instagram", Account: "alice", Activity: "publish", Err: "boom"},
	})
	if !strings.Contains(failed, "alice") || !strings.Contains(failed, "boom") {
		t.Fatalf("failed message = %q", failed)
	}

	if msg := formatEvent(eventbus.Event{Type: eventbus.TypeJobCompleted, Data: eventbus.JobEvent{}}); msg != "" {
		t.Fatalf("completed events should stay out of the chat, got %q", msg)
	}
	if msg := formatEvent(eventbus.Event{Type: eventbus.TypeJobDispatched, Data: eventbus.JobEvent{}}); msg != "" {
		t.Fatalf("dispatched events should stay out of the chat, got %q", msg)
	}
}

func TestServiceDeliversFailureEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &fakeSender{}
	s := newWithSender(Config{Enabled: true, ChatID: 42, QueueSize: 8, RatePerSec: 100}, sink, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// Give Run a moment to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeJobFailed,
		Data: eventbus.JobEvent{Platform: "instagram", Account: "alice", Activity: "publish", Err: "no profile"},
	})
	s.Notify("digest: 3 pending")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sink.snapshot()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	sent := sink.snapshot()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2: %v", len(sent), sent)
	}
	var haveFailure, haveDigest bool
	for _, m := range sent {
		if strings.Contains(m, "no profile") {
			haveFailure = true
		}
		if strings.Contains(m, "digest") {
			haveDigest = true
		}
	}
	if !haveFailure || !haveDigest {
		t.Fatalf("messages = %v, want a failure and a digest", sent)
	}
}

func TestNilServiceIsInert(t *testing.T) {
	t.Parallel()
	var s *Service
	s.Notify("ignored")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("nil service Run: %v", err)
	}
}
