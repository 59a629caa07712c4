package alert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type mockSender struct {
	sent   []tgbotapi.MessageConfig
	sendFn func(c tgbotapi.Chattable) error
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.sendFn != nil {
		if err := m.sendFn(c); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{MessageID: len(m.sent)}, nil
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Alert) error {
	c.calls++
	return c.err
}

func TestTelegram_Notify(t *testing.T) {
	sender := &mockSender{}
	n := &Telegram{api: sender, chatID: 42}

	err := n.Notify(context.Background(), Alert{ProfileID: "p<1>", Reason: "auth_failure", Detail: "invalid_grant"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.ChatID != 42 || msg.ParseMode != tgbotapi.ModeHTML {
		t.Errorf("message = %+v", msg)
	}
	if !strings.Contains(msg.Text, "p&lt;1&gt;") || !strings.Contains(msg.Text, "invalid_grant") {
		t.Errorf("text = %q", msg.Text)
	}
}

func TestTelegram_SendError(t *testing.T) {
	sender := &mockSender{sendFn: func(tgbotapi.Chattable) error { return errors.New("bad gateway") }}
	n := &Telegram{api: sender, chatID: 42}
	if err := n.Notify(context.Background(), Alert{ProfileID: "p1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewTelegram_RequiresConfig(t *testing.T) {
	if _, err := NewTelegram("", 1); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := NewTelegram("token", 0); err == nil {
		t.Error("expected error for missing chat id")
	}
}

func TestFormat(t *testing.T) {
	got := Format(Alert{ProfileID: "p1", Reason: "no_resource_available", RetryAfter: 5 * time.Minute})
	if !strings.Contains(got, "no_resource_available") || !strings.Contains(got, "5m0s") {
		t.Errorf("Format = %q", got)
	}
	if strings.Contains(got, "<i>") {
		t.Errorf("empty detail rendered: %q", got)
	}
}

func TestThrottled(t *testing.T) {
	inner := &countingNotifier{}
	n := NewThrottled(inner, time.Hour, nil)
	defer n.Stop()
	ctx := context.Background()

	n.Notify(ctx, Alert{ProfileID: "p1", Reason: "auth_failure"})
	n.Notify(ctx, Alert{ProfileID: "p1", Reason: "auth_failure"})
	n.Notify(ctx, Alert{ProfileID: "p1", Reason: "no_resource_available"})
	n.Notify(ctx, Alert{ProfileID: "p2", Reason: "auth_failure"})

	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}

func TestThrottled_RetriesAfterFailure(t *testing.T) {
	inner := &countingNotifier{err: errors.New("down")}
	n := NewThrottled(inner, time.Hour, nil)
	defer n.Stop()

	a := Alert{ProfileID: "p1", Reason: "auth_failure"}
	if err := n.Notify(context.Background(), a); err == nil {
		t.Fatal("expected error")
	}
	inner.err = nil
	if err := n.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2 (failed deliveries are not remembered)", inner.calls)
	}
}
