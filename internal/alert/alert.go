// Package alert notifies an operator about scan cycles that need attention.
package alert

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jellydator/ttlcache/v3"
)

// Alert describes a cycle that ended in a state an operator should see.
type Alert struct {
	ProfileID  string
	Reason     string
	Detail     string
	RetryAfter time.Duration
}

// Notifier delivers alerts. Delivery failures never affect the scan.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Nop drops every alert. Used when no Telegram token is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

// messageSender is the part of tgbotapi.BotAPI the notifier uses.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to one chat.
type Telegram struct {
	api    messageSender
	chatID int64
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram: %w", err)
	}
	return &Telegram{api: api, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, Format(a))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("sending telegram alert: %w", err)
	}
	return nil
}

// Format renders the alert as Telegram HTML.
func Format(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ <b>scoutd</b>: profile <code>%s</code> stopped: <b>%s</b>",
		html.EscapeString(a.ProfileID), html.EscapeString(a.Reason))
	if a.Detail != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", html.EscapeString(a.Detail))
	}
	if a.RetryAfter > 0 {
		fmt.Fprintf(&b, "\nnext attempt possible in %s", a.RetryAfter.Round(time.Second))
	}
	return b.String()
}

// Throttled suppresses repeats of the same profile and reason within a
// window so a failing schedule does not page on every tick.
type Throttled struct {
	inner  Notifier
	seen   *ttlcache.Cache[string, struct{}]
	logger *slog.Logger
}

func NewThrottled(inner Notifier, window time.Duration, logger *slog.Logger) *Throttled {
	if logger == nil {
		logger = slog.Default()
	}
	seen := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](window),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()
	return &Throttled{inner: inner, seen: seen, logger: logger.With("component", "alert")}
}

func (t *Throttled) Notify(ctx context.Context, a Alert) error {
	key := a.ProfileID + "/" + a.Reason
	if t.seen.Get(key) != nil {
		t.logger.Debug("alert suppressed", "profile_id", a.ProfileID, "reason", a.Reason)
		return nil
	}
	if err := t.inner.Notify(ctx, a); err != nil {
		return err
	}
	t.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// Stop ends the expiry loop.
func (t *Throttled) Stop() { t.seen.Stop() }
