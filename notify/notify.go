// Package notify delivers best-effort operator notifications. Nothing
// safety-critical happens here: delivery failures are logged and
// swallowed, and per-key rate limiting keeps a flapping check from
// burying a human.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"golang.org/x/time/rate"
)

// Priority of a notification.
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

// Event is one notification.
type Event struct {
	Priority Priority
	Title    string
	Message  string
	// RateKey groups events for rate limiting. Events sharing a key
	// are limited together; distinct keys never contend.
	RateKey string
}

// Notifier delivers events. Implementations never return an error;
// notification is not allowed to affect control flow.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Webhook posts events as small JSON payloads to an HTTP hook,
// slack-compatible in shape.
type Webhook struct {
	HookURL string
	Logger  log.Logger
	// MinInterval is the per-rate-key floor between deliveries.
	// Zero means one event per key per 5 minutes.
	MinInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type payload struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

const notifyTimeout = 10 * time.Second

func (w *Webhook) Notify(ctx context.Context, e Event) {
	logger := w.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if w.HookURL == "" {
		return
	}
	if !w.allow(e.RateKey) {
		logger.Log("notify", "suppressed", "rate_key", e.RateKey, "title", e.Title)
		return
	}

	body, err := json.Marshal(payload{
		Username: "hostpilot",
		Text:     fmt.Sprintf("[%s] %s\n%s", e.Priority, e.Title, e.Message),
		Priority: string(e.Priority),
	})
	if err != nil {
		logger.Log("notify", "error", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	req, err := http.NewRequest("POST", w.HookURL, bytes.NewReader(body))
	if err != nil {
		logger.Log("notify", "error", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		logger.Log("notify", "error", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Log("notify", "error", "status", resp.StatusCode)
	}
}

func (w *Webhook) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limiters == nil {
		w.limiters = map[string]*rate.Limiter{}
	}
	l, ok := w.limiters[key]
	if !ok {
		interval := w.MinInterval
		if interval == 0 {
			interval = 5 * time.Minute
		}
		l = rate.NewLimiter(rate.Every(interval), 1)
		w.limiters[key] = l
	}
	return l.Allow()
}
