package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shiftline/internal/config"
	"shiftline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Notifier delivers one outbox row. A returned error leaves the row queued for retry.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// LogNotifier writes each notification to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n domain.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "id", n.ID, "user_id", n.UserID, "kind", n.Kind, "payload", n.Payload)
	return nil
}

// Fanout delivers to every notifier and joins their errors. Any error keeps the row
// queued, so notifiers that already succeeded see it again on the next drain.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier POSTs notifications as JSON to every enabled hook subscribed to the
// notification kind. Delivery is at least once and tracked per row, not per hook: when one
// hook fails the whole row is retried, and hooks that already accepted it receive it again
// until the row is delivered or runs out of attempts. X-Shiftline-Delivery carries the row
// id on every attempt, so receivers dedupe on it.
type WebhookNotifier struct {
	Hooks  []config.Webhook
	Client *http.Client
}

type webhookBody struct {
	ID         int64           `json:"id"`
	Kind       string          `json:"kind"`
	UserID     string          `json:"user_id"`
	CreatedAt  string          `json:"created_at"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (w WebhookNotifier) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, hook := range w.Hooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newKindFilter(hook.Events).match(n.Kind) {
			continue
		}
		if err := w.post(ctx, hook, n); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w WebhookNotifier) post(ctx context.Context, hook config.Webhook, n domain.Notification) error {
	payload := json.RawMessage("{}")
	var raw string
	if n.Payload != "" {
		if json.Valid([]byte(n.Payload)) {
			payload = json.RawMessage(n.Payload)
		} else {
			raw = n.Payload
		}
	}
	data, err := json.Marshal(webhookBody{
		ID:         n.ID,
		Kind:       n.Kind,
		UserID:     n.UserID,
		CreatedAt:  n.CreatedAt,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shiftline-Event", n.Kind)
	req.Header.Set("X-Shiftline-Delivery", strconv.FormatInt(n.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Shiftline-Secret", hook.Secret)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
