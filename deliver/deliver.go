// Package deliver fans drained notifications out to their destinations. The
// chat-platform integration itself lives behind Sender; this package ships a
// webhook implementation and a log-only fallback.
package deliver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/M1keZulu/3Commas-Discord/notify"
)

// Sender delivers one formatted notification.
type Sender interface {
	Send(ctx context.Context, n notify.Notification) error
}

// Toggle gates confirmation and rejection notifications at delivery time. It
// is flipped at runtime through the admin API.
type Toggle struct {
	v atomic.Bool
}

func NewToggle(enabled bool) *Toggle {
	t := &Toggle{}
	t.v.Store(enabled)
	return t
}

func (t *Toggle) Set(enabled bool) { t.v.Store(enabled) }
func (t *Toggle) Enabled() bool    { return t.v.Load() }

// Wants reports whether a notification should be delivered given the current
// toggle state. Event notifications always pass.
func (t *Toggle) Wants(n notify.Notification) bool {
	if n.Kind == notify.KindEvent {
		return true
	}
	return t.Enabled()
}

type webhookPayload struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// WebhookSender POSTs each notification to every configured URL. One slow or
// failing destination fails the whole send so the queue retries it; webhook
// endpoints are expected to deduplicate on redelivery.
type WebhookSender struct {
	urls   []string
	client *http.Client
	logger *slog.Logger
}

type WebhookOption func(*WebhookSender)

// WithWebhookClient replaces the HTTP client, mainly for tests.
func WithWebhookClient(client *http.Client) WebhookOption {
	return func(s *WebhookSender) { s.client = client }
}

func NewWebhookSender(urls []string, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		urls:   append([]string(nil), urls...),
		client: &http.Client{Timeout: 15 * time.Second},
		logger: slog.Default().WithGroup("deliver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSender) Send(ctx context.Context, n notify.Notification) error {
	body, err := json.Marshal(webhookPayload{Kind: n.Kind.String(), Content: n.Text})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, url := range s.urls {
		g.Go(func() error {
			return s.post(ctx, url, body)
		})
	}
	return g.Wait()
}

func (s *WebhookSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// LogSender writes notifications to the log. Used when no webhook is
// configured, so a bare deployment still shows its traffic.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.WithGroup("deliver")}
}

func (s *LogSender) Send(_ context.Context, n notify.Notification) error {
	s.logger.Info("notification",
		slog.Uint64("seq", n.Seq),
		slog.String("kind", n.Kind.String()),
		slog.String("text", n.Text))
	return nil
}
