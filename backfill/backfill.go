// Package backfill retrieves deals that closed while the websocket was down
// and renders them like live close events.
package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/M1keZulu/3Commas-Discord/notify"
	"github.com/M1keZulu/3Commas-Discord/registry"
	"github.com/M1keZulu/3Commas-Discord/sign"
)

// DefaultBaseURL is the production 3Commas REST endpoint.
const DefaultBaseURL = "https://api.3commas.io"

const (
	profitEmoji = "💰"
	lossEmoji   = "😱"

	marketCloseStatus = "Closed at Market Price"
)

// Work bounds one credential's catch-up query to a connection-loss window
// [Start, End). It is comparable so it can ride a typed workqueue.
type Work struct {
	Credential registry.Credential
	Start      time.Time
	End        time.Time
}

// Deal is the slice of the finished-deal payload the formatter needs.
type Deal struct {
	Pair                   string `json:"pair"`
	ActualProfit           string `json:"actual_profit"`
	ProfitCurrency         string `json:"profit_currency"`
	FromCurrency           string `json:"from_currency"`
	ToCurrency             string `json:"to_currency"`
	LocalizedStatus        string `json:"localized_status"`
	ClosedAt               string `json:"closed_at"`
	CreatedAt              string `json:"created_at"`
	ActualUSDProfit        string `json:"actual_usd_profit"`
	ActualProfitPercentage string `json:"actual_profit_percentage"`
}

// Reconciler queries the finished-deals endpoint per credential. Failures are
// logged and yield an empty result; a missed backfill must never wedge the
// session's loss marker.
type Reconciler struct {
	baseURL string
	client  *http.Client
	fmtr    notify.Formatter
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Reconciler)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reconciler) { r.client = client }
}

// WithClock replaces the relative-time reference clock.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(baseURL string, fmtr notify.Formatter, opts ...Option) *Reconciler {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	r := &Reconciler{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		fmtr:    fmtr,
		logger:  slog.Default().WithGroup("backfill"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile returns one notification per deal of cred that closed at market
// price within [start, end), in the order the API returns them.
func (r *Reconciler) Reconcile(ctx context.Context, cred registry.Credential, start, end time.Time) []notify.Notification {
	logger := r.logger.With(slog.String("name", cred.Name))

	deals, err := r.fetchFinishedDeals(ctx, cred)
	if err != nil {
		logger.Warn("backfill query failed", slog.String("error", err.Error()))
		return nil
	}

	var out []notify.Notification
	for _, deal := range deals {
		n, ok := r.render(logger, deal, start, end)
		if !ok {
			continue
		}
		out = append(out, n)
	}
	logger.Info("backfill complete",
		slog.Int("deals", len(deals)),
		slog.Int("notifications", len(out)),
		slog.Time("window_start", start),
		slog.Time("window_end", end))
	return out
}

func (r *Reconciler) fetchFinishedDeals(ctx context.Context, cred registry.Credential) ([]Deal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+sign.DealsQueryPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Apikey", cred.APIKey)
	req.Header.Set("Signature", sign.Sum(cred.SecretKey, sign.DealsQueryPath))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("finished deals request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("finished deals request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var deals []Deal
	if err := json.NewDecoder(resp.Body).Decode(&deals); err != nil {
		return nil, fmt.Errorf("decode finished deals: %w", err)
	}
	return deals, nil
}

func (r *Reconciler) render(logger *slog.Logger, deal Deal, start, end time.Time) (notify.Notification, bool) {
	if deal.LocalizedStatus != marketCloseStatus {
		return notify.Notification{}, false
	}

	closedAt, err := time.Parse(time.RFC3339, deal.ClosedAt)
	if err != nil {
		logger.Warn("unparsable closed_at", slog.String("closed_at", deal.ClosedAt), slog.String("error", err.Error()))
		return notify.Notification{}, false
	}
	if closedAt.Before(start) || !closedAt.Before(end) {
		return notify.Notification{}, false
	}

	emoji := lossEmoji
	if profit, err := strconv.ParseFloat(deal.ActualProfit, 64); err == nil && profit > 0 {
		emoji = profitEmoji
	}

	// The settlement currency is whichever side of the pair the profit was
	// booked in.
	currency := deal.ToCurrency
	if deal.ProfitCurrency == "quote_currency" {
		currency = deal.FromCurrency
	}

	relative := deal.CreatedAt
	if createdAt, err := time.Parse(time.RFC3339, deal.CreatedAt); err == nil {
		relative = notify.RelativeTime(r.now().UTC(), createdAt)
	}

	pair := strings.ReplaceAll(deal.Pair, "_", "/")
	return r.fmtr.FinishedDeal(pair, deal.LocalizedStatus, emoji, deal.ActualProfit, currency,
		deal.ActualUSDProfit, deal.ActualProfitPercentage, relative), true
}
