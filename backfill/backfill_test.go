package backfill

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/M1keZulu/3Commas-Discord/notify"
	"github.com/M1keZulu/3Commas-Discord/registry"
	"github.com/M1keZulu/3Commas-Discord/sign"
)

var testCred = registry.Credential{Name: "acct1", APIKey: "k1", SecretKey: "s1"}

func newTestReconciler(t *testing.T, deals []Deal, gotHeaders *http.Header) (*Reconciler, func()) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/public/api/ver1/deals", r.URL.Path)
		require.Equal(t, "finished", r.URL.Query().Get("scope"))
		require.Equal(t, "closed_at", r.URL.Query().Get("order"))
		if gotHeaders != nil {
			*gotHeaders = r.Header.Clone()
		}
		require.NoError(t, json.NewEncoder(w).Encode(deals))
	}))

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := New(srv.URL, notify.Formatter{}, WithClock(func() time.Time { return now }))
	return rec, srv.Close
}

func marketDeal(pair, closedAt, profit string) Deal {
	return Deal{
		Pair:                   pair,
		ActualProfit:           profit,
		ProfitCurrency:         "quote_currency",
		FromCurrency:           "USDT",
		ToCurrency:             "BTC",
		LocalizedStatus:        "Closed at Market Price",
		ClosedAt:               closedAt,
		CreatedAt:              "2024-06-01T10:00:00.000Z",
		ActualUSDProfit:        "1.52",
		ActualProfitPercentage: "0.8",
	}
}

func TestReconcileSignsRequest(t *testing.T) {
	var headers http.Header
	rec, stop := newTestReconciler(t, nil, &headers)
	defer stop()

	rec.Reconcile(context.Background(), testCred, time.Time{}, time.Now())

	require.Equal(t, "k1", headers.Get("Apikey"))
	require.Equal(t, sign.Sum("s1", sign.DealsQueryPath), headers.Get("Signature"))
}

func TestReconcileFiltersAndFormats(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)

	cancelled := marketDeal("ETH_USDT", "2024-06-01T10:30:00.000Z", "1.5")
	cancelled.LocalizedStatus = "Cancelled"

	deals := []Deal{
		marketDeal("USDT_BTC", "2024-06-01T10:30:00.000Z", "1.5"),  // in window, profit
		marketDeal("USDT_ETH", "2024-06-01T10:45:00.000Z", "-0.3"), // in window, loss
		marketDeal("USDT_XRP", "2024-06-01T09:59:59.000Z", "1.5"),  // before window
		marketDeal("USDT_SOL", "2024-06-01T11:00:00.000Z", "1.5"),  // at end bound, excluded
		cancelled, // wrong status
	}

	rec, stop := newTestReconciler(t, deals, nil)
	defer stop()

	got := rec.Reconcile(context.Background(), testCred, start, end)

	want := []string{
		"USDT/BTC Closed at Market Price 💰 1.5 USDT (1.52 $) (0.8% from total volume) #market 2 hours ago",
		"USDT/ETH Closed at Market Price 😱 -0.3 USDT (1.52 $) (0.8% from total volume) #market 2 hours ago",
	}
	texts := make([]string, len(got))
	for i, n := range got {
		require.Equal(t, notify.KindEvent, n.Kind)
		texts[i] = n.Text
	}
	if diff := cmp.Diff(want, texts); diff != "" {
		t.Fatalf("notification mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileBaseCurrencyProfit(t *testing.T) {
	deal := marketDeal("USDT_BTC", "2024-06-01T10:30:00.000Z", "0.001")
	deal.ProfitCurrency = "base_currency"

	rec, stop := newTestReconciler(t, []Deal{deal}, nil)
	defer stop()

	got := rec.Reconcile(context.Background(), testCred,
		time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC))

	require.Len(t, got, 1)
	require.Contains(t, got[0].Text, " 0.001 BTC ")
}

func TestReconcileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signature invalid", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := New(srv.URL, notify.Formatter{})
	require.Empty(t, rec.Reconcile(context.Background(), testCred, time.Time{}, time.Now()))
}

func TestReconcileTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	rec := New(srv.URL, notify.Formatter{})
	require.Empty(t, rec.Reconcile(context.Background(), testCred, time.Time{}, time.Now()))
}

func TestReconcileMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	rec := New(srv.URL, notify.Formatter{})
	require.Empty(t, rec.Reconcile(context.Background(), testCred, time.Time{}, time.Now()))
}
