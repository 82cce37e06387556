package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/M1keZulu/3Commas-Discord/backfill"
	"github.com/M1keZulu/3Commas-Discord/notify"
	"github.com/M1keZulu/3Commas-Discord/registry"
	"github.com/M1keZulu/3Commas-Discord/sign"
)

type capturingQueue struct {
	mu    sync.Mutex
	seq   uint64
	items []notify.Notification
}

func (q *capturingQueue) Push(n notify.Notification) notify.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	n.Seq = q.seq
	q.items = append(q.items, n)
	return n
}

func (q *capturingQueue) all() []notify.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]notify.Notification(nil), q.items...)
}

type capturingBackfill struct {
	mu    sync.Mutex
	items []backfill.Work
}

func (b *capturingBackfill) Add(item backfill.Work) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, item)
}

func (b *capturingBackfill) all() []backfill.Work {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backfill.Work(nil), b.items...)
}

type fakeStore struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
}

func (s *fakeStore) SaveCredential(_ context.Context, cred registry.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, cred.Name)
	return nil
}

func (s *fakeStore) DeleteCredential(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, name)
	return nil
}

type sessionHarness struct {
	session  *Session
	registry *registry.Registry
	queue    *capturingQueue
	backfill *capturingBackfill
	store    *fakeStore
}

func newHarness(t *testing.T, opts ...Option) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		registry: registry.New(),
		queue:    &capturingQueue{},
		backfill: &capturingBackfill{},
		store:    &fakeStore{},
	}
	require.NoError(t, h.registry.Register(registry.Credential{Name: "acct1", APIKey: "k1", SecretKey: "s1"}))

	opts = append([]Option{WithStore(h.store)}, opts...)
	h.session = New(DefaultURL, h.registry, h.queue, h.backfill, notify.Formatter{}, opts...)
	return h
}

func identifierFor(apiKey, secret string) string {
	raw, _ := json.Marshal(channelIdentifier{
		Channel: dealsChannel,
		Users:   []channelUser{{APIKey: apiKey, Signature: sign.Sum(secret, sign.DealsChannelPath)}},
	})
	return string(raw)
}

func frameJSON(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	return raw
}

func TestHandleFrameConfirmSubscription(t *testing.T) {
	h := newHarness(t)

	h.session.handleFrame(frameJSON(t, map[string]any{
		"type":       "confirm_subscription",
		"identifier": identifierFor("k1", "s1"),
	}))

	got := h.queue.all()
	require.Len(t, got, 1)
	require.Equal(t, notify.KindConfirmation, got[0].Kind)
	require.Equal(t, "Subscription with acct1 confirmed.", got[0].Text)
}

func TestHandleFrameRejectSubscriptionRemovesCredential(t *testing.T) {
	h := newHarness(t)

	h.session.handleFrame(frameJSON(t, map[string]any{
		"type":       "reject_subscription",
		"identifier": identifierFor("k1", "s1"),
	}))

	got := h.queue.all()
	require.Len(t, got, 1)
	require.Equal(t, notify.KindRejection, got[0].Kind)
	require.Equal(t, "Subscription with acct1 rejected.", got[0].Text)
	require.Zero(t, h.registry.Len())
	require.Equal(t, []string{"acct1"}, h.store.deleted)
}

func TestHandleFrameDealEvents(t *testing.T) {
	h := newHarness(t)

	h.session.handleFrame(frameJSON(t, map[string]any{
		"identifier": identifierFor("k1", "s1"),
		"message": map[string]any{
			"type": "Deal",
			"pair": "USDT_BTC",
			"bot_events": []map[string]any{
				{"message": "Placing base order"},
				{"message": "Closed at 64210.5 with profit"},
				{"message": "Closed at 64300.0 after retry"},
			},
		},
	}))

	got := h.queue.all()
	require.Len(t, got, 2)
	require.Equal(t, "acct1: USDT/BTC Closed at 64210.5 with profit", got[0].Text)
	require.Equal(t, "acct1: USDT/BTC Closed at 64300.0 after retry", got[1].Text)
	for _, n := range got {
		require.Equal(t, notify.KindEvent, n.Kind)
	}
}

func TestHandleFrameUnknownSignatureDropped(t *testing.T) {
	h := newHarness(t)

	h.session.handleFrame(frameJSON(t, map[string]any{
		"type":       "confirm_subscription",
		"identifier": identifierFor("k1", "wrong-secret"),
	}))

	require.Empty(t, h.queue.all())
	require.Equal(t, 1, h.registry.Len())
}

func TestHandleFrameMalformedInput(t *testing.T) {
	h := newHarness(t)

	h.session.handleFrame([]byte("not json at all"))
	h.session.handleFrame(frameJSON(t, map[string]any{"type": "ping", "message": 1717200000}))
	h.session.handleFrame(frameJSON(t, map[string]any{"type": "welcome"}))
	h.session.handleFrame(frameJSON(t, map[string]any{
		"identifier": identifierFor("k1", "s1"),
		"message":    map[string]any{"type": "Deal", "pair": "USDT_BTC"},
	}))

	require.Empty(t, h.queue.all())
}

func TestSubscribeConflict(t *testing.T) {
	h := newHarness(t)

	err := h.session.Subscribe(context.Background(), registry.Credential{Name: "acct1", APIKey: "other", SecretKey: "other"})
	require.ErrorIs(t, err, registry.ErrConflict)
	require.Equal(t, 1, h.registry.Len())
}

func TestSubscribeWithoutConnection(t *testing.T) {
	h := newHarness(t)

	// No transport yet: registration succeeds, the frame send is deferred.
	err := h.session.Subscribe(context.Background(), registry.Credential{Name: "acct2", APIKey: "k2", SecretKey: "s2"})
	require.NoError(t, err)
	require.Equal(t, []string{"acct1", "acct2"}, h.registry.Names())
	require.Equal(t, []string{"acct2"}, h.store.saved)
}

func TestUnsubscribe(t *testing.T) {
	h := newHarness(t)

	_, err := h.session.Unsubscribe(context.Background(), "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)

	cred, err := h.session.Unsubscribe(context.Background(), "acct1")
	require.NoError(t, err)
	require.Equal(t, "acct1", cred.Name)
	require.Zero(t, h.registry.Len())
	require.Equal(t, []string{"acct1"}, h.store.deleted)
}

func TestDispatchBackfillWindow(t *testing.T) {
	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	t1 := time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC)

	h := newHarness(t, WithClock(func() time.Time { return t1 }))
	require.NoError(t, h.registry.Register(registry.Credential{Name: "acct2", APIKey: "k2", SecretKey: "s2"}))

	h.session.recordLoss(t0)
	_, pending := h.session.LossRecordedAt()
	require.True(t, pending)

	h.session.dispatchBackfill()

	works := h.backfill.all()
	require.Len(t, works, 2)
	for i, name := range []string{"acct1", "acct2"} {
		require.Equal(t, name, works[i].Credential.Name)
		require.Equal(t, t0, works[i].Start)
		require.Equal(t, t1, works[i].End)
	}

	// Marker cleared regardless of what the reconcilers will find.
	_, pending = h.session.LossRecordedAt()
	require.False(t, pending)

	// A second dispatch without a new loss is a no-op.
	h.session.dispatchBackfill()
	require.Len(t, h.backfill.all(), 2)
}

func TestRecordLossKeepsEarliest(t *testing.T) {
	h := newHarness(t)

	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	h.session.recordLoss(t0)
	h.session.recordLoss(t0.Add(time.Minute))

	at, pending := h.session.LossRecordedAt()
	require.True(t, pending)
	require.Equal(t, t0, at)
}

// confirmingServer accepts one websocket connection, echoes every subscribe
// command back as a confirmation, then holds the connection open.
func confirmingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd subscribeCommand
			if err := json.Unmarshal(data, &cmd); err != nil || cmd.Command != "subscribe" {
				continue
			}
			reply := frameJSON(t, map[string]any{
				"type":       "confirm_subscription",
				"identifier": cmd.Identifier,
			})
			if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
				return
			}
		}
	}))
}

func TestSessionEndToEndConfirmation(t *testing.T) {
	srv := confirmingServer(t)
	defer srv.Close()

	h := newHarness(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	session := New(wsURL, h.registry, h.queue, h.backfill, notify.Formatter{})
	require.NoError(t, session.Start(context.Background()))
	defer session.Close()

	require.Eventually(t, func() bool {
		for _, n := range h.queue.all() {
			if n.Kind == notify.KindConfirmation && n.Text == "Subscription with acct1 confirmed." {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "confirmation never arrived")

	require.Equal(t, StateOpen, session.State())
}

func TestSessionStartTimeout(t *testing.T) {
	// Nothing is listening on this address; Start gives up waiting but the
	// dial loop keeps running until Close.
	session := New("ws://127.0.0.1:1", registry.New(), &capturingQueue{}, &capturingBackfill{}, notify.Formatter{},
		WithConnectTimeout(50*time.Millisecond))
	err := session.Start(context.Background())
	require.Error(t, err)
	require.NoError(t, session.Close())
}
