// Package stream owns the single multiplexed websocket to the 3Commas deals
// channel. Every registered credential is subscribed over this one
// connection; inbound frames are attributed back to a credential by
// recomputing its signature and the resulting notifications are pushed onto
// the delivery queue.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/M1keZulu/3Commas-Discord/backfill"
	"github.com/M1keZulu/3Commas-Discord/notify"
	"github.com/M1keZulu/3Commas-Discord/registry"
	"github.com/M1keZulu/3Commas-Discord/sign"
)

// DefaultURL is the production 3Commas websocket endpoint.
const DefaultURL = "wss://ws.3commas.io/websocket"

const (
	defaultPingInterval     = 60 * time.Second
	defaultMaxReconnectWait = 30 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultConnectTimeout   = 10 * time.Second

	readLimit = 1024 * 1024

	closedAtMarker = "Closed at"
)

// State is the session's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Notifications is the producer side of the delivery queue.
type Notifications interface {
	Push(n notify.Notification) notify.Notification
}

// BackfillQueue receives catch-up work after a reconnect.
type BackfillQueue interface {
	Add(item backfill.Work)
}

// CredentialStore mirrors registry mutations to durable storage.
type CredentialStore interface {
	SaveCredential(ctx context.Context, cred registry.Credential) error
	DeleteCredential(ctx context.Context, name string) error
}

// Session maintains the websocket across reconnects. A connection that dies
// abnormally leaves a loss marker; the next successful connect re-subscribes
// every credential, schedules backfill over the loss window, and clears the
// marker whether or not the backfill succeeds.
type Session struct {
	url string

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	registry      *registry.Registry
	store         CredentialStore
	notifications Notifications
	backfillQueue BackfillQueue
	fmtr          notify.Formatter

	lossMu sync.Mutex
	lossAt *time.Time

	state atomic.Int32

	pingInterval     time.Duration
	maxReconnectWait time.Duration
	writeTimeout     time.Duration
	connectTimeout   time.Duration

	ready     chan struct{}
	readyOnce sync.Once

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Session)

// WithStore enables write-through persistence of registry mutations.
func WithStore(store CredentialStore) Option {
	return func(s *Session) { s.store = store }
}

func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

func WithMaxReconnectWait(d time.Duration) Option {
	return func(s *Session) { s.maxReconnectWait = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) { s.connectTimeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithClock replaces the loss-marker clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func New(url string, reg *registry.Registry, notifications Notifications, backfillQueue BackfillQueue, fmtr notify.Formatter, opts ...Option) *Session {
	if url == "" {
		url = DefaultURL
	}
	s := &Session{
		url:              url,
		ctx:              context.Background(),
		registry:         reg,
		notifications:    notifications,
		backfillQueue:    backfillQueue,
		fmtr:             fmtr,
		pingInterval:     defaultPingInterval,
		maxReconnectWait: defaultMaxReconnectWait,
		writeTimeout:     defaultWriteTimeout,
		connectTimeout:   defaultConnectTimeout,
		ready:            make(chan struct{}),
		logger:           slog.Default().WithGroup("stream"),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the connection loop and waits for the first successful
// connect. A timeout is not fatal to the session: the loop keeps dialing in
// the background, so callers should log the error and move on.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		if err := s.run(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("session loop ended", slog.String("error", err.Error()))
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(s.connectTimeout):
		return errors.New("timeout waiting for websocket connection")
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Close tears down the transport and stops the connection loop.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConn()
	return nil
}

// State reports the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LossRecordedAt reports the pending loss marker, if any.
func (s *Session) LossRecordedAt() (time.Time, bool) {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	if s.lossAt == nil {
		return time.Time{}, false
	}
	return *s.lossAt, true
}

// Subscribe registers cred and optimistically sends its subscribe frame. A
// registry conflict surfaces to the caller; a send failure does not, since
// the registry entry is replayed on the next (re)connect anyway.
func (s *Session) Subscribe(ctx context.Context, cred registry.Credential) error {
	if err := s.registry.Register(cred); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SaveCredential(ctx, cred); err != nil && !errors.Is(err, registry.ErrConflict) {
			s.logger.Warn("could not persist credential", slog.Any("credential", cred), slog.String("error", err.Error()))
		}
	}
	if err := s.sendSubscribe(ctx, cred); err != nil {
		s.logger.Warn("subscribe send deferred until connect", slog.Any("credential", cred), slog.String("error", err.Error()))
	}
	return nil
}

// Unsubscribe removes the named credential and force-closes the shared
// connection; the reconnect loop re-subscribes the remaining credentials.
// Wasteful for them, but retracting a single identifier is not possible on
// this channel.
func (s *Session) Unsubscribe(ctx context.Context, name string) (registry.Credential, error) {
	cred, err := s.registry.Remove(name)
	if err != nil {
		return registry.Credential{}, err
	}
	if s.store != nil {
		if err := s.store.DeleteCredential(ctx, name); err != nil {
			s.logger.Warn("could not delete stored credential", slog.String("name", name), slog.String("error", err.Error()))
		}
	}
	s.closeConn()
	s.logger.Info("unsubscribed", slog.Any("credential", cred))
	return cred, nil
}

// run keeps one websocket session alive until the context terminates: dial,
// replay subscriptions, schedule backfill, then babysit reader and pinger.
func (s *Session) run() error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.maxReconnectWait

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		s.state.Store(int32(StateConnecting))
		conn, _, err := websocket.Dial(s.ctx, s.url, nil)
		if err != nil {
			s.state.Store(int32(StateDisconnected))
			s.logger.Warn("dial failed", slog.String("url", s.url), slog.String("error", err.Error()))
			if !s.sleep(bo.NextBackOff()) {
				return context.Canceled
			}
			continue
		}

		conn.SetReadLimit(readLimit)
		s.setConn(conn)
		s.state.Store(int32(StateOpen))
		s.readyOnce.Do(func() { close(s.ready) })
		bo.Reset()
		s.logger.Info("connected", slog.String("url", s.url))

		s.resubscribe(conn)
		s.dispatchBackfill()

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		s.clearConn(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		loopErr := firstErr
		for e := range errCh {
			if loopErr == nil || errors.Is(loopErr, context.Canceled) {
				loopErr = e
			}
		}

		s.state.Store(int32(StateDisconnected))
		if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
			// The remote dropped us with events possibly in flight. Remember
			// when, so the next connect can replay the gap via REST.
			s.recordLoss(s.now().UTC())
			s.logger.Warn("connection lost", slog.String("error", loopErr.Error()))
		}

		if s.ctx.Err() != nil {
			return context.Canceled
		}
		if !s.sleep(bo.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (s *Session) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = s.maxReconnectWait
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// handleFrame classifies one inbound frame. Nothing in here may block: this
// runs on the receive path, and the queue push is non-blocking by contract.
func (s *Session) handleFrame(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
		return
	}

	switch frame.Type {
	case frameConfirmSubscription:
		cred, ok := s.attribute(frame.Identifier)
		if !ok {
			return
		}
		s.notifications.Push(s.fmtr.Confirmed(cred.Name))
		s.logger.Info("subscription confirmed", slog.Any("credential", cred))
	case frameRejectSubscription:
		cred, ok := s.attribute(frame.Identifier)
		if !ok {
			return
		}
		s.notifications.Push(s.fmtr.Rejected(cred.Name))
		// A rejected subscription is not retried.
		if _, err := s.registry.Remove(cred.Name); err == nil && s.store != nil {
			if err := s.store.DeleteCredential(s.ctx, cred.Name); err != nil {
				s.logger.Warn("could not delete rejected credential", slog.String("name", cred.Name), slog.String("error", err.Error()))
			}
		}
		s.logger.Warn("subscription rejected", slog.Any("credential", cred))
	case "ping", "welcome":
	default:
		s.handleDeal(frame)
	}
}

func (s *Session) handleDeal(frame inboundFrame) {
	if len(frame.Message) == 0 {
		return
	}
	var msg dealMessage
	if err := json.Unmarshal(frame.Message, &msg); err != nil || msg.Type != dealMessageType {
		return
	}
	cred, ok := s.attribute(frame.Identifier)
	if !ok {
		return
	}

	pair := strings.ReplaceAll(msg.Pair, "_", "/")
	// One notification per close event, in list order.
	for _, event := range msg.BotEvents {
		if !strings.Contains(event.Message, closedAtMarker) {
			continue
		}
		s.notifications.Push(s.fmtr.DealClosed(cred.Name, pair, event.Message))
	}
}

// attribute resolves a frame's nested identifier to a registered credential.
// A miss is not an error: the credential may have been unsubscribed between
// the server emitting the frame and us reading it.
func (s *Session) attribute(identifier string) (registry.Credential, bool) {
	user, err := decodeIdentifier(identifier)
	if err != nil {
		s.logger.Warn("dropping frame with malformed identifier", slog.String("error", err.Error()))
		return registry.Credential{}, false
	}
	cred, ok := s.registry.FindBySignature(user.APIKey, user.Signature, sign.DealsChannelPath)
	if !ok {
		s.logger.Debug("frame matches no registered credential", slog.String("api_key", user.APIKey))
	}
	return cred, ok
}

func (s *Session) sendSubscribe(ctx context.Context, cred registry.Credential) error {
	frame, err := encodeSubscribe(cred)
	if err != nil {
		return err
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// resubscribe replays the subscribe frame for every registered credential on
// a fresh connection.
func (s *Session) resubscribe(conn *websocket.Conn) {
	for _, cred := range s.registry.Snapshot() {
		frame, err := encodeSubscribe(cred)
		if err != nil {
			s.logger.Warn("could not encode subscribe frame", slog.Any("credential", cred), slog.String("error", err.Error()))
			continue
		}
		writeCtx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			s.logger.Warn("resubscribe write failed", slog.Any("credential", cred), slog.String("error", err.Error()))
			return
		}
	}
}

// recordLoss sets the loss marker. An already-pending marker wins: the
// backfill window must start at the first uncovered drop.
func (s *Session) recordLoss(at time.Time) {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	if s.lossAt == nil {
		s.lossAt = &at
	}
}

// dispatchBackfill schedules catch-up work for every credential over the loss
// window and clears the marker. The marker is cleared even if the reconcilers
// end up empty-handed; availability over completeness.
func (s *Session) dispatchBackfill() {
	s.lossMu.Lock()
	lossAt := s.lossAt
	s.lossAt = nil
	s.lossMu.Unlock()
	if lossAt == nil {
		return
	}

	end := s.now().UTC()
	creds := s.registry.Snapshot()
	for _, cred := range creds {
		s.backfillQueue.Add(backfill.Work{Credential: cred, Start: *lossAt, End: end})
	}
	s.logger.Info("backfill scheduled",
		slog.Int("credentials", len(creds)),
		slog.Time("window_start", *lossAt),
		slog.Time("window_end", end))
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) clearConn(conn *websocket.Conn) {
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Session) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "resubscribe")
	}
}
