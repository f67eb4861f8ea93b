package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"deploywatch/progress"
)

var ErrStreamClosed = errors.New("stream closed")

const (
	DefaultPingInterval = 25 * time.Second
	DefaultIdleGrace    = time.Second
	maxReconnects       = 10
	writeTimeout        = 10 * time.Second
)

// Subscriber receives every decoded push event and connection change.
// Both calls must return promptly; progress.Tracker satisfies this.
type Subscriber interface {
	Push(progress.Event)
	SetConnected(up bool)
}

type subscription struct {
	id           string
	deploymentID string
	userID       string
	sub          Subscriber
}

type StreamOption func(*Stream)

func WithStreamLogger(l *zap.Logger) StreamOption {
	return func(s *Stream) { s.log = l }
}

func WithStreamClock(c clock.WithTickerAndDelayedExecution) StreamOption {
	return func(s *Stream) { s.clock = c }
}

func WithPingInterval(d time.Duration) StreamOption {
	return func(s *Stream) { s.pingInterval = d }
}

func WithIdleGrace(d time.Duration) StreamOption {
	return func(s *Stream) { s.grace = d }
}

// WithReconnectBackOff replaces the reconnect schedule.
func WithReconnectBackOff(f func() backoff.BackOff) StreamOption {
	return func(s *Stream) { s.newBackOff = f }
}

// Stream is the process-wide push channel: one WebSocket connection shared by
// every subscriber, whatever deployment each one watches.
type Stream struct {
	url          string
	dialer       *websocket.Dialer
	log          *zap.Logger
	clock        clock.WithTickerAndDelayedExecution
	pingInterval time.Duration
	grace        time.Duration
	newBackOff   func() backoff.BackOff

	mu        sync.Mutex
	subs      map[string]*subscription
	conn      *websocket.Conn
	cancel    context.CancelFunc
	idleTimer clock.Timer
	closed    bool

	writeMu sync.Mutex
}

func NewStream(url string, opts ...StreamOption) *Stream {
	s := &Stream{
		url:          url,
		dialer:       websocket.DefaultDialer,
		log:          zap.NewNop(),
		clock:        clock.RealClock{},
		pingInterval: DefaultPingInterval,
		grace:        DefaultIdleGrace,
		newBackOff:   reconnectBackOff,
		subs:         make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// reconnectBackOff starts at 500ms and grows by 1.4x up to 5s.
func reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 1.4
	b.MaxInterval = 5 * time.Second
	b.RandomizationFactor = 0
	return b
}

// Subscribe registers sub and connects if this is the first subscriber. The
// returned id is passed to Unsubscribe. userID may be empty.
func (s *Stream) Subscribe(deploymentID, userID string, sub Subscriber) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStreamClosed
	}

	entry := &subscription{
		id:           uuid.NewString(),
		deploymentID: deploymentID,
		userID:       userID,
		sub:          sub,
	}
	s.subs[entry.id] = entry

	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	} else if s.conn != nil {
		conn := s.conn
		go func() {
			if err := s.write(conn, subscribeMessage(entry)); err != nil {
				s.log.Warn("subscribe failed", zap.String("subscriber", entry.id), zap.Error(err))
			}
			sub.SetConnected(true)
		}()
	}
	return entry.id, nil
}

// Unsubscribe removes a subscriber. When none remain the connection is closed
// after a short grace period, unless someone subscribes in the meantime.
func (s *Stream) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return
	}
	delete(s.subs, id)
	if len(s.subs) > 0 || s.closed || s.idleTimer != nil {
		return
	}
	s.idleTimer = s.clock.AfterFunc(s.grace, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.idleTimer = nil
		if len(s.subs) == 0 {
			s.log.Debug("push channel idle, disconnecting")
			s.disconnectLocked()
		}
	})
}

// Close disconnects and rejects further subscriptions.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.disconnectLocked()
	return nil
}

// Connected reports whether the shared connection is currently up.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Stream) disconnectLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Stream) run(ctx context.Context) {
	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
			return conn, err
		},
			backoff.WithBackOff(s.newBackOff()),
			backoff.WithMaxTries(maxReconnects),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				s.log.Warn("push channel connect failed", zap.Error(err), zap.Duration("retry_in", next))
			}),
		)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("push channel unavailable, giving up", zap.Error(err))
			}
			s.stopped(ctx)
			return
		}

		normal := s.serve(ctx, conn)
		if ctx.Err() != nil || normal {
			s.stopped(ctx)
			return
		}
		s.log.Info("push channel lost, reconnecting")
	}
}

// stopped lets a later Subscribe start a fresh connection loop.
func (s *Stream) stopped(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() == nil && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// serve owns one live connection until it closes. It reports whether the
// close was a normal one that should not be retried.
func (s *Stream) serve(ctx context.Context, conn *websocket.Conn) bool {
	s.mu.Lock()
	s.conn = conn
	subs := s.snapshotLocked()
	s.mu.Unlock()
	s.log.Info("push channel connected", zap.String("url", s.url))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "No more subscribers"))
			s.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()
	go s.heartbeat(conn, done)

	if err := s.write(conn, map[string]string{"type": "ping"}); err != nil {
		s.log.Warn("initial ping failed", zap.Error(err))
	}
	for _, entry := range subs {
		if err := s.write(conn, subscribeMessage(entry)); err != nil {
			s.log.Warn("subscribe failed", zap.String("subscriber", entry.id), zap.Error(err))
		}
		entry.sub.SetConnected(true)
	}

	err := s.readLoop(conn)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	subs = s.snapshotLocked()
	s.mu.Unlock()
	conn.Close()
	for _, entry := range subs {
		entry.sub.SetConnected(false)
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Info("push channel closed by server")
		return true
	}
	if ctx.Err() == nil {
		s.log.Warn("push channel read failed", zap.Error(err))
	}
	return false
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(data)
	}
}

func (s *Stream) dispatch(data []byte) {
	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case "connection_established", "connection_status", "pong":
		s.log.Debug("push control message", zap.String("type", typ))
		return
	case "":
		s.log.Debug("push message without type dropped", zap.ByteString("payload", data))
		return
	}

	var ev progress.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Debug("malformed push message dropped", zap.Error(err))
		return
	}
	if ev.DeploymentID == "" {
		s.log.Debug("push message without deployment_id dropped", zap.String("type", string(ev.Type)))
		return
	}

	s.mu.Lock()
	subs := s.snapshotLocked()
	s.mu.Unlock()
	for _, entry := range subs {
		entry.sub.Push(ev)
	}
}

func (s *Stream) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	t := s.clock.NewTicker(s.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C():
			if err := s.write(conn, map[string]string{"type": "ping"}); err != nil {
				s.log.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Stream) write(conn *websocket.Conn, msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func (s *Stream) snapshotLocked() []*subscription {
	out := make([]*subscription, 0, len(s.subs))
	for _, entry := range s.subs {
		out = append(out, entry)
	}
	return out
}

type subscribeRequest struct {
	Type         string `json:"type"`
	SubscriberID string `json:"subscriber_id"`
	DeploymentID string `json:"deployment_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

func subscribeMessage(entry *subscription) subscribeRequest {
	return subscribeRequest{
		Type:         "subscribe",
		SubscriberID: entry.id,
		DeploymentID: entry.deploymentID,
		UserID:       entry.userID,
	}
}
