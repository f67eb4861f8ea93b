package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"deploywatch/progress"
)

type fakeSubscriber struct {
	events chan progress.Event
	conn   chan bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{events: make(chan progress.Event, 16), conn: make(chan bool, 16)}
}

func (f *fakeSubscriber) Push(ev progress.Event) { f.events <- ev }
func (f *fakeSubscriber) SetConnected(up bool)   { f.conn <- up }

func (f *fakeSubscriber) waitConnected(t *testing.T, want bool) {
	t.Helper()
	select {
	case got := <-f.conn:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection change to %v", want)
	}
}

// pushServer is a minimal push endpoint. Each accepted connection is handed
// to onConn; received client messages are collected.
type pushServer struct {
	*httptest.Server
	conns    atomic.Int32
	received chan map[string]any
	onConn   func(n int32, conn *websocket.Conn)
}

func newPushServer(t *testing.T, onConn func(n int32, conn *websocket.Conn)) *pushServer {
	t.Helper()
	ps := &pushServer{received: make(chan map[string]any, 64), onConn: onConn}
	upgrader := websocket.Upgrader{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := ps.conns.Add(1)
		go func() {
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						ps.received <- map[string]any{"type": "closed"}
					}
					return
				}
				ps.received <- msg
			}
		}()
		if ps.onConn != nil {
			ps.onConn(n, conn)
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) url() string {
	return "ws" + strings.TrimPrefix(ps.URL, "http") + "/ws"
}

func (ps *pushServer) waitMessage(t *testing.T, typ string) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ps.received:
			if msg["type"] == typ {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q message from client", typ)
			return nil
		}
	}
}

func fastReconnect() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func TestStreamDeliversEvents(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	ps := newPushServer(t, func(_ int32, conn *websocket.Conn) { ready <- conn })

	s := NewStream(ps.url(), WithReconnectBackOff(fastReconnect))
	defer s.Close()

	sub := newFakeSubscriber()
	id, err := s.Subscribe("42", "u-1", sub)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ps.waitMessage(t, "ping")
	msg := ps.waitMessage(t, "subscribe")
	assert.Equal(t, id, msg["subscriber_id"])
	assert.Equal(t, "42", msg["deployment_id"])
	assert.Equal(t, "u-1", msg["user_id"])
	sub.waitConnected(t, true)
	assert.True(t, s.Connected())

	conn := <-ready
	send(t, conn, `{"type":"connection_established","timestamp":"2026-03-01T12:00:00"}`)
	send(t, conn, `{"type":"pong"}`)
	send(t, conn, `{not json`)
	send(t, conn, `{"type":"stage_progress","stage":"build","progress":10}`)
	send(t, conn, `{"type":"stage_progress","deployment_id":42,"stage":"build","progress":55.4}`)

	select {
	case ev := <-sub.events:
		assert.Equal(t, progress.EventStageProgress, ev.Type)
		assert.Equal(t, progress.ID("42"), ev.DeploymentID)
		require.NotNil(t, ev.Progress)
		assert.InDelta(t, 55.4, *ev.Progress, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case ev := <-sub.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestStreamFansOutToAllSubscribers(t *testing.T) {
	ready := make(chan *websocket.Conn, 1)
	ps := newPushServer(t, func(_ int32, conn *websocket.Conn) { ready <- conn })
	s := NewStream(ps.url(), WithReconnectBackOff(fastReconnect))
	defer s.Close()

	a, b := newFakeSubscriber(), newFakeSubscriber()
	_, err := s.Subscribe("1", "", a)
	require.NoError(t, err)
	a.waitConnected(t, true)
	_, err = s.Subscribe("2", "", b)
	require.NoError(t, err)
	b.waitConnected(t, true)

	first := ps.waitMessage(t, "subscribe")
	second := ps.waitMessage(t, "subscribe")
	assert.ElementsMatch(t, []any{"1", "2"}, []any{first["deployment_id"], second["deployment_id"]})
	assert.Equal(t, int32(1), ps.conns.Load(), "one shared connection")

	conn := <-ready
	send(t, conn, `{"type":"deployment_started","deployment_id":"2"}`)
	for _, sub := range []*fakeSubscriber{a, b} {
		select {
		case ev := <-sub.events:
			assert.Equal(t, progress.ID("2"), ev.DeploymentID)
		case <-time.After(2 * time.Second):
			t.Fatal("event not fanned out")
		}
	}
}

func TestStreamReconnectsAfterAbnormalClose(t *testing.T) {
	ps := newPushServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			conn.UnderlyingConn().Close()
		}
	})
	s := NewStream(ps.url(), WithReconnectBackOff(fastReconnect))
	defer s.Close()

	sub := newFakeSubscriber()
	_, err := s.Subscribe("42", "", sub)
	require.NoError(t, err)

	sub.waitConnected(t, true)
	sub.waitConnected(t, false)
	sub.waitConnected(t, true)
	assert.Equal(t, int32(2), ps.conns.Load())
}

func TestStreamClosesAfterIdleGrace(t *testing.T) {
	ps := newPushServer(t, nil)
	clk := testingclock.NewFakeClock(time.Now())
	s := NewStream(ps.url(), WithReconnectBackOff(fastReconnect), WithStreamClock(clk), WithIdleGrace(time.Second))
	defer s.Close()

	sub := newFakeSubscriber()
	id, err := s.Subscribe("42", "", sub)
	require.NoError(t, err)
	sub.waitConnected(t, true)

	s.Unsubscribe(id)
	clk.Step(500 * time.Millisecond)
	assert.True(t, s.Connected(), "still inside the grace period")

	// A new subscriber inside the grace period keeps the connection.
	again := newFakeSubscriber()
	id, err = s.Subscribe("43", "", again)
	require.NoError(t, err)
	again.waitConnected(t, true)
	clk.Step(time.Second)
	assert.True(t, s.Connected())
	assert.Equal(t, int32(1), ps.conns.Load())

	s.Unsubscribe(id)
	clk.Step(time.Second)
	ps.waitMessage(t, "closed")
	require.Eventually(t, func() bool { return !s.Connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamClosed(t *testing.T) {
	s := NewStream("ws://127.0.0.1:1/ws")
	require.NoError(t, s.Close())
	_, err := s.Subscribe("42", "", newFakeSubscriber())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestSubscribeMessageShape(t *testing.T) {
	b, err := json.Marshal(subscribeMessage(&subscription{id: "s-1", deploymentID: "9"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","subscriber_id":"s-1","deployment_id":"9"}`, string(b))
}
