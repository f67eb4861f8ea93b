package progress

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var ErrTrackerStopped = errors.New("tracker stopped")

const inboxSize = 64

type Option func(*Tracker)

func WithClock(c clock.WithTicker) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithObserver installs an observer. It may be called from any goroutine.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

// WithSeed seeds the deployment from a snapshot fetched at mount time, which
// replaces the tracker's own initial fetch.
func WithSeed(s *Snapshot) Option {
	return func(t *Tracker) { t.seed = s }
}

type switchRequest struct {
	id   string
	done chan struct{}
}

// Tracker keeps one deployment's displayed state in sync with the push and
// pull channels. All state is owned by the Run goroutine; the exported
// methods only hand work to it.
type Tracker struct {
	fetcher  Fetcher
	clock    clock.WithTicker
	log      *zap.Logger
	observer Observer
	interval time.Duration
	seed     *Snapshot

	id       atomic.Value
	events   chan Event
	conn     chan bool
	switches chan switchRequest
	views    chan View
	done     chan struct{}

	// owned by Run
	ctx        context.Context
	dep        *Deployment
	counters   *Counters
	sup        *Supervisor
	skew       serverClock
	connection ConnectionState
}

func NewTracker(id string, f Fetcher, opts ...Option) *Tracker {
	t := &Tracker{
		fetcher:    f,
		clock:      clock.RealClock{},
		log:        zap.NewNop(),
		observer:   nopObserver{},
		interval:   DefaultPollInterval,
		events:     make(chan Event, inboxSize),
		conn:       make(chan bool, 8),
		switches:   make(chan switchRequest),
		views:      make(chan View, 1),
		done:       make(chan struct{}),
		dep:        NewDeployment(id),
		connection: ConnectionConnecting,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.id.Store(id)
	t.log = t.log.With(zap.String("deployment", id))
	t.counters = NewCounters(t.clock)
	t.sup = NewSupervisor(id, f, t.clock, t.interval, t.log, t.observer)
	return t
}

// ID is the deployment currently tracked.
func (t *Tracker) ID() string {
	return t.id.Load().(string)
}

// Push hands a push-channel event to the tracker without blocking. When the
// inbox is full the event is dropped; the next poll covers it.
func (t *Tracker) Push(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.observer.EventDropped(DropBackpressure)
	}
}

// SetConnected reports a push channel state change.
func (t *Tracker) SetConnected(up bool) {
	select {
	case t.conn <- up:
	case <-t.done:
	}
}

// Views yields the latest view after every change. Intermediate views may be skipped.
func (t *Tracker) Views() <-chan View { return t.views }

// Done is closed once Run has returned and every timer is cancelled.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Switch synchronously moves the tracker to another deployment. All stage
// state, counters and the poll for the previous id are gone when it returns.
func (t *Tracker) Switch(ctx context.Context, id string) error {
	req := switchRequest{id: id, done: make(chan struct{})}
	select {
	case t.switches <- req:
	case <-t.done:
		return ErrTrackerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-t.done:
		return ErrTrackerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the tracker until ctx is cancelled. It must be called once.
// Every timer and in-flight poll is cancelled before it returns.
func (t *Tracker) Run(ctx context.Context) error {
	defer close(t.done)
	defer t.teardown()

	t.ctx = ctx
	if t.seed != nil {
		t.applySnapshot(*t.seed)
	} else {
		t.sup.Poll(ctx)
	}
	t.refresh()

	for {
		_, tick := t.counters.Active()
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			t.handleEvent(ev)
		case up := <-t.conn:
			t.handleConnection(up)
		case res := <-t.sup.Results():
			if t.sup.Accept(res) {
				t.applySnapshot(*res.Snapshot)
			}
		case <-t.sup.C():
			t.sup.Poll(ctx)
		case now := <-tick:
			t.handleTick(now)
		case req := <-t.switches:
			t.reset(req.id)
			close(req.done)
		}
	}
}

func (t *Tracker) handleEvent(ev Event) {
	if string(ev.DeploymentID) != t.dep.ID {
		t.observer.EventDropped(DropForeign)
		return
	}
	if ev.Timestamp != "" {
		t.skew.observe(ev.Timestamp, t.clock.Now())
	}

	changed, err := ApplyEvent(t.dep, ev, t.now())
	if err != nil {
		t.log.Debug("event dropped", zap.String("type", string(ev.Type)), zap.String("stage", ev.Stage), zap.Error(err))
		t.observer.EventDropped(DropUnknownStage)
		return
	}
	t.observer.EventApplied(ev.Type, changed)
	if changed {
		t.refresh()
	}
}

func (t *Tracker) applySnapshot(s Snapshot) {
	changed := ApplySnapshot(t.dep, s, t.now())
	t.observer.SnapshotApplied(changed)
	if changed {
		t.refresh()
	}
}

func (t *Tracker) handleConnection(up bool) {
	prev := t.connection
	if up {
		t.connection = ConnectionConnected
	} else {
		t.connection = ConnectionDisconnected
	}
	if prev == t.connection {
		return
	}
	t.log.Info("push channel", zap.String("state", string(t.connection)))
	if up && prev == ConnectionDisconnected && !t.dep.Status.Terminal() {
		// Events may have been lost while disconnected.
		t.sup.Poll(t.ctx)
	}
	t.publish()
}

func (t *Tracker) handleTick(now time.Time) {
	stage, _ := t.counters.Active()
	st := t.dep.Stage(stage)
	if st == nil {
		return
	}
	next := t.counters.Next(stage, st.ElapsedSeconds, t.skew.now(now))
	if next != st.ElapsedSeconds {
		st.ElapsedSeconds = next
		t.publish()
	}
}

func (t *Tracker) reset(id string) {
	t.counters.StopAll()
	t.sup.Reset(id)
	t.dep = NewDeployment(id)
	t.id.Store(id)
	t.log.Info("switched deployment", zap.String("to", id))
	t.sup.Poll(t.ctx)
	t.refresh()
}

// refresh re-derives timers and poll state from the deployment, then publishes.
func (t *Tracker) refresh() {
	t.counters.Sync(t.dep, t.now())
	t.sup.Observe(t.dep.Status)
	t.publish()
}

func (t *Tracker) publish() {
	v := NewView(t.dep, t.connection, t.sup.State(), t.clock.Now())
	select {
	case <-t.views:
	default:
	}
	t.views <- v
}

func (t *Tracker) teardown() {
	t.counters.StopAll()
	t.sup.Stop()
}

func (t *Tracker) now() time.Time {
	return t.skew.now(t.clock.Now())
}

// serverClock tracks the offset between the server's clock and ours, as
// seen in push message timestamps.
type serverClock struct {
	offset time.Duration
}

func (c *serverClock) observe(serverTS string, local time.Time) {
	t, err := NormalizeTimestamp(serverTS)
	if err != nil {
		return
	}
	c.offset = t.Sub(local)
}

func (c *serverClock) now(local time.Time) time.Time {
	return local.Add(c.offset)
}
