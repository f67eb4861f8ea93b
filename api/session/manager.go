package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"deploywatch/api/hub"
	"deploywatch/api/telemetry"
	"deploywatch/backend"
	"deploywatch/progress"
)

const EventProgress = "deployment.progress"

// Source is the shared push connection trackers subscribe to.
type Source interface {
	Subscribe(deploymentID, userID string, sub backend.Subscriber) (string, error)
	Unsubscribe(id string)
}

// Publisher delivers views to the viewers of a deployment.
type Publisher interface {
	Publish(evt hub.Event)
	Close(deploymentID string)
}

type session struct {
	tracker *progress.Tracker
	viewers int
	subID   string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager keeps one tracker per watched deployment, shared by all of its
// viewers. The tracker starts with the first viewer and stops with the last.
type Manager struct {
	fetcher  progress.Fetcher
	source   Source
	pub      Publisher
	metrics  *telemetry.Metrics
	clock    clock.WithTicker
	interval time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Manager)

func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

func NewManager(f progress.Fetcher, src Source, pub Publisher, metrics *telemetry.Metrics, opts ...Option) *Manager {
	m := &Manager{
		fetcher:  f,
		source:   src,
		pub:      pub,
		metrics:  metrics,
		clock:    clock.RealClock{},
		interval: progress.DefaultPollInterval,
		log:      zap.NewNop(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attaches a viewer to deploymentID, starting its tracker if this is
// the first one.
func (m *Manager) Acquire(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.ViewerJoined()
	if s, ok := m.sessions[deploymentID]; ok {
		s.viewers++
		return
	}

	t := progress.NewTracker(deploymentID, m.fetcher,
		progress.WithClock(m.clock),
		progress.WithLogger(m.log),
		progress.WithObserver(m.metrics),
		progress.WithPollInterval(m.interval),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{tracker: t, viewers: 1, cancel: cancel, done: make(chan struct{})}

	subID, err := m.source.Subscribe(deploymentID, "", t)
	if err != nil {
		// Polling alone still converges.
		m.log.Warn("push subscription failed", zap.String("deployment", deploymentID), zap.Error(err))
	}
	s.subID = subID

	go func() {
		if err := t.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("tracker stopped", zap.String("deployment", deploymentID), zap.Error(err))
		}
	}()
	go m.pump(deploymentID, s)

	m.sessions[deploymentID] = s
	m.metrics.SessionStarted()
	m.log.Info("tracking deployment", zap.String("deployment", deploymentID))
}

func (m *Manager) pump(deploymentID string, s *session) {
	defer close(s.done)
	for {
		select {
		case v := <-s.tracker.Views():
			m.pub.Publish(hub.Event{Type: EventProgress, DeploymentID: deploymentID, Payload: v})
		case <-s.tracker.Done():
			return
		}
	}
}

// Release detaches a viewer. The last one stops the tracker and drops its
// push subscription.
func (m *Manager) Release(deploymentID string) {
	m.mu.Lock()
	s, ok := m.sessions[deploymentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.metrics.ViewerLeft()
	s.viewers--
	if s.viewers > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, deploymentID)
	m.mu.Unlock()

	m.stop(deploymentID, s)
	m.log.Info("stopped tracking deployment", zap.String("deployment", deploymentID))
}

func (m *Manager) stop(deploymentID string, s *session) {
	if s.subID != "" {
		m.source.Unsubscribe(s.subID)
	}
	s.cancel()
	<-s.done

	// A viewer may have arrived while this session was winding down. Its
	// session owns the topic now, so leave the viewers connected.
	m.mu.Lock()
	if _, reacquired := m.sessions[deploymentID]; !reacquired {
		m.pub.Close(deploymentID)
	}
	m.mu.Unlock()
	m.metrics.SessionEnded()
}

// Active returns the number of tracked deployments.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every tracker regardless of attached viewers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for id, s := range sessions {
		for range s.viewers {
			m.metrics.ViewerLeft()
		}
		m.stop(id, s)
	}
}
