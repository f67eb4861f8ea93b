package progress

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const DefaultPollInterval = 3 * time.Second

// Fetcher pulls an authoritative snapshot of one deployment.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, id string) (*Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id string) (*Snapshot, error)

func (f FetcherFunc) FetchSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	return f(ctx, id)
}

type PollState string

const (
	PollIdle      PollState = "idle"
	PollPolling   PollState = "polling"
	PollSuspended PollState = "suspended"
)

type PollResult struct {
	ID       string
	Snapshot *Snapshot
	Err      error

	gen uint64
}

// Supervisor runs the fixed-cadence snapshot poll for one deployment id. It
// polls for as long as the deployment is not terminal, whatever the push
// channel is doing, and suspends the moment the deployment turns terminal.
// An unknown status polls too, so a failed mount fetch is retried. Like
// Counters, it is driven from the tracker loop and not safe for concurrent use.
type Supervisor struct {
	fetcher  Fetcher
	clock    clock.WithTicker
	interval time.Duration
	log      *zap.Logger
	observer Observer

	id      string
	state   PollState
	gen     uint64
	ticker  clock.Ticker
	cancel  context.CancelFunc
	results chan PollResult
}

func NewSupervisor(id string, f Fetcher, c clock.WithTicker, interval time.Duration, log *zap.Logger, obs Observer) *Supervisor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Supervisor{
		fetcher:  f,
		clock:    c,
		interval: interval,
		log:      log,
		observer: obs,
		id:       id,
		state:    PollIdle,
		results:  make(chan PollResult, 1),
	}
}

func (s *Supervisor) State() PollState { return s.state }

// C is the poll tick channel; nil unless polling.
func (s *Supervisor) C() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.C()
}

func (s *Supervisor) Results() <-chan PollResult { return s.results }

// Observe moves the state machine for the deployment's current status.
func (s *Supervisor) Observe(status OverallStatus) {
	switch {
	case status.Terminal():
		if s.state != PollSuspended {
			s.halt()
			s.state = PollSuspended
			s.log.Info("poll suspended", zap.String("deployment", s.id), zap.String("status", string(status)))
		}
	default:
		if s.state == PollIdle {
			s.ticker = s.clock.NewTicker(s.interval)
			s.state = PollPolling
			s.log.Debug("poll started", zap.String("deployment", s.id), zap.Duration("interval", s.interval))
		}
	}
}

// Poll issues one fetch unless one is already in flight. The result arrives on Results.
func (s *Supervisor) Poll(ctx context.Context) {
	if s.cancel != nil || s.state == PollSuspended {
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	id, gen := s.id, s.gen

	go func() {
		snap, err := s.fetcher.FetchSnapshot(pctx, id)
		select {
		case s.results <- PollResult{ID: id, Snapshot: snap, Err: err, gen: gen}:
		case <-pctx.Done():
		}
	}()
}

// Accept settles an in-flight poll and reports whether its snapshot should be
// reconciled. Results from a previous id, cancelled polls and failures are not.
func (s *Supervisor) Accept(r PollResult) bool {
	if r.gen != s.gen {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.observer.PollCompleted(r.Err)
	if r.Err != nil {
		s.log.Warn("poll failed", zap.String("deployment", r.ID), zap.Error(r.Err))
		return false
	}
	return r.Snapshot != nil
}

// Reset drops everything tied to the current id and returns to idle for id.
func (s *Supervisor) Reset(id string) {
	s.halt()
	s.gen++
	s.id = id
	s.state = PollIdle
}

// Stop cancels the interval and any in-flight poll.
func (s *Supervisor) Stop() {
	s.halt()
	s.gen++
	s.state = PollIdle
}

func (s *Supervisor) halt() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
