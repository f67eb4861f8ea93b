package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"

	defaultInterval = 30 * time.Second
	checkTimeout    = 5 * time.Second
)

// Backend is the deployment API the relay reads snapshots from.
type Backend interface {
	Health(ctx context.Context) (string, error)
}

// Push reports whether the shared push connection is up.
type Push interface {
	Connected() bool
}

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // up, down, idle
	Details string `json:"details,omitempty"`
}

type Report struct {
	Status    string          `json:"status"`
	Services  []ServiceHealth `json:"services"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// Poller periodically checks the relay's upstreams and keeps the last report.
type Poller struct {
	Backend  Backend
	Push     Push
	Interval time.Duration
	Clock    clock.WithTicker
	Log      *zap.Logger

	mu   sync.RWMutex
	last *Report
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	interval := p.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	ticker := p.clock().NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately on start
	p.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.Check(ctx)
		}
	}
}

// Check probes every upstream now and stores the result.
func (p *Poller) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	services := []ServiceHealth{p.checkBackend(ctx)}
	if p.Push != nil {
		services = append(services, p.checkPush())
	}

	status := StatusHealthy
	for _, s := range services {
		if s.Status == "down" {
			status = StatusDegraded
		}
	}

	report := Report{Status: status, Services: services, CheckedAt: p.clock().Now()}

	p.mu.Lock()
	prev := p.last
	p.last = &report
	p.mu.Unlock()

	if p.Log != nil && (prev == nil || prev.Status != status) {
		p.Log.Info("upstream health", zap.String("status", status))
	}
	return report
}

// Last returns the most recent report, checking now if none exists yet.
func (p *Poller) Last(ctx context.Context) Report {
	p.mu.RLock()
	last := p.last
	p.mu.RUnlock()
	if last != nil {
		return *last
	}
	return p.Check(ctx)
}

func (p *Poller) clock() clock.WithTicker {
	if p.Clock == nil {
		return clock.RealClock{}
	}
	return p.Clock
}

func (p *Poller) checkBackend(ctx context.Context) ServiceHealth {
	if p.Backend == nil {
		return ServiceHealth{Name: "backend", Status: "down", Details: "not configured"}
	}
	status, err := p.Backend.Health(ctx)
	if err != nil {
		return ServiceHealth{Name: "backend", Status: "down", Details: err.Error()}
	}
	return ServiceHealth{Name: "backend", Status: "up", Details: status}
}

// The push connection is only held while deployments are watched, so a closed
// one is idle rather than down.
func (p *Poller) checkPush() ServiceHealth {
	if p.Push.Connected() {
		return ServiceHealth{Name: "push", Status: "up"}
	}
	return ServiceHealth{Name: "push", Status: "idle"}
}
