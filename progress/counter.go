package progress

import (
	"math"
	"time"

	"k8s.io/utils/clock"
)

const tickInterval = time.Second

type stageTimer struct {
	ticker  clock.Ticker
	started time.Time
}

// Counters owns the per-stage elapsed-time tickers of one deployment. Only the
// running stage ticks. Counters is not safe for concurrent use; the tracker
// loop owns it.
type Counters struct {
	clock  clock.WithTicker
	timers map[StageName]*stageTimer
}

func NewCounters(c clock.WithTicker) *Counters {
	return &Counters{
		clock:  c,
		timers: make(map[StageName]*stageTimer, StageCount),
	}
}

// Start begins ticking for stage. An already running timer only picks up a
// source-provided start time; the stage's accumulated value is never reset.
func (c *Counters) Start(stage StageName, startedAt *time.Time, now time.Time) {
	if t, ok := c.timers[stage]; ok {
		if startedAt != nil {
			t.started = *startedAt
		}
		return
	}
	started := now
	if startedAt != nil {
		started = *startedAt
	}
	c.timers[stage] = &stageTimer{
		ticker:  c.clock.NewTicker(tickInterval),
		started: started,
	}
}

// Stop cancels the stage's ticker. Its last value stays frozen in the stage state.
func (c *Counters) Stop(stage StageName) {
	if t, ok := c.timers[stage]; ok {
		t.ticker.Stop()
		delete(c.timers, stage)
	}
}

func (c *Counters) StopAll() {
	for stage := range c.timers {
		c.Stop(stage)
	}
}

func (c *Counters) Running(stage StageName) bool {
	_, ok := c.timers[stage]
	return ok
}

// Sync makes the set of live tickers match the deployment: the running stage
// ticks and every other stage is stopped.
func (c *Counters) Sync(d *Deployment, now time.Time) {
	running, ok := d.Running()
	for stage := range c.timers {
		if !ok || stage != running {
			c.Stop(stage)
		}
	}
	if ok {
		c.Start(running, d.Stage(running).StartedAt, now)
	}
}

// Active returns the running stage and its tick channel. The channel is nil
// when nothing runs, which blocks forever in a select.
func (c *Counters) Active() (StageName, <-chan time.Time) {
	for stage, t := range c.timers {
		return stage, t.ticker.C()
	}
	return "", nil
}

// Next computes the stage's elapsed seconds for a tick at now. The wall-clock
// term catches up after the local ticker fell behind, e.g. while suspended.
// Stopped stages keep their value.
func (c *Counters) Next(stage StageName, current int, now time.Time) int {
	t, ok := c.timers[stage]
	if !ok {
		return current
	}
	wall := int(math.Round(now.Sub(t.started).Seconds()))
	return max(current+1, wall)
}
