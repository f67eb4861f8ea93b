package progress

import (
	"math"
	"reflect"
	"time"
)

// StageUpdate is one incoming fragment of stage state, from either channel.
// Nil and empty fields are absent.
type StageUpdate struct {
	Status      StageStatus
	Progress    *int
	Elapsed     *int
	Message     string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Duration    *int
	Timestamp   *time.Time
}

// ReconcileStage merges one update into a stage. It is pure, monotonic and
// idempotent: terminal stages never change, progress and elapsed time never
// decrease, and applying the same update twice equals applying it once.
func ReconcileStage(cur StageState, in StageUpdate, now time.Time) StageState {
	if cur.Status.Terminal() {
		return cur
	}

	next := cur
	if in.StartedAt != nil {
		next.StartedAt = in.StartedAt
	}
	if in.Message != "" {
		next.Message = in.Message
	}
	if in.Elapsed != nil && *in.Elapsed > next.ElapsedSeconds {
		next.ElapsedSeconds = *in.Elapsed
	}

	var progress int
	if in.Progress != nil {
		progress = clampPercent(*in.Progress)
		next.Reported = true
		if progress > next.Progress {
			next.Progress = progress
		}
	}

	switch {
	case in.Status == StageFailed:
		return finishStage(next, StageFailed, in, now)
	case in.Progress != nil && progress == 100:
		// Sources sometimes skip the completion event after reaching 100%.
		return finishStage(next, StageSuccess, in, now)
	case in.Status == StageSuccess:
		return finishStage(next, StageSuccess, in, now)
	}
	return next
}

func finishStage(s StageState, status StageStatus, in StageUpdate, now time.Time) StageState {
	s.Status = status
	if status == StageSuccess {
		s.Progress = 100
		s.Reported = true
	}

	completed := now
	switch {
	case in.CompletedAt != nil:
		completed = *in.CompletedAt
	case in.Timestamp != nil:
		completed = *in.Timestamp
	}
	s.CompletedAt = &completed

	if in.Duration != nil {
		d := max(0, *in.Duration)
		s.Duration = &d
	}
	s.ElapsedSeconds = terminalElapsed(s)
	return s
}

// terminalElapsed prefers the source's duration, then the wall-clock span,
// then whatever the local counter last reached.
func terminalElapsed(s StageState) int {
	if s.Duration != nil {
		return *s.Duration
	}
	if s.StartedAt != nil && s.CompletedAt != nil {
		return max(0, int(math.Round(s.CompletedAt.Sub(*s.StartedAt).Seconds())))
	}
	return s.ElapsedSeconds
}

func clampPercent(p int) int {
	return min(100, max(0, p))
}

// ApplyEvent reconciles one push event into d. It reports whether any field
// changed. Events naming an unknown stage return ErrUnknownStage and leave d
// untouched. The caller is responsible for deployment id filtering.
func ApplyEvent(d *Deployment, ev Event, now time.Time) (bool, error) {
	before := *d

	switch ev.Type {
	case EventDeploymentStarted:
		if d.Status.Terminal() {
			return false, nil
		}
		d.Status = d.Status.advance(StatusRunning)
		if t := optionalTimestamp(firstNonEmpty(ev.StartedAt, ev.Timestamp), now); t != nil {
			d.Timing.StartedAt = t
		}

	case EventStageStarted, EventStageProgress, EventStageCompleted:
		name, err := ParseStage(ev.Stage)
		if err != nil {
			return false, err
		}
		up := eventUpdate(ev, now)
		if ev.Type == EventStageStarted && up.Progress == nil {
			zero := 0
			up.Progress = &zero
		}
		st := d.Stage(name)
		*st = ReconcileStage(*st, up, now)
		if st.Begun() {
			d.Status = d.Status.advance(StatusRunning)
		}
		if st.Status == StageFailed {
			markFailed(d, name, ev.message())
		}

	case EventDeploymentCompleted:
		status := ParseOverallStatus(ev.Status)
		if !status.Terminal() || d.Status.Terminal() {
			return false, nil
		}
		d.Status = status
		if status == StatusFailed {
			markFailed(d, triggeringStage(d, ev.Stage), ev.message())
		}
		completed := now
		if t := optionalTimestamp(firstNonEmpty(ev.CompletedAt, ev.Timestamp), now); t != nil {
			completed = *t
		}
		d.Timing.CompletedAt = &completed
		if total := ev.totalDuration(); total != nil {
			d.Timing.TotalDurationSeconds = total
		}
	}

	return !reflect.DeepEqual(before, *d), nil
}

// ApplySnapshot reconciles a full pull-channel snapshot into d. Stage statuses
// are normalised here, before they reach the reconciler. Unknown stage keys
// are skipped.
func ApplySnapshot(d *Deployment, snap Snapshot, now time.Time) bool {
	before := *d

	for key, frag := range snap.Stages {
		name, err := ParseStage(key)
		if err != nil {
			continue
		}
		st := d.Stage(name)
		*st = ReconcileStage(*st, fragmentUpdate(frag, now), now)
	}
	for i, st := range d.Stages {
		if st.Status == StageFailed {
			markFailed(d, Stages[i], st.Message)
			break
		}
	}

	status := ParseOverallStatus(snap.Status)
	d.Status = d.Status.advance(status)
	if d.Status == StatusFailed && d.Error == nil {
		var msg, stage string
		if snap.Error != nil {
			msg, stage = snap.Error.Message, snap.Error.Stage
		}
		markFailed(d, triggeringStage(d, stage), msg)
	}

	if t := optionalTimestamp(snap.Timing.StartedAt, now); t != nil {
		d.Timing.StartedAt = t
	}
	if t := optionalTimestamp(snap.Timing.CompletedAt, now); t != nil {
		d.Timing.CompletedAt = t
	}
	if total := roundPtr(snap.Timing.TotalDuration); total != nil {
		d.Timing.TotalDurationSeconds = total
	}

	return !reflect.DeepEqual(before, *d)
}

// markFailed is a one-way transition; only a new deployment id clears it.
func markFailed(d *Deployment, stage StageName, message string) {
	d.Status = StatusFailed
	if d.Error != nil {
		return
	}
	if message == "" {
		message = "Stage failed"
	}
	d.Error = &DeploymentError{Message: message, Stage: stage}
}

// triggeringStage picks the stage to blame for a deployment-level failure:
// the one named by the source, else the first open stage, else the last.
func triggeringStage(d *Deployment, hint string) StageName {
	if name, err := ParseStage(hint); err == nil {
		return name
	}
	if i := d.FirstOpen(); i < StageCount {
		return Stages[i]
	}
	return Stages[StageCount-1]
}

func eventUpdate(ev Event, now time.Time) StageUpdate {
	startedAt := ev.StartedAt
	if ev.Type == EventStageStarted {
		startedAt = firstNonEmpty(ev.StartedAt, ev.Timestamp)
	}
	return StageUpdate{
		Status:      NormalizeFragmentStatus(ev.Status),
		Progress:    roundPtr(ev.Progress),
		Elapsed:     roundPtr(ev.ElapsedTime),
		Message:     ev.message(),
		StartedAt:   optionalTimestamp(startedAt, now),
		CompletedAt: optionalTimestamp(ev.CompletedAt, now),
		Duration:    ev.duration(),
		Timestamp:   optionalTimestamp(ev.Timestamp, now),
	}
}

func fragmentUpdate(f StageFragment, now time.Time) StageUpdate {
	return StageUpdate{
		Status:      NormalizeFragmentStatus(f.Status),
		Progress:    roundPtr(f.Progress),
		Elapsed:     roundPtr(f.ElapsedTime),
		Message:     f.Message,
		StartedAt:   optionalTimestamp(f.StartedAt, now),
		CompletedAt: optionalTimestamp(f.CompletedAt, now),
		Duration:    roundPtr(f.Duration),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// FromSnapshot builds a deployment from a single snapshot, as used by one-shot
// readers that never run a tracker. The running stage's elapsed time is
// brought up to now.
func FromSnapshot(id string, snap Snapshot, now time.Time) *Deployment {
	d := NewDeployment(id)
	ApplySnapshot(d, snap, now)
	if stage, ok := d.Running(); ok {
		st := d.Stage(stage)
		if st.StartedAt != nil {
			wall := int(math.Round(now.Sub(*st.StartedAt).Seconds()))
			st.ElapsedSeconds = max(st.ElapsedSeconds, wall)
		}
	}
	return d
}
