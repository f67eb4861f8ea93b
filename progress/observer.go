package progress

// Drop reasons reported to Observer.EventDropped.
const (
	DropForeign      = "foreign_deployment"
	DropUnknownStage = "unknown_stage"
	DropBackpressure = "backpressure"
)

// Observer receives synchronizer activity, typically for metrics.
type Observer interface {
	EventApplied(t EventType, changed bool)
	EventDropped(reason string)
	SnapshotApplied(changed bool)
	PollCompleted(err error)
}

type nopObserver struct{}

func (nopObserver) EventApplied(EventType, bool) {}
func (nopObserver) EventDropped(string)          {}
func (nopObserver) SnapshotApplied(bool)         {}
func (nopObserver) PollCompleted(error)          {}
