package progress

import (
	"errors"
	"strings"
	"time"
)

var ErrUnknownStage = errors.New("unknown stage")

type StageName string

const (
	StageCommit StageName = "commit"
	StageBuild  StageName = "build"
	StageDeploy StageName = "deploy"
)

const StageCount = 3

// Stages is the fixed pipeline order. Index positions never change.
var Stages = [StageCount]StageName{StageCommit, StageBuild, StageDeploy}

var stageAliases = map[string]StageName{
	"commit":       StageCommit,
	"sourcecommit": StageCommit,
	"build":        StageBuild,
	"sourcebuild":  StageBuild,
	"deploy":       StageDeploy,
	"sourcedeploy": StageDeploy,
}

// ParseStage resolves a wire stage key to its slot.
func ParseStage(s string) (StageName, error) {
	if name, ok := stageAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return name, nil
	}
	return "", ErrUnknownStage
}

// Index returns the slot position of the stage, or -1.
func (n StageName) Index() int {
	for i, s := range Stages {
		if s == n {
			return i
		}
	}
	return -1
}

// StageStatus is empty while a stage is pending or running.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
)

func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageFailed
}

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
)

type OverallStatus string

const (
	StatusUnknown   OverallStatus = "unknown"
	StatusPending   OverallStatus = "pending"
	StatusRunning   OverallStatus = "running"
	StatusSuccess   OverallStatus = "success"
	StatusFailed    OverallStatus = "failed"
	StatusCancelled OverallStatus = "cancelled"
)

// ParseOverallStatus normalises a wire status. "completed" is an alias of success.
func ParseOverallStatus(s string) OverallStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "waiting":
		return StatusPending
	case "running", "in_progress":
		return StatusRunning
	case "success", "completed", "succeeded":
		return StatusSuccess
	case "failed", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

func (s OverallStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

func (s OverallStatus) Active() bool {
	return s == StatusPending || s == StatusRunning
}

func (s OverallStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	case StatusSuccess, StatusFailed, StatusCancelled:
		return 3
	default:
		return 0
	}
}

// advance applies a status transition only when it moves forward.
// Terminal statuses are sticky.
func (s OverallStatus) advance(next OverallStatus) OverallStatus {
	if s.Terminal() || next.rank() <= s.rank() {
		return s
	}
	return next
}

type StageState struct {
	Status         StageStatus `json:"status"`
	Progress       int         `json:"progress"`
	ElapsedSeconds int         `json:"elapsedSeconds"`
	StartedAt      *time.Time  `json:"startedAt,omitempty"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
	Duration       *int        `json:"duration,omitempty"`
	Message        string      `json:"message,omitempty"`

	// Reported is set once any source has sent a progress value for the stage.
	Reported bool `json:"-"`
}

// Begun reports whether the stage shows any sign of having started.
func (s StageState) Begun() bool {
	return s.StartedAt != nil || s.Reported
}

type Timing struct {
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	TotalDurationSeconds *int       `json:"totalDurationSeconds,omitempty"`
}

type DeploymentError struct {
	Message string    `json:"message"`
	Stage   StageName `json:"stage"`
}

type Deployment struct {
	ID     string                 `json:"id"`
	Status OverallStatus          `json:"status"`
	Stages [StageCount]StageState `json:"stages"`
	Timing Timing                 `json:"timing"`
	Error  *DeploymentError       `json:"error,omitempty"`
}

func NewDeployment(id string) *Deployment {
	return &Deployment{ID: id, Status: StatusUnknown}
}

func (d *Deployment) Stage(name StageName) *StageState {
	i := name.Index()
	if i < 0 {
		return nil
	}
	return &d.Stages[i]
}

// FirstOpen returns the index of the first non-terminal stage, or StageCount.
func (d *Deployment) FirstOpen() int {
	for i, s := range d.Stages {
		if !s.Status.Terminal() {
			return i
		}
	}
	return StageCount
}

// Running returns the single stage classified as running, if any. Only the
// first non-terminal stage can run, and only once it has begun.
func (d *Deployment) Running() (StageName, bool) {
	if d.Status.Terminal() {
		return "", false
	}
	i := d.FirstOpen()
	if i == StageCount || !d.Stages[i].Begun() {
		return "", false
	}
	return Stages[i], true
}

// Phases derives the display phase of every stage. Stages past the first
// non-terminal one are pending regardless of stray data.
func (d *Deployment) Phases() [StageCount]Phase {
	var out [StageCount]Phase
	open := d.FirstOpen()
	running, hasRunning := d.Running()
	for i, s := range d.Stages {
		switch {
		case s.Status == StageSuccess && i < open:
			out[i] = PhaseSucceeded
		case s.Status == StageFailed && i < open:
			out[i] = PhaseFailed
		case hasRunning && Stages[i] == running:
			out[i] = PhaseRunning
		default:
			out[i] = PhasePending
		}
	}
	return out
}
