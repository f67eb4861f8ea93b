package progress

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type EventType string

const (
	EventDeploymentStarted   EventType = "deployment_started"
	EventStageStarted        EventType = "stage_started"
	EventStageProgress       EventType = "stage_progress"
	EventStageCompleted      EventType = "stage_completed"
	EventDeploymentCompleted EventType = "deployment_completed"
)

// ID is a deployment identifier that may arrive as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Event is one push-channel message.
type Event struct {
	Type          EventType      `json:"type"`
	DeploymentID  ID             `json:"deployment_id"`
	Stage         string         `json:"stage,omitempty"`
	Status        string         `json:"status,omitempty"`
	Progress      *float64       `json:"progress,omitempty"`
	ElapsedTime   *float64       `json:"elapsed_time,omitempty"`
	Message       string         `json:"message,omitempty"`
	StartedAt     string         `json:"started_at,omitempty"`
	CompletedAt   string         `json:"completed_at,omitempty"`
	Duration      *float64       `json:"duration,omitempty"`
	TotalDuration *float64       `json:"total_duration,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

func (e Event) message() string {
	if e.Message != "" {
		return e.Message
	}
	if s, ok := e.Data["message"].(string); ok {
		return s
	}
	return ""
}

func (e Event) duration() *int {
	if e.Duration != nil {
		return roundPtr(e.Duration)
	}
	return dataInt(e.Data, "duration")
}

func (e Event) totalDuration() *int {
	if e.TotalDuration != nil {
		return roundPtr(e.TotalDuration)
	}
	return dataInt(e.Data, "total_duration")
}

// Snapshot is the authoritative full-state response of the pull channel.
type Snapshot struct {
	ID     ID                       `json:"id,omitempty"`
	Status string                   `json:"status"`
	Stages map[string]StageFragment `json:"stages"`
	Timing SnapshotTiming           `json:"timing"`
	Error  *SnapshotError           `json:"error,omitempty"`
}

type SnapshotTiming struct {
	StartedAt     string   `json:"started_at"`
	CompletedAt   string   `json:"completed_at"`
	TotalDuration *float64 `json:"total_duration"`
}

type SnapshotError struct {
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

type StageFragment struct {
	Status      string   `json:"status"`
	Duration    *float64 `json:"duration"`
	Progress    *float64 `json:"progress,omitempty"`
	ElapsedTime *float64 `json:"elapsed_time,omitempty"`
	Message     string   `json:"message,omitempty"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// NormalizeFragmentStatus maps pull-channel stage statuses onto the
// reconciler's vocabulary. Anything that is not success or failed is open.
func NormalizeFragmentStatus(s string) StageStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return StageSuccess
	case "failed":
		return StageFailed
	default:
		return ""
	}
}

func roundPtr(f *float64) *int {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return nil
	}
	n := int(math.Round(math.Max(math.MinInt32, math.Min(math.MaxInt32, *f))))
	return &n
}

func dataInt(data map[string]any, key string) *int {
	switch v := data[key].(type) {
	case float64:
		return roundPtr(&v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return roundPtr(&f)
	default:
		return nil
	}
}
