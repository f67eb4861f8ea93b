package progress

import "time"

type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

type StageView struct {
	Name  StageName `json:"name"`
	Phase Phase     `json:"phase"`
	StageState
}

// View is everything presentation needs; it performs no further interpretation.
type View struct {
	ID         string           `json:"id"`
	Status     OverallStatus    `json:"status"`
	Progress   float64          `json:"progress"`
	Stages     []StageView      `json:"stages"`
	Timing     Timing           `json:"timing"`
	Error      *DeploymentError `json:"error,omitempty"`
	Connection ConnectionState  `json:"connection"`
	Poll       PollState        `json:"poll"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

func NewView(d *Deployment, conn ConnectionState, poll PollState, at time.Time) View {
	phases := d.Phases()
	stages := make([]StageView, StageCount)
	for i, s := range d.Stages {
		stages[i] = StageView{Name: Stages[i], Phase: phases[i], StageState: s}
	}
	return View{
		ID:         d.ID,
		Status:     d.Status,
		Progress:   Aggregate(d.Stages[:], d.Status),
		Stages:     stages,
		Timing:     d.Timing,
		Error:      d.Error,
		Connection: conn,
		Poll:       poll,
		UpdatedAt:  at,
	}
}

// Terminal reports whether the viewed deployment has finished.
func (v View) Terminal() bool {
	return v.Status.Terminal()
}
