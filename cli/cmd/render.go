package cmd

import (
	"fmt"
	"strings"
	"time"

	bar "github.com/charmbracelet/bubbles/progress"

	"deploywatch/cli/style"
	"deploywatch/progress"
)

const barWidth = 30

var stageIcons = map[progress.StageName]string{
	progress.StageCommit: "📥",
	progress.StageBuild:  "🔨",
	progress.StageDeploy: "🚀",
}

func newBar(width int) bar.Model {
	return bar.New(bar.WithGradient(string(style.Primary), string(style.Cyan)), bar.WithWidth(width))
}

// renderStages draws one line per stage. spin is shown next to the running
// stage; pass "" for static output.
func renderStages(v progress.View, b bar.Model, spin string) string {
	var sb strings.Builder
	for _, st := range v.Stages {
		s := style.Phase(st.Phase)
		name := padRight(string(st.Name), 8)

		var state string
		switch st.Phase {
		case progress.PhaseRunning:
			state = style.StepRunning.Render("running")
			if spin != "" {
				state = spin + " " + state
			}
		case progress.PhaseSucceeded:
			state = style.StepDone.Render("✓ done")
		case progress.PhaseFailed:
			state = style.StepFailed.Render("✗ failed")
		default:
			state = style.DimText.Render("waiting")
		}

		elapsed := padRight("", 8)
		if st.Phase != progress.PhasePending {
			elapsed = style.DimText.Render(padRight(formatElapsed(st.ElapsedSeconds), 8))
		}

		fmt.Fprintf(&sb, "  %s %s %s %s %s\n",
			stageIcons[st.Name], s.Render(name), b.ViewAs(float64(st.Progress)/100), elapsed, state)
	}
	return sb.String()
}

func renderOverall(v progress.View, b bar.Model) string {
	return fmt.Sprintf("  %s %s", style.Key.Render("Overall"), b.ViewAs(v.Progress/100))
}

// renderStatusLine shows the push and poll state of a live view.
func renderStatusLine(v progress.View) string {
	return fmt.Sprintf("  %s %s   %s %s",
		style.ConnectionDot(v.Connection), style.DimText.Render("push "+string(v.Connection)),
		style.DimText.Render("poll"), style.DimText.Render(string(v.Poll)))
}

// renderOutcome is the closing box of a finished deployment.
func renderOutcome(v progress.View) string {
	switch v.Status {
	case progress.StatusSuccess:
		msg := "✓ Deployment succeeded"
		if total := v.Timing.TotalDurationSeconds; total != nil {
			msg += " in " + formatElapsed(*total)
		}
		return style.SuccessBox.Render(msg)
	case progress.StatusFailed:
		msg := "✗ Deployment failed"
		if v.Error != nil {
			if v.Error.Stage != "" {
				msg += " at " + string(v.Error.Stage)
			}
			if v.Error.Message != "" {
				msg += ": " + v.Error.Message
			}
		}
		return style.ErrorBox.Render(msg)
	case progress.StatusCancelled:
		return style.ErrorBox.Render("Deployment cancelled")
	}
	return ""
}

// logLines describes what changed between two views, for the message log.
func logLines(prev *progress.View, next progress.View) []string {
	var out []string
	ts := next.UpdatedAt.Local().Format("15:04:05")
	add := func(format string, args ...any) {
		out = append(out, style.DimText.Render(ts)+" "+fmt.Sprintf(format, args...))
	}

	if prev == nil || prev.Connection != next.Connection {
		add("push %s", next.Connection)
	}
	for i, st := range next.Stages {
		var before progress.StageView
		if prev != nil && i < len(prev.Stages) {
			before = prev.Stages[i]
		}
		if before.Phase != st.Phase {
			switch st.Phase {
			case progress.PhaseRunning:
				add("%s started", st.Name)
			case progress.PhaseSucceeded:
				add("%s finished in %s", st.Name, formatElapsed(st.ElapsedSeconds))
			case progress.PhaseFailed:
				add("%s failed", st.Name)
			}
		}
		if st.Message != "" && st.Message != before.Message {
			add("%s: %s", st.Name, st.Message)
		}
	}
	if next.Status.Terminal() && (prev == nil || prev.Status != next.Status) {
		add("deployment %s", next.Status)
	}
	return out
}

func formatElapsed(seconds int) string {
	return (time.Duration(seconds) * time.Second).String()
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
