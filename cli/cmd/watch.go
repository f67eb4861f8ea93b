package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"deploywatch/backend"
	"deploywatch/cli/style"
	"deploywatch/progress"
)

var watchCmd = &cobra.Command{
	Use:     "watch <deployment-id>",
	Short:   "Follow a deployment live until it finishes",
	Aliases: []string{"w"},
	Args:    cobra.ExactArgs(1),
	RunE:    runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	id := args[0]
	if pollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be positive, got %s", pollInterval)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := progress.NewTracker(id, client,
		progress.WithLogger(log.Named("tracker")),
		progress.WithPollInterval(pollInterval),
	)
	stream := backend.NewStream(pushURL(), backend.WithStreamLogger(log.Named("push")))
	defer stream.Close()

	subID, err := stream.Subscribe(id, "", tracker)
	if err != nil {
		log.Warn("push unavailable, polling only", zap.Error(err))
	} else {
		defer stream.Unsubscribe(subID)
	}

	g, ctx := errgroup.WithContext(ctx)
	p := tea.NewProgram(newWatchModel(id, tracker.Views(), tracker.Done()), tea.WithContext(ctx))

	g.Go(func() error {
		return tracker.Run(ctx)
	})

	var final tea.Model
	g.Go(func() error {
		// The tracker goes down with the program.
		defer stop()
		m, err := p.Run()
		final = m
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if wm, ok := final.(watchModel); ok && wm.view != nil && wm.view.Status == progress.StatusFailed {
		return fmt.Errorf("deployment %s failed", id)
	}
	return nil
}

// --- Messages ---

type viewMsg progress.View
type trackerStopped struct{}

// --- Model ---

type watchModel struct {
	id      string
	views   <-chan progress.View
	done    <-chan struct{}
	spinner spinner.Model
	stage   bar.Model
	overall bar.Model
	log     viewport.Model
	lines   []string
	view    *progress.View
}

func newWatchModel(id string, views <-chan progress.View, done <-chan struct{}) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)

	return watchModel{
		id:      id,
		views:   views,
		done:    done,
		spinner: s,
		stage:   newBar(barWidth),
		overall: newBar(barWidth + 12),
		log:     viewport.New(72, 6),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForView(m.views, m.done))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.log.Width = max(msg.Width-4, 20)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case viewMsg:
		v := progress.View(msg)
		if lines := logLines(m.view, v); len(lines) > 0 {
			m.lines = append(m.lines, lines...)
			m.log.SetContent(strings.Join(m.lines, "\n"))
			m.log.GotoBottom()
		}
		m.view = &v
		if v.Terminal() {
			return m, tea.Quit
		}
		return m, waitForView(m.views, m.done)

	case trackerStopped:
		return m, tea.Quit
	}

	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(style.Banner.Render("⚡ DEPLOYWATCH"))
	b.WriteString("\n")
	b.WriteString(style.Key.Render("Deployment"))
	b.WriteString(style.Bold.Render(m.id))
	b.WriteString("\n\n")

	if m.view == nil {
		b.WriteString(m.spinner.View() + style.DimText.Render(" Loading deployment..."))
		b.WriteString("\n")
		return b.String()
	}
	v := *m.view

	b.WriteString(renderStages(v, m.stage, m.spinner.View()))
	b.WriteString("\n")
	b.WriteString(renderOverall(v, m.overall))
	b.WriteString("\n")
	b.WriteString(renderStatusLine(v))
	b.WriteString("\n")

	if len(m.lines) > 0 {
		b.WriteString(style.LogBox.Render(m.log.View()))
		b.WriteString("\n")
	}
	if out := renderOutcome(v); out != "" {
		b.WriteString(out)
		b.WriteString("\n")
	}
	return b.String()
}

// --- Commands ---

// waitForView reads the next view from the tracker.
func waitForView(views <-chan progress.View, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case v := <-views:
			return viewMsg(v)
		case <-done:
			return trackerStopped{}
		}
	}
}
