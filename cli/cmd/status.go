package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"deploywatch/cli/style"
	"deploywatch/progress"
)

var statusCmd = &cobra.Command{
	Use:     "status <deployment-id>",
	Short:   "Show the current progress of a deployment",
	Aliases: []string{"s"},
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]
	snap, err := client.FetchSnapshot(cmd.Context(), id)
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot fetch deployment " + id + " from " + apiURL))
		return fmt.Errorf("failed to fetch deployment: %w", err)
	}

	now := time.Now()
	d := progress.FromSnapshot(id, *snap, now)
	printStatus(os.Stdout, progress.NewView(d, progress.ConnectionDisconnected, progress.PollIdle, now))
	return nil
}

func printStatus(w io.Writer, v progress.View) {
	var b strings.Builder

	b.WriteString(style.Banner.Render("⚡ DEPLOYWATCH"))
	b.WriteString("\n")

	kvLine := func(k, v string) {
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}
	kvLine("Deployment", v.ID)
	kvLine("Status", string(v.Status))
	if v.Timing.StartedAt != nil {
		kvLine("Started", v.Timing.StartedAt.Local().Format(time.DateTime))
	}
	b.WriteString("\n")

	b.WriteString(renderStages(v, newBar(barWidth), ""))
	b.WriteString("\n")
	b.WriteString(renderOverall(v, newBar(barWidth+12)))
	b.WriteString("\n")
	if out := renderOutcome(v); out != "" {
		b.WriteString(out)
		b.WriteString("\n")
	}

	fmt.Fprint(w, b.String())
}
