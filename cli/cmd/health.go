package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"deploywatch/cli/style"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check that the deployment API is reachable",
	Aliases: []string{"doctor", "h"},
	RunE:    runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	status, err := client.Health(cmd.Context())
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach deployment API at " + apiURL))
		return err
	}

	fmt.Println(style.Banner.Render("⚡ DEPLOYWATCH HEALTH"))
	fmt.Printf("  %s  %-14s %s\n", style.ServiceDot("up"), style.Bold.Render("API"), style.Healthy.Render(status))
	fmt.Printf("  %s  %-14s %s\n", style.DotDim, style.Bold.Render("Push"), style.DimText.Render(pushURL()))
	fmt.Println()
	return nil
}
