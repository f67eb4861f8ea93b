package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deploywatch/backend"
	"deploywatch/logger"
	"deploywatch/progress"
)

var (
	apiURL       string
	wsURL        string
	pollInterval time.Duration
	logFile      string

	client *backend.Client
	log    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "deploywatch",
	Short: "Follow deployment progress from the terminal",
	Long: `deploywatch follows a deployment through its commit, build, and deploy stages.

It merges the backend's push events with a periodic snapshot poll, so the progress
shown never goes backwards and a lost event is repaired within one poll interval.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		client = backend.New(apiURL)
		if logFile != "" {
			l, err := logger.Build("development", "debug", logFile)
			if err != nil {
				return err
			}
			log = l
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Sync()
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// pushURL is the push endpoint, derived from the API URL unless set.
func pushURL() string {
	if wsURL != "" {
		return wsURL
	}
	return client.WebSocketURL()
}

func init() {
	defaultURL := os.Getenv("DEPLOYWATCH_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8000"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Deployment API URL")
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws", os.Getenv("DEPLOYWATCH_WS_URL"), "Push endpoint URL (derived from --api when empty)")
	rootCmd.PersistentFlags().DurationVar(&pollInterval, "poll-interval", progress.DefaultPollInterval, "Snapshot poll interval")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write debug logs to this file")
}
