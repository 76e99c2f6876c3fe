package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/followalong/internal/config"
)

var version = "0.1.0-dev"

var (
	configPath string
	backendURL string
)

var rootCmd = &cobra.Command{
	Use:           "followalong",
	Short:         "Record audio and follow its live transcript",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Recognition backend URL (overrides config)")
	rootCmd.AddCommand(versionCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads .env, the config file and flag overrides, and builds the
// logger. Logs go to stderr so stdout carries only the transcript.
func loadConfig() (config.Config, *slog.Logger, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if backendURL != "" {
		cfg.Backend.URL = backendURL
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	return cfg, logger, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
