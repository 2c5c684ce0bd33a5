package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nvoss/attachsync/internal/client"
	"github.com/nvoss/attachsync/internal/config"
	"github.com/nvoss/attachsync/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "attachsync",
	Short: "Attachment archive transfer queues",
	Long: `Attachsync maintains durable upload and download queues between a
local attachment store and the remote archive tiers, with
environment-aware scheduling and automatic retry.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initApp()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			_ = app.Close()
		}
	},
}

var (
	configPath string
	logLevel   string
	jsonOutput bool

	cfg    *config.Config
	logger *events.Logger
	app    *client.Client
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file path (default: $ATTACHSYNC_CONFIG or .attachsync/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Machine-readable JSON output")
}

func initApp() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	app, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		printError("encode output: %v", err)
		return
	}
	fmt.Println(string(data))
}

func printSuccess(format string, args ...interface{}) {
	color.Green(format, args...)
}

func printWarning(format string, args ...interface{}) {
	color.Yellow(format, args...)
}

func printError(format string, args ...interface{}) {
	color.Red(format, args...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("Error: %v", err)
		os.Exit(1)
	}
}
