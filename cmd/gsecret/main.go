package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/benaskins/gsecret/internal/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	useMemory  bool
	logLevel   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:               "gsecret",
	Short:             "Client for the freedesktop Secret Service",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "use an in-memory vault instead of the session bus")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	level, err := loaded.Level()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	cfg = loaded
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
