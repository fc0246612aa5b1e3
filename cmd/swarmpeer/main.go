package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/prxssh/swarmpeer/internal/logging"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:   "swarmpeer",
		Short: "A rarest-first, tit-for-tat file-swarming peer.",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setupLogger(logLevel)
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	opts := logging.DefaultOptions()
	switch level {
	case "debug":
		opts.SlogOpts.Level = slog.LevelDebug
	case "warn":
		opts.SlogOpts.Level = slog.LevelWarn
	case "error":
		opts.SlogOpts.Level = slog.LevelError
	default:
		opts.SlogOpts.Level = slog.LevelInfo
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
