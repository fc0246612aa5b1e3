package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prxssh/swarmpeer/internal/config"
	"github.com/prxssh/swarmpeer/internal/engine"
	"github.com/prxssh/swarmpeer/internal/filedesc"
)

func newRunCmd() *cobra.Command {
	var (
		descriptorPath string
		trackerURL     string
		dataDir        string
		outputPath     string
		listenAddr     string
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a swarm and download a file described by a descriptor file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := filedesc.Load(descriptorPath)
			if err != nil {
				return fmt.Errorf("load descriptor: %w", err)
			}

			cfg := config.Default()
			cfg.ListenAddr = listenAddr
			cfg.MetricsAddr = metricsAddr
			if err := cfg.Validate(); err != nil {
				return err
			}
			config.Swap(cfg)

			eng, err := engine.New(cfg, desc, dataDir, trackerURL, slog.Default())
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go assembleOnCompletion(eng, outputPath)

			return eng.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&descriptorPath, "descriptor", "", "path to the file descriptor (bencoded)")
	cmd.Flags().StringVar(&trackerURL, "tracker", "", "tracker announce URL")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./swarmpeer-blocks", "directory for per-block state")
	cmd.Flags().StringVar(&outputPath, "output", "./swarmpeer-output", "path to assemble the completed file to")
	cmd.Flags().StringVar(&listenAddr, "listen", ":0", "address to accept peer connections on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on (empty disables)")
	cmd.MarkFlagRequired("descriptor")
	cmd.MarkFlagRequired("tracker")

	return cmd
}

func assembleOnCompletion(eng *engine.Engine, outputPath string) {
	<-eng.Done()
	if err := eng.Assemble(outputPath); err != nil {
		slog.Error("assemble failed", "error", err)
		return
	}
	slog.Info("download complete, assembled file", "path", outputPath)
}
