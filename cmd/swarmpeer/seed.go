package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/prxssh/swarmpeer/internal/blockstore"
	"github.com/prxssh/swarmpeer/internal/config"
	"github.com/prxssh/swarmpeer/internal/engine"
	"github.com/prxssh/swarmpeer/internal/filedesc"
)

func newSeedCmd() *cobra.Command {
	var (
		filePath       string
		trackerURL     string
		dataDir        string
		listenAddr     string
		metricsAddr    string
		blockSize      int64
		descriptorPath string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Serve a local file to a swarm without downloading anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(filePath)
			if err != nil {
				return fmt.Errorf("read %s: %w", filePath, err)
			}

			desc, err := filedesc.New(fileBaseName(filePath), content, blockSize)
			if err != nil {
				return fmt.Errorf("build descriptor: %w", err)
			}
			if err := desc.Save(descriptorPath); err != nil {
				return fmt.Errorf("save descriptor: %w", err)
			}
			slog.Info("wrote descriptor", "path", descriptorPath, "blocks", desc.BlockCount)

			if err := seedAllBlocks(desc, dataDir, content); err != nil {
				return fmt.Errorf("seed blocks: %w", err)
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

			return eng.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&filePath, "file", "", "path to the file to seed")
	cmd.Flags().StringVar(&trackerURL, "tracker", "", "tracker announce URL")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./swarmpeer-blocks", "directory for per-block state")
	cmd.Flags().StringVar(&listenAddr, "listen", ":0", "address to accept peer connections on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on (empty disables)")
	cmd.Flags().Int64Var(&blockSize, "block-size", 16*1024, "block size in bytes")
	cmd.Flags().StringVar(&descriptorPath, "descriptor-out", "./swarmpeer.descriptor", "where to write the generated descriptor")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("tracker")

	return cmd
}

// seedAllBlocks pre-populates a block store with every block of content so
// the seed command starts already complete (spec's domain-expansion
// seed-only mode).
func seedAllBlocks(desc *filedesc.Descriptor, dataDir string, content []byte) error {
	store, err := blockstore.Open(desc, dataDir, slog.Default())
	if err != nil {
		return err
	}

	var offset int64
	for id := 0; id < desc.BlockCount; id++ {
		length := desc.BlockLength(id)
		if store.Has(id) {
			offset += length
			continue
		}
		chunk := content[offset : offset+length]
		if outcome := store.Insert(id, chunk); outcome != blockstore.InsertOk {
			return fmt.Errorf("seed block %d: %s", id, outcome)
		}
		offset += length
	}
	return nil
}

func fileBaseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
