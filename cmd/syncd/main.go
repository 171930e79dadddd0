package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/syncd/pkg/api"
	"github.com/cuemby/syncd/pkg/config"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/node"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd - replicated locks, a partitioned queue, and a coherent cache",
	Long: `syncd is a single-binary coordination core offering three
primitives over a fixed cluster membership: a Raft-backed distributed
lock manager with deadlock detection, a consistent-hash partitioned
durable message queue, and a MESI-like coherent key/value cache. A
PBFT engine is available for callers that need Byzantine agreement on
an opaque request log.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("syncd version %s\nCommit: %s\n", Version, Commit))
	config.RegisterFlags(rootCmd.Flags())
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromFlags(cmd)
	if err != nil {
		return err
	}

	logLevel := log.InfoLevel
	switch cfg.LogLevel {
	case "debug":
		logLevel = log.DebugLevel
	case "warn":
		logLevel = log.WarnLevel
	case "error":
		logLevel = log.ErrorLevel
	}
	log.Init(log.Config{Level: logLevel, JSONOutput: cfg.LogJSON, Output: os.Stdout})

	n, err := node.New(cfg)
	if err != nil {
		return fmt.Errorf("building node: %w", err)
	}

	srv := api.NewServer(n, cfg.BindAddr, cfg.RaftTimer.RPCTimeout)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		_ = n.Close()
		return fmt.Errorf("api server: %w", err)
	case sig := <-sigCh:
		log.Info("received signal " + sig.String() + ", shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Warn("api server shutdown: " + err.Error())
	}
	if err := n.Close(); err != nil {
		log.Warn("node close: " + err.Error())
	}
	return nil
}
