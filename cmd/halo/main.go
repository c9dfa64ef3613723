package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/halo-p2p/halo/internal/config"
	"github.com/halo-p2p/halo/internal/node"
)

var (
	listenAddr        string
	apiAddr           string
	bootstrap         []string
	logLevel          string
	logFormat         string
	successors        int
	stabilizeInterval time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "halo",
		Short: "A structured peer-to-peer ring overlay node",
		Long: `Halo runs one node of a ring overlay network. Without bootstrap
peers it creates a new ring; with them it joins an existing one. Peers
exchange messages over QUIC and expose a local JSON-RPC and WebSocket API.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node, creating or joining a ring",
		RunE:  runNode,
	}

	runCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:7946", "Address the peer transport listens on")
	runCmd.Flags().StringVar(&apiAddr, "api", "127.0.0.1:7980", "HTTP API address, empty to disable")
	runCmd.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "Bootstrap peer addresses to join through")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	runCmd.Flags().StringVar(&logFormat, "log-format", "console", "Log format (json, console)")
	runCmd.Flags().IntVar(&successors, "successors", 3, "Successor list size")
	runCmd.Flags().DurationVar(&stabilizeInterval, "stabilize-interval", time.Second, "Interval between stabilization rounds")

	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	cfg.ListenAddr = listenAddr
	cfg.APIAddr = apiAddr
	cfg.Bootstrap = bootstrap
	cfg.LogLevel = logLevel
	cfg.LogFormat = logFormat
	cfg.SuccessorListSize = successors
	cfg.StabilizeInterval = stabilizeInterval

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	n, err := node.NewBuilder(cfg).Build()
	if err != nil {
		return fmt.Errorf("building node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = n.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)

	n.Stop()
	return nil
}
