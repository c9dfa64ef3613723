package config

import (
	"fmt"
	"time"

	"github.com/halo-p2p/halo/pkg/ring"
)

// Config holds all configuration for a halo node
type Config struct {
	// Transport
	ListenAddr string // address the connection broker listens on (host:port)
	Bootstrap  []string

	// HTTP API
	APIAddr string // empty disables the API server

	// Ring maintenance
	SuccessorListSize  int           // successor redundancy, r
	StabilizeInterval  time.Duration // how often to run stabilization
	FixFingersInterval time.Duration // how often to refresh one finger entry
	RPCTimeout         time.Duration // deadline for every outbound RPC
	JoinRetries        int           // attempts to reach the bootstrap peer
	MaxHops            int           // lookup hop budget, bounded by ring.M
	ForwardTTL         int           // TTL for ring-routed application messages

	// Reconnect policy
	ReconnectBase     time.Duration // backoff base
	ReconnectMax      time.Duration // backoff cap
	ReconnectAttempts int           // attempts before the peer is marked unreachable

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         "127.0.0.1:7946",
		APIAddr:            "127.0.0.1:7980",
		SuccessorListSize:  3,
		StabilizeInterval:  1 * time.Second,
		FixFingersInterval: 3 * time.Second,
		RPCTimeout:         5 * time.Second,
		JoinRetries:        3,
		MaxHops:            ring.M,
		ForwardTTL:         32,
		ReconnectBase:      500 * time.Millisecond,
		ReconnectMax:       30 * time.Second,
		ReconnectAttempts:  5,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.SuccessorListSize < 1 || c.SuccessorListSize > 16 {
		return fmt.Errorf("successor list size must be between 1 and 16, got %d", c.SuccessorListSize)
	}
	if c.StabilizeInterval <= 0 {
		return fmt.Errorf("stabilize interval must be positive")
	}
	if c.FixFingersInterval <= 0 {
		return fmt.Errorf("fix fingers interval must be positive")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive")
	}
	if c.MaxHops <= 0 || c.MaxHops > ring.M {
		return fmt.Errorf("max hops must be between 1 and %d, got %d", ring.M, c.MaxHops)
	}
	if c.ForwardTTL <= 0 {
		return fmt.Errorf("forward ttl must be positive")
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect attempts must be at least 1")
	}
	return nil
}
