package main

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/matst80/socktls/internal/relay"
	"github.com/spf13/cobra"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	HookAddr        string
	DaemonAddr      string
	Transport       string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	Token           string
	DefaultDaemon   string
	ResponseTimeout time.Duration
	MaxPayload      int
	MaxHookConns    int
	HookConnRate    int
	HookConnBurst   int
	CleanupInterval time.Duration
	MetricsAddr     string
	Debug           bool
	LogFormat       string
}

var DefaultConfig = Config{
	HookAddr:        "/run/socktls/hooks.sock",
	DaemonAddr:      "/run/socktls/daemon.sock",
	Transport:       "link",
	RedisAddr:       "127.0.0.1:6379",
	DefaultDaemon:   "default",
	ResponseTimeout: relay.DefaultTimeout,
	MaxPayload:      relay.DefaultMaxPayload,
	MaxHookConns:    1024,
	HookConnBurst:   32,
	CleanupInterval: time.Minute,
	MetricsAddr:     ":9110",
	LogFormat:       "json",
}

func (c *Config) BindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()

	// Listeners
	f.StringVar(&c.HookAddr, "hooks", c.HookAddr, "address for interception hooks (unix socket path or host:port)")
	f.StringVar(&c.DaemonAddr, "daemon-listen", c.DaemonAddr, "address policy daemons dial when --transport=link")
	f.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "metrics and health listen address (empty disables)")

	// Daemon transport
	f.StringVar(&c.Transport, "transport", c.Transport, "daemon transport: link or redis")
	f.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for --transport=redis")
	f.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	f.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")
	f.StringVar(&c.Token, "token", c.Token, "shared secret daemons must present on the link")
	f.StringVar(&c.DefaultDaemon, "default-daemon", c.DefaultDaemon, "daemon owning connections opened without one")

	// Relay
	f.DurationVar(&c.ResponseTimeout, "response-timeout", c.ResponseTimeout, "time to wait for a daemon answer")
	f.IntVar(&c.MaxPayload, "max-payload", c.MaxPayload, "largest daemon payload accepted, in bytes")

	// Hook admission
	f.IntVar(&c.MaxHookConns, "max-hook-conns", c.MaxHookConns, "concurrent hook connections (0 = unlimited)")
	f.IntVar(&c.HookConnRate, "hook-conn-rate", c.HookConnRate, "new hook connections per second per peer (0 = unlimited)")
	f.IntVar(&c.HookConnBurst, "hook-conn-burst", c.HookConnBurst, "burst for --hook-conn-rate")
	f.DurationVar(&c.CleanupInterval, "cleanup-interval", c.CleanupInterval, "interval for dropping idle peer rate buckets")

	// Logging
	f.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or text")
}

// listen opens a unix socket for paths and TCP otherwise. A stale socket
// file from a previous run is removed first.
func listen(addr string) (net.Listener, error) {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") {
		_ = os.Remove(addr)
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}
