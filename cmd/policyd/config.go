package main

import (
	"time"

	"github.com/spf13/cobra"
)

// Config holds policy daemon runtime configuration.
type Config struct {
	Transport     string
	LinkAddr      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Token         string
	DaemonID      string
	Allow         []string
	PeerCertFile  string
	Reconnect     time.Duration
	Debug         bool
	LogFormat     string
}

var DefaultConfig = Config{
	Transport: "link",
	LinkAddr:  "/run/socktls/daemon.sock",
	RedisAddr: "127.0.0.1:6379",
	DaemonID:  "default",
	Reconnect: 2 * time.Second,
	LogFormat: "json",
}

func (c *Config) BindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&c.Transport, "transport", c.Transport, "relay transport: link or redis")
	f.StringVar(&c.LinkAddr, "link", c.LinkAddr, "relay daemon link address (unix socket path or host:port)")
	f.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address for --transport=redis")
	f.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "redis password")
	f.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")
	f.StringVar(&c.Token, "token", c.Token, "shared secret token")
	f.StringVar(&c.DaemonID, "id", c.DaemonID, "daemon ID (empty lets the relay assign one)")
	f.StringSliceVar(&c.Allow, "allow", c.Allow, "hostnames connections may target; *.example.com matches subdomains (empty allows all)")
	f.StringVar(&c.PeerCertFile, "peer-cert", c.PeerCertFile, "file returned for peer certificate queries")
	f.DurationVar(&c.Reconnect, "reconnect", c.Reconnect, "delay before reconnecting to the relay")
	f.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or text")
}
