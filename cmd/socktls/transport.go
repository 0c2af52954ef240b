package main

import (
	"context"
	"fmt"

	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/relay"
	"github.com/matst80/socktls/internal/transport"
)

// daemonTransport is what the relay needs from a daemon transport.
type daemonTransport interface {
	relay.Notifier
	Run(ctx context.Context, sink transport.Sink) error
	Daemons() []string
	Close() error
}

var (
	_ daemonTransport = (*transport.Link)(nil)
	_ daemonTransport = (*transport.Redis)(nil)
)

// newTransport creates the daemon transport selected by configuration.
func newTransport(cfg *Config) (daemonTransport, error) {
	switch cfg.Transport {
	case "redis":
		obs.Info("transport.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
		return transport.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "link", "":
		ln, err := listen(cfg.DaemonAddr)
		if err != nil {
			return nil, fmt.Errorf("listen daemon link: %w", err)
		}
		obs.Info("transport.backend", obs.Fields{"type": "link", "addr": cfg.DaemonAddr})
		return transport.NewLink(ln, cfg.Token), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
