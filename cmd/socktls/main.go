package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/ratelimit"
	"github.com/matst80/socktls/internal/relay"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

var (
	cfg     = DefaultConfig
	Version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "socktls",
	Short: "TLS socket option relay",
	Long:  `socktls relays intercepted TLS socket options to a policy daemon and answers the hooked call once the daemon decides.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		obs.SetFormat(cfg.LogFormat, os.Stdout)
		obs.EnableDebug(cfg.Debug)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: hook listener, daemon transport and metrics",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	cfg.BindFlags(rootCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	obs.Info("server.start", obs.Fields{"hooks": cfg.HookAddr, "transport": cfg.Transport, "metrics": cfg.MetricsAddr, "timeout": cfg.ResponseTimeout.String()})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := newTransport(&cfg)
	rtx.Must(err, "Could not set up daemon transport")
	eng := relay.New(relay.Config{Timeout: cfg.ResponseTimeout, MaxPayload: cfg.MaxPayload}, tr)

	hookLn, err := listen(cfg.HookAddr)
	rtx.Must(err, "Could not listen for hooks on %s", cfg.HookAddr)
	if cfg.MaxHookConns > 0 {
		hookLn = netutil.LimitListener(hookLn, cfg.MaxHookConns)
	}

	limiter := ratelimit.NewRateLimiter(0, cfg.HookConnRate, cfg.HookConnBurst)
	srv := newServer(eng, tr, limiter, cfg.DefaultDaemon)

	if cfg.MetricsAddr != "" {
		ms := startMetricsServer(cfg.MetricsAddr, srv)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(gctx, eng) })
	g.Go(func() error { return srv.acceptHooks(gctx, hookLn) })
	g.Go(func() error { runCleanupLoop(gctx, srv, cfg.CleanupInterval); return nil })

	srv.setReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-gctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	srv.setClosing(true)
	_ = hookLn.Close()
	// Records go before the transport so no late report lands in a live slot.
	if err := eng.Stop(); err != nil {
		obs.Error("server.shutdown.transport", obs.Fields{"err": err.Error()})
	}
	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}
