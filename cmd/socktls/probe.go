//go:build linux

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/relay"
	"github.com/matst80/socktls/internal/socket"
	"github.com/matst80/socktls/internal/sockopt"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var probeWait time.Duration

var probeCmd = &cobra.Command{
	Use:   "probe host:port",
	Short: "Open one intercepted connection and print what the daemon decided",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().DurationVar(&probeWait, "wait", 10*time.Second, "how long to wait for the daemon to attach")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	host, port, err := net.SplitHostPort(args[0])
	if err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}

	tr, err := newTransport(&cfg)
	if err != nil {
		return err
	}
	eng := relay.New(relay.Config{Timeout: cfg.ResponseTimeout, MaxPayload: cfg.MaxPayload}, tr)
	defer eng.Stop()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Run(gctx, eng) })
	defer func() { cancel(); _ = g.Wait() }()

	if err := waitForDaemon(gctx, tr, cfg.DefaultDaemon, probeWait); err != nil {
		return err
	}

	s, err := socket.Open(eng, unix.AF_INET, cfg.DefaultDaemon)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	if err := s.SetHostname(host); err != nil {
		return fmt.Errorf("hostname %q: %w", host, err)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To4())
	if err := s.Connect(sa); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	id := make([]byte, relay.IDLen)
	if _, err := s.GetOption(sockopt.LevelTLS, sockopt.ID, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "id:        %s\n", hex.EncodeToString(id))

	name := make([]byte, 256)
	n, err := s.GetOption(sockopt.LevelTLS, sockopt.Hostname, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "hostname:  %s\n", strings.TrimRight(string(name[:n]), "\x00"))

	cert := make([]byte, cfg.MaxPayload)
	n, err = s.GetOption(sockopt.LevelTLS, sockopt.PeerCertificate, cert)
	if err != nil {
		fmt.Fprintf(out, "peer cert: error %v\n", err)
		return nil
	}
	fmt.Fprintf(out, "peer cert: %d bytes\n", n)
	return nil
}

// waitForDaemon polls the transport until id is attached.
func waitForDaemon(ctx context.Context, tr daemonTransport, id string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		if slices.Contains(tr.Daemons(), id) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon %q did not attach within %s", id, wait)
		}
		obs.Debug("probe.wait", obs.Fields{"daemon": id})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
