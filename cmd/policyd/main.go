package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/proto"
	"github.com/matst80/socktls/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var cfg = DefaultConfig

var rootCmd = &cobra.Command{
	Use:   "policyd",
	Short: "Reference policy daemon for socktls",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	cfg.BindFlags(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	obs.SetFormat(cfg.LogFormat, os.Stdout)
	obs.EnableDebug(cfg.Debug)

	p := &policy{allow: cfg.Allow}
	if cfg.PeerCertFile != "" {
		b, err := os.ReadFile(cfg.PeerCertFile)
		if err != nil {
			return fmt.Errorf("read peer cert: %w", err)
		}
		p.peerCert = b
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("policyd.start", obs.Fields{"transport": cfg.Transport, "id": cfg.DaemonID, "allow": strings.Join(cfg.Allow, ",")})
	if cfg.Transport == "redis" {
		return runRedis(ctx, p)
	}
	for {
		if err := runOnce(ctx, p); err != nil {
			obs.Error("policyd.link.ended", obs.Fields{"err": err.Error()})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Reconnect):
		}
		obs.Info("policyd.reconnect", obs.Fields{"addr": cfg.LinkAddr})
	}
}

func dialLink(addr string) (net.Conn, error) {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") {
		return net.Dial("unix", addr)
	}
	return net.Dial("tcp", addr)
}

// runOnce holds one daemon link session until it fails or ctx is done.
func runOnce(ctx context.Context, p *policy) error {
	c, err := dialLink(cfg.LinkAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if err := writeJSONLine(c, proto.Hello{Token: cfg.Token, DaemonID: cfg.DaemonID}); err != nil {
		return err
	}
	rd := bufio.NewReader(c)
	line, err := rd.ReadString('\n')
	if err != nil {
		return err
	}
	var ok proto.HelloOK
	if err := json.Unmarshal([]byte(line), &ok); err != nil || ok.DaemonID == "" {
		return fmt.Errorf("hello rejected: %s", strings.TrimSpace(line))
	}
	obs.Info("policyd.registered", obs.Fields{"id": ok.DaemonID})
	return serve(rd, c, p)
}

// serve answers notifications read from r on w until r fails.
func serve(r *bufio.Reader, w io.Writer, p *policy) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var n proto.Notification
		if err := json.Unmarshal([]byte(line), &n); err != nil {
			obs.Error("policyd.json", obs.Fields{"err": err.Error()})
			continue
		}
		rep := p.decide(n)
		obs.Debug("policyd.decide", obs.Fields{"key": n.Key, "kind": n.Kind, "optname": n.Optname, "status": rep.Status})
		if err := writeJSONLine(w, rep); err != nil {
			return err
		}
	}
}

// runRedis answers notifications published on the daemon's channel,
// replying on the channel each notification names.
func runRedis(ctx context.Context, p *policy) error {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer client.Close()
	sub := client.Subscribe(ctx, transport.DaemonChannel(cfg.DaemonID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	obs.Info("policyd.subscribed", obs.Fields{"channel": transport.DaemonChannel(cfg.DaemonID)})
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n proto.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil || n.ReplyTo == "" {
				obs.Error("policyd.redis.notification", obs.Fields{"payload": msg.Payload})
				continue
			}
			rep := p.decide(n)
			rep.DaemonID = cfg.DaemonID
			b, err := json.Marshal(rep)
			if err != nil {
				continue
			}
			if err := client.Publish(ctx, n.ReplyTo, b).Err(); err != nil {
				obs.Error("policyd.redis.publish", obs.Fields{"err": err.Error()})
			}
		}
	}
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
