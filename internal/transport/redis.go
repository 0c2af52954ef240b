package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/proto"
	"github.com/matst80/socktls/internal/relay"
	"github.com/redis/go-redis/v9"
)

const (
	daemonChannelPrefix = "socktls:daemon:"
	relayChannelPrefix  = "socktls:relay:"
	redisOpTimeout      = time.Second
)

// Redis is the broker transport: notifications are published on the
// daemon's channel and reports come back on this relay instance's channel.
// Daemons never connect to the relay directly, so several relays can share
// one daemon pool.
type Redis struct {
	client     *redis.Client
	instanceID string
}

func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &Redis{client: rdb, instanceID: uuid.NewString()}, nil
}

var _ relay.Notifier = (*Redis)(nil)

// DaemonChannel is where a daemon subscribes for its notifications.
func DaemonChannel(daemonID string) string { return daemonChannelPrefix + daemonID }

func (r *Redis) replyChannel() string { return relayChannelPrefix + r.instanceID }

// Notify publishes n. A channel nobody listens on means the daemon is down.
func (r *Redis) Notify(n relay.Notification) error {
	msg := toProto(n)
	msg.ReplyTo = r.replyChannel()
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	receivers, err := r.client.Publish(ctx, DaemonChannel(n.DaemonID), b).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: %q", ErrNoDaemon, n.DaemonID)
	}
	return nil
}

// Run consumes reports addressed to this relay until ctx is done.
func (r *Redis) Run(ctx context.Context, sink Sink) error {
	sub := r.client.Subscribe(ctx, r.replyChannel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	obs.Info("redis.subscribed", obs.Fields{"channel": r.replyChannel()})
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var rep proto.Report
			if err := json.Unmarshal([]byte(msg.Payload), &rep); err != nil {
				obs.Error("redis.report.json", obs.Fields{"err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("report_json").Inc()
				continue
			}
			if err := deliver(sink, rep.DaemonID, rep); err != nil {
				obs.Error("redis.report.kind", obs.Fields{"err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("report_kind").Inc()
			}
		}
	}
}

// Daemons lists daemon IDs that currently have a subscriber.
func (r *Redis) Daemons() []string {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	chans, err := r.client.PubSubChannels(ctx, daemonChannelPrefix+"*").Result()
	if err != nil {
		obs.Error("redis.daemons", obs.Fields{"err": err.Error()})
		return nil
	}
	ids := make([]string, 0, len(chans))
	for _, c := range chans {
		ids = append(ids, strings.TrimPrefix(c, daemonChannelPrefix))
	}
	return ids
}

func (r *Redis) Close() error { return r.client.Close() }
