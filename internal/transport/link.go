package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/proto"
	"github.com/matst80/socktls/internal/relay"
)

const linkWriteTimeout = 2 * time.Second

// daemonSession is one policy daemon connected to the link.
type daemonSession struct {
	id   string
	conn net.Conn
	wmu  sync.Mutex
}

// Link is the direct transport: daemons dial the relay, identify themselves
// with a Hello line, then exchange JSON lines with it.
type Link struct {
	ln    net.Listener
	token string

	mu       sync.Mutex
	sessions map[string]*daemonSession // daemon ID -> session
	closing  bool
}

// NewLink serves daemons on ln. A non-empty token must match Hello.Token.
func NewLink(ln net.Listener, token string) *Link {
	return &Link{ln: ln, token: token, sessions: make(map[string]*daemonSession)}
}

var _ relay.Notifier = (*Link)(nil)

// Run accepts daemon connections until ctx is done or the listener fails.
func (l *Link) Run(ctx context.Context, sink Sink) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.daemon.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return fmt.Errorf("link accept: %w", err)
		}
		go l.handleDaemon(c, sink)
	}
}

func (l *Link) handleDaemon(c net.Conn, sink Sink) {
	defer c.Close()
	rd := bufio.NewReader(c)
	line, err := rd.ReadString('\n')
	if err != nil {
		obs.Error("link.hello.read", obs.Fields{"err": err.Error()})
		return
	}
	var hello proto.Hello
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &hello); err != nil {
		obs.Error("link.hello.json", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("hello_json").Inc()
		return
	}
	if l.token != "" && hello.Token != l.token {
		obs.Error("link.hello.token", obs.Fields{"remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("hello_token").Inc()
		_ = writeJSONLine(c, map[string]string{"error": "unauthorized"})
		return
	}
	id := hello.DaemonID
	if id == "" {
		id = uuid.NewString()
	}
	sess := &daemonSession{id: id, conn: c}
	if err := l.register(sess); err != nil {
		obs.ErrorsTotal.WithLabelValues("register_conflict").Inc()
		_ = writeJSONLine(c, map[string]string{"error": err.Error()})
		return
	}
	defer l.unregister(sess)
	sess.wmu.Lock()
	err = writeJSONLine(c, proto.HelloOK{DaemonID: id})
	sess.wmu.Unlock()
	if err != nil {
		obs.Error("link.hello.write", obs.Fields{"err": err.Error(), "daemon": id})
		return
	}
	obs.Info("link.daemon.registered", obs.Fields{"daemon": id, "remote": c.RemoteAddr().String()})

	for {
		line, err := rd.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				obs.Error("link.daemon.read", obs.Fields{"err": err.Error(), "daemon": id})
			}
			return
		}
		line = []byte(strings.TrimSpace(string(line)))
		if len(line) == 0 { // keepalive
			continue
		}
		var r proto.Report
		if err := json.Unmarshal(line, &r); err != nil {
			obs.Error("link.report.json", obs.Fields{"err": err.Error(), "daemon": id})
			obs.ErrorsTotal.WithLabelValues("report_json").Inc()
			continue
		}
		if err := deliver(sink, id, r); err != nil {
			obs.Error("link.report.kind", obs.Fields{"err": err.Error(), "daemon": id})
			obs.ErrorsTotal.WithLabelValues("report_kind").Inc()
		}
	}
}

func (l *Link) register(sess *daemonSession) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return errors.New("link closing")
	}
	if _, exists := l.sessions[sess.id]; exists {
		return fmt.Errorf("daemon already registered: %s", sess.id)
	}
	l.sessions[sess.id] = sess
	obs.ConnectedDaemons.Set(float64(len(l.sessions)))
	return nil
}

func (l *Link) unregister(sess *daemonSession) {
	l.mu.Lock()
	if l.sessions[sess.id] == sess {
		delete(l.sessions, sess.id)
	}
	obs.ConnectedDaemons.Set(float64(len(l.sessions)))
	l.mu.Unlock()
	obs.Info("link.daemon.gone", obs.Fields{"daemon": sess.id})
}

// Notify writes n to the daemon it names.
func (l *Link) Notify(n relay.Notification) error {
	l.mu.Lock()
	sess := l.sessions[n.DaemonID]
	l.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: %q", ErrNoDaemon, n.DaemonID)
	}
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(linkWriteTimeout))
	if err := writeJSONLine(sess.conn, toProto(n)); err != nil {
		return fmt.Errorf("notify %s: %w", sess.id, err)
	}
	return nil
}

// Daemons lists connected daemon IDs.
func (l *Link) Daemons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every daemon and stops accepting new ones.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closing = true
	sessions := make([]*daemonSession, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
