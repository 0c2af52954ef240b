package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/proto"
	"github.com/matst80/socktls/internal/ratelimit"
	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/relay"
	"github.com/matst80/socktls/internal/sockopt"
	"golang.org/x/sys/unix"
)

// maxHookCap bounds the output buffer a hook may ask for on get.
const maxHookCap = 1 << 20

// errNative is the native handler of remote hooks: the relay cannot apply
// an option inside the hooked process, so it tells the hook to do it.
var errNative = errors.New("apply natively")

func nativeSet(level, optname int, value []byte) error     { return errNative }
func nativeGet(level, optname int, out []byte) (int, error) { return 0, errNative }

type server struct {
	eng           *relay.Engine
	tr            daemonTransport
	limiter       *ratelimit.RateLimiter
	defaultDaemon string

	mu      sync.Mutex
	ready   bool
	closing bool
	peers   map[string]int // peer -> open hook connections
}

func newServer(eng *relay.Engine, tr daemonTransport, limiter *ratelimit.RateLimiter, defaultDaemon string) *server {
	return &server{eng: eng, tr: tr, limiter: limiter, defaultDaemon: defaultDaemon, peers: make(map[string]int)}
}

func (s *server) setReady(v bool)   { s.mu.Lock(); s.ready = v; s.mu.Unlock() }
func (s *server) setClosing(v bool) { s.mu.Lock(); s.closing = v; s.mu.Unlock() }
func (s *server) isReady() bool     { s.mu.Lock(); defer s.mu.Unlock(); return s.ready && !s.closing }

func (s *server) activePeers() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.peers))
	for p := range s.peers {
		out[p] = true
	}
	return out
}

func (s *server) trackPeer(peer string, delta int) {
	s.mu.Lock()
	s.peers[peer] += delta
	if s.peers[peer] <= 0 {
		delete(s.peers, peer)
	}
	s.mu.Unlock()
}

func (s *server) acceptHooks(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.hook.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		peer := peerID(c)
		if !s.limiter.AllowConnection(peer) {
			obs.Error("hook.rate_limited", obs.Fields{"peer": peer})
			obs.ErrorsTotal.WithLabelValues("hook_rate_limited").Inc()
			_ = c.Close()
			continue
		}
		go s.handleHookConn(c, peer)
	}
}

// handleHookConn serves one hook connection. Lifecycle ops run in order on
// the read loop; option calls run concurrently so one slow relay does not
// hold up other connections multiplexed on the same hook. Records opened
// through this connection are closed when it goes away.
func (s *server) handleHookConn(c net.Conn, peer string) {
	defer c.Close()
	s.trackPeer(peer, 1)
	defer s.trackPeer(peer, -1)

	// Records opened through this connection. Kept by pointer so a key that
	// another hook closed and reopened is not torn down here.
	owned := make(map[uint64]*registry.Record)
	var wmu sync.Mutex
	var wg sync.WaitGroup
	reply := func(resp proto.HookResponse) {
		wmu.Lock()
		defer wmu.Unlock()
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := writeJSONLine(c, resp); err != nil {
			obs.Error("hook.write", obs.Fields{"err": err.Error(), "peer": peer})
		}
	}
	defer func() {
		wg.Wait()
		for _, rec := range owned {
			s.eng.CloseRecord(rec)
		}
	}()

	rd := bufio.NewReader(c)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				obs.Error("hook.read", obs.Fields{"err": err.Error(), "peer": peer})
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var req proto.HookRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			obs.Error("hook.json", obs.Fields{"err": err.Error(), "peer": peer})
			obs.ErrorsTotal.WithLabelValues("hook_json").Inc()
			continue
		}
		switch req.Op {
		case proto.OpSet, proto.OpGet:
			wg.Add(1)
			go func() {
				defer wg.Done()
				reply(s.handleHook(req))
			}()
		case proto.OpOpen:
			rec, resp := s.open(req)
			if rec != nil {
				owned[req.Key] = rec
			}
			reply(resp)
		default:
			resp := s.handleHook(req)
			if resp.Errno == 0 && req.Op == proto.OpClose {
				delete(owned, req.Key)
			}
			reply(resp)
		}
	}
}

func (s *server) handleHook(req proto.HookRequest) proto.HookResponse {
	resp := proto.HookResponse{Seq: req.Seq}
	key := registry.Key(req.Key)
	switch req.Op {
	case proto.OpOpen:
		_, resp = s.open(req)
	case proto.OpSet:
		err := s.eng.SetOption(key, req.Level, req.Optname, req.Value, nativeSet)
		if errors.Is(err, errNative) {
			resp.Native = true
			break
		}
		resp.Errno = sockopt.Code(err)
	case proto.OpGet:
		if req.Cap < 0 || req.Cap > maxHookCap {
			resp.Errno = sockopt.Code(sockopt.ErrInvalidArgument)
			break
		}
		out := make([]byte, req.Cap)
		n, err := s.eng.GetOption(key, req.Level, req.Optname, out, nativeGet)
		if errors.Is(err, errNative) {
			resp.Native = true
			break
		}
		resp.Errno = sockopt.Code(err)
		if err == nil {
			resp.Value = out[:n]
		}
	case proto.OpConnect:
		if !s.eng.MarkConnected(key) {
			resp.Errno = sockopt.Code(sockopt.ErrBadFileDescriptor)
		}
	case proto.OpClose:
		if !s.eng.Close(key) {
			resp.Errno = sockopt.Code(sockopt.ErrBadFileDescriptor)
		}
	default:
		resp.Errno = sockopt.Code(sockopt.ErrNotSupported)
	}
	return resp
}

// open registers the record for req.Key and returns it, or nil with the
// errno set in the response.
func (s *server) open(req proto.HookRequest) (*registry.Record, proto.HookResponse) {
	resp := proto.HookResponse{Seq: req.Seq}
	daemon := req.DaemonID
	if daemon == "" {
		daemon = s.defaultDaemon
	}
	rec, err := s.eng.Open(registry.Key(req.Key), daemon)
	switch {
	case errors.Is(err, registry.ErrExists):
		resp.Errno = int(unix.EEXIST)
	case errors.Is(err, relay.ErrStopped):
		resp.Errno = int(unix.ESHUTDOWN)
	case err != nil:
		resp.Errno = sockopt.Code(err)
	}
	return rec, resp
}

// peerID names the remote end for rate limiting: the IP for TCP hooks,
// "local" for unix socket hooks.
func peerID(c net.Conn) string {
	addr := c.RemoteAddr()
	if addr == nil || addr.Network() == "unix" {
		return "local"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func runCleanupLoop(ctx context.Context, s *server, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.limiter.CleanupExpiredPeers(s.activePeers())
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
