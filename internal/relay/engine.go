// Package relay lets intercepted setsockopt/getsockopt calls be decided by an
// out-of-process policy daemon while the caller sees an ordinary blocking call.
//
// A relayed call arms the record's slot, hands a Notification to the
// Notifier and waits up to Config.Timeout for the transport to report back
// through ReportStatus or ReportPayload. A missing answer becomes ENOBUFS.
package relay

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/matst80/socktls/internal/obs"
	"github.com/matst80/socktls/internal/registry"
)

const (
	DefaultTimeout    = 2 * time.Second
	DefaultMaxPayload = 64 * 1024
)

// ErrStopped is returned by Open once the engine has been stopped.
var ErrStopped = errors.New("relay: engine stopped")

// Kind tells the daemon whether a notification is a set or a get.
type Kind string

const (
	KindSet Kind = "set"
	KindGet Kind = "get"
)

// Notification is one relayed option call.
type Notification struct {
	Kind     Kind
	Key      registry.Key
	Token    uint64
	Level    int
	Optname  int
	Value    []byte // set only
	DaemonID string
}

// Notifier delivers notifications to the daemon named in them. It must not
// block waiting for the answer.
type Notifier interface {
	Notify(n Notification) error
}

// SetFunc is a connection's native setsockopt handler.
type SetFunc func(level, optname int, value []byte) error

// GetFunc is a connection's native getsockopt handler. It returns the
// number of bytes written to out.
type GetFunc func(level, optname int, out []byte) (int, error)

type Config struct {
	// Timeout bounds the wait for a daemon answer.
	Timeout time.Duration
	// MaxPayload is the largest payload accepted from the daemon. Larger
	// answers complete the call with ENOMEM.
	MaxPayload int
}

type Engine struct {
	cfg      Config
	notifier Notifier
	records  *registry.Registry

	mu      sync.Mutex
	stopped bool
	stats   Stats
}

// Stats counts relayed traffic since start.
type Stats struct {
	Relays   int64 `json:"relays"`
	Timeouts int64 `json:"timeouts"`
	Stale    int64 `json:"stale_reports"`
}

func New(cfg Config, n Notifier) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	return &Engine{cfg: cfg, notifier: n, records: registry.New()}
}

// Open registers a record for key, owned by daemonID. It must be called
// before any option call on the connection.
func (e *Engine) Open(key registry.Key, daemonID string) (*registry.Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrStopped
	}
	// Inserted under e.mu so Stop cannot drain between the check and the insert.
	rec := registry.NewRecord(key, daemonID)
	if err := e.records.Insert(rec); err != nil {
		return nil, err
	}
	obs.Debug("relay.record.open", obs.Fields{"key": uint64(key), "daemon": daemonID})
	return rec, nil
}

// MarkConnected records that the connection is established. It reports
// whether key was registered.
func (e *Engine) MarkConnected(key registry.Key) bool {
	rec := e.records.Lookup(key)
	if rec == nil {
		return false
	}
	rec.MarkConnected()
	return true
}

// Close removes the record for key. A call still waiting on it returns EBADF.
func (e *Engine) Close(key registry.Key) bool {
	if e.records.Remove(key) == nil {
		return false
	}
	obs.Debug("relay.record.close", obs.Fields{"key": uint64(key)})
	return true
}

// CloseRecord removes rec if it is still the record registered under its
// key. A record opened again under the same key by someone else survives.
func (e *Engine) CloseRecord(rec *registry.Record) bool {
	if !e.records.RemoveRecord(rec) {
		return false
	}
	obs.Debug("relay.record.close", obs.Fields{"key": uint64(rec.Key)})
	return true
}

// Records returns the number of live records.
func (e *Engine) Records() int { return e.records.Len() }

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Stop drains every record, then closes the notifier if it is an io.Closer.
// Reports arriving afterwards find no record and are dropped.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()
	n := e.records.Drain()
	obs.Info("relay.stop", obs.Fields{"drained": n})
	if c, ok := e.notifier.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (e *Engine) count(f func(*Stats)) {
	e.mu.Lock()
	f(&e.stats)
	e.mu.Unlock()
}
