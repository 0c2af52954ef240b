package registry

import (
	"sync"

	"github.com/matst80/socktls/internal/hostname"
	"github.com/matst80/socktls/internal/slot"
	"github.com/matst80/socktls/internal/sockopt"
	"golang.org/x/sys/unix"
)

// Key identifies one intercepted connection for its lifetime.
type Key uint64

// Record is the TLS extension state of one connection.
type Record struct {
	Key      Key
	DaemonID string
	// Slot correlates the single relayed call that may be in flight.
	Slot slot.Slot

	calls sync.Mutex // serializes relayed calls

	mu        sync.Mutex
	hostname  []byte
	connected bool
	removed   bool
}

// NewRecord returns a record for key owned by daemonID.
func NewRecord(key Key, daemonID string) *Record {
	return &Record{Key: key, DaemonID: daemonID}
}

// SetHostname validates b and stores a private copy. A rejected value leaves
// the previously stored hostname untouched.
func (r *Record) SetHostname(b []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return sockopt.ErrAlreadyConnected
	}
	if len(b) > hostname.MaxLen {
		return sockopt.ErrInvalidArgument
	}
	if !hostname.Valid(b) {
		return sockopt.ErrInvalidArgument
	}
	scratch := make([]byte, len(b))
	copy(scratch, b)
	r.hostname = scratch
	return nil
}

// Hostname returns a copy of the stored hostname, terminator included, or
// nil when none was set.
func (r *Record) Hostname() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostname == nil {
		return nil
	}
	out := make([]byte, len(r.hostname))
	copy(out, r.hostname)
	return out
}

// MarkConnected freezes the hostname.
func (r *Record) MarkConnected() {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
}

func (r *Record) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Removed reports whether the record was detached from its registry.
func (r *Record) Removed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// BeginCall takes the per-record call lock. The returned func releases it.
func (r *Record) BeginCall() func() {
	r.calls.Lock()
	return r.calls.Unlock
}

// release drops owned buffers and wakes a waiter still blocked on the slot.
func (r *Record) release() {
	r.mu.Lock()
	r.removed = true
	r.hostname = nil
	r.mu.Unlock()
	r.Slot.Complete(0, slot.Result{Status: int(unix.EBADF)})
}
