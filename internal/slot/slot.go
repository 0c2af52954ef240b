// Package slot implements the single outstanding-call completion point each
// TLS record uses to wait for its policy daemon.
//
// A call arms the slot and receives a token. The transport completes the call
// by token (or with token 0, meaning whichever call is outstanding). A waiter
// that gives up disarms its token, so completions arriving afterwards are
// rejected and never stored.
package slot

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned by Arm while another call is outstanding.
var ErrBusy = errors.New("slot: call already outstanding")

// Result is what the daemon answered.
type Result struct {
	Status  int
	Payload []byte
}

type Slot struct {
	mu      sync.Mutex
	seq     uint64
	pending uint64 // token of the outstanding call, 0 when idle
	done    chan Result
}

// Arm opens the slot for a new call.
func (s *Slot) Arm() (uint64, <-chan Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != 0 {
		return 0, nil, ErrBusy
	}
	s.seq++
	if s.seq == 0 {
		s.seq++
	}
	s.pending = s.seq
	s.done = make(chan Result, 1)
	return s.pending, s.done, nil
}

// Complete hands r to the outstanding call if token matches it. Token 0
// matches any outstanding call. It reports whether r was delivered.
func (s *Slot) Complete(token uint64, r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 || (token != 0 && token != s.pending) {
		return false
	}
	s.done <- r
	s.pending = 0
	s.done = nil
	return true
}

// Disarm abandons the call identified by token. It returns false when the
// call was already completed, in which case the result is waiting in the
// channel returned by Arm.
func (s *Slot) Disarm(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 || s.pending != token {
		return false
	}
	s.pending = 0
	s.done = nil
	return true
}

// Outstanding returns the token of the call in flight, or 0.
func (s *Slot) Outstanding() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Wait blocks until the call identified by token completes or timeout
// elapses. On timeout the call is disarmed and ok is false.
func (s *Slot) Wait(token uint64, done <-chan Result, timeout time.Duration) (r Result, ok bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case r = <-done:
		return r, true
	case <-t.C:
	}
	if s.Disarm(token) {
		return Result{}, false
	}
	// Completed between the timer firing and the disarm.
	return <-done, true
}
