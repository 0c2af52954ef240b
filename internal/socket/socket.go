//go:build linux

// Package socket is an in-process interception layer: a raw stream socket
// whose option calls go through the relay engine, with the kernel's own
// setsockopt/getsockopt as the native fallback.
package socket

import (
	"sync/atomic"
	"unsafe"

	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/relay"
	"github.com/matst80/socktls/internal/sockopt"
	"golang.org/x/sys/unix"
)

// Keys handed to in-process sockets start high so they do not collide with
// identities chosen by external hooks sharing the engine.
var lastKey atomic.Uint64

func init() { lastKey.Store(1 << 48) }

type Socket struct {
	fd  int
	key registry.Key
	eng *relay.Engine
}

// Open creates a TCP socket of the given family (unix.AF_INET or
// unix.AF_INET6) and registers it with eng, owned by daemonID.
func Open(eng *relay.Engine, family int, daemonID string) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	key := registry.Key(lastKey.Add(1))
	if _, err := eng.Open(key, daemonID); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Socket{fd: fd, key: key, eng: eng}, nil
}

func (s *Socket) Key() registry.Key { return s.key }
func (s *Socket) Fd() int           { return s.fd }

// SetOption is setsockopt(2) routed through the relay.
func (s *Socket) SetOption(level, optname int, value []byte) error {
	return s.eng.SetOption(s.key, level, optname, value, s.setNative)
}

// GetOption is getsockopt(2) routed through the relay.
func (s *Socket) GetOption(level, optname int, out []byte) (int, error) {
	return s.eng.GetOption(s.key, level, optname, out, s.getNative)
}

// SetHostname is a convenience for the Hostname option; host is sent NUL
// terminated.
func (s *Socket) SetHostname(host string) error {
	return s.SetOption(sockopt.LevelTLS, sockopt.Hostname, append([]byte(host), 0))
}

// Connect connects the socket and freezes its hostname.
func (s *Socket) Connect(sa unix.Sockaddr) error {
	if err := unix.Connect(s.fd, sa); err != nil {
		return err
	}
	s.eng.MarkConnected(s.key)
	return nil
}

// Close drops the TLS record and closes the descriptor.
func (s *Socket) Close() error {
	s.eng.Close(s.key)
	return unix.Close(s.fd)
}

func (s *Socket) setNative(level, optname int, value []byte) error {
	return unix.SetsockoptString(s.fd, level, optname, string(value))
}

func (s *Socket) getNative(level, optname int, out []byte) (int, error) {
	if len(out) == 0 {
		return 0, sockopt.ErrInvalidArgument
	}
	l := uint32(len(out))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(s.fd), uintptr(level), uintptr(optname),
		uintptr(unsafe.Pointer(&out[0])), uintptr(unsafe.Pointer(&l)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(l), nil
}
