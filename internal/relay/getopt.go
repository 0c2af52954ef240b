package relay

import (
	"encoding/binary"

	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/sockopt"
)

// IDLen is the width of the identifier returned for sockopt.ID.
const IDLen = 8

// GetOption runs an intercepted getsockopt for key, writing into out and
// returning the number of bytes written.
//
// Hostname never truncates: a short out fails EINVAL. Daemon backed options
// such as PeerCertificate truncate silently to len(out).
func (e *Engine) GetOption(key registry.Key, level, optname int, out []byte, native GetFunc) (int, error) {
	switch optname {
	case sockopt.Hostname:
		return e.getHostname(key, out)
	case sockopt.ID:
		return copy(out, connID(key)), nil
	case sockopt.PeerCertificate:
		return e.getRelayed(key, level, optname, out)
	}
	if native != nil {
		return native(level, optname, out)
	}
	return 0, sockopt.ErrNotSupported
}

func (e *Engine) getHostname(key registry.Key, out []byte) (int, error) {
	rec := e.records.Lookup(key)
	if rec == nil {
		return 0, sockopt.ErrBadFileDescriptor
	}
	host := rec.Hostname()
	if host == nil {
		return 0, sockopt.ErrIOFault
	}
	if len(out) < len(host) {
		return 0, sockopt.ErrInvalidArgument
	}
	return copy(out, host), nil
}

func (e *Engine) getRelayed(key registry.Key, level, optname int, out []byte) (int, error) {
	rec := e.records.Lookup(key)
	if rec == nil {
		return 0, sockopt.ErrBadFileDescriptor
	}
	res, err := e.relay(rec, KindGet, level, optname, nil)
	if err != nil {
		return 0, err
	}
	if res.Status != 0 {
		return 0, sockopt.Status(res.Status)
	}
	return copy(out, res.Payload), nil
}

// connID encodes key the way the connection identity is laid out in memory.
func connID(key registry.Key) []byte {
	b := make([]byte, IDLen)
	binary.NativeEndian.PutUint64(b, uint64(key))
	return b
}
