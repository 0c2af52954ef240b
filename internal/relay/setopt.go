package relay

import (
	"github.com/matst80/socktls/internal/registry"
	"github.com/matst80/socktls/internal/sockopt"
)

// SetOption runs an intercepted setsockopt for key. Every option is shown to
// the daemon first; a non-zero daemon status is returned as the result.
// Hostname is validated and stored locally before the daemon is asked.
// After daemon approval virtual options are done, anything else is applied
// with native, or fails EOPNOTSUPP when there is no native handler.
func (e *Engine) SetOption(key registry.Key, level, optname int, value []byte, native SetFunc) error {
	if len(value) == 0 {
		return sockopt.ErrInvalidArgument
	}
	rec := e.records.Lookup(key)
	if rec == nil {
		return sockopt.ErrBadFileDescriptor
	}
	kval := make([]byte, len(value))
	copy(kval, value)

	if optname == sockopt.Hostname {
		if err := rec.SetHostname(kval); err != nil {
			return err
		}
	}

	res, err := e.relay(rec, KindSet, level, optname, kval)
	if err != nil {
		return err
	}
	if res.Status != 0 {
		return sockopt.Status(res.Status)
	}
	if sockopt.IsVirtual(optname) {
		return nil
	}
	if native == nil {
		return sockopt.ErrNotSupported
	}
	return native(level, optname, value)
}
