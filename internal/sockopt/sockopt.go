// Package sockopt names the TLS socket options handled by the relay and the
// errno values returned to the interception layer.
package sockopt

import (
	"errors"

	"golang.org/x/sys/unix"
)

// LevelTLS is the option level (IPPROTO_TLS) applications use for TLS options.
const LevelTLS = 715 % 255

// Option names. Hostname, CertificateChain and PrivateKey are set-only and
// virtual; ID and PeerCertificate are get-only.
const (
	Hostname         = 86
	CertificateChain = 88
	PrivateKey       = 89
	ID               = 90
	PeerCertificate  = 91
)

// Errors returned to callers. ErrIOFault and ErrBadAddress share EFAULT.
var (
	ErrInvalidArgument   error = unix.EINVAL
	ErrOutOfMemory       error = unix.ENOMEM
	ErrBadAddress        error = unix.EFAULT
	ErrAlreadyConnected  error = unix.EISCONN
	ErrBadFileDescriptor error = unix.EBADF
	ErrIOFault           error = unix.EFAULT
	ErrNotSupported      error = unix.EOPNOTSUPP
	ErrNoBufferSpace     error = unix.ENOBUFS
)

// IsVirtual reports whether optname exists only for the daemon and has no
// native counterpart to apply after a successful relay.
func IsVirtual(optname int) bool {
	switch optname {
	case Hostname, CertificateChain, PrivateKey:
		return true
	}
	return false
}

// Status turns a daemon status code into an error. Zero is success. The
// sign is dropped so both kernel style (-13) and errno style (13) codes map
// to the same unix.Errno.
func Status(code int) error {
	if code == 0 {
		return nil
	}
	if code < 0 {
		code = -code
	}
	return unix.Errno(code)
}

// Code is the inverse of Status for errors that carry an errno. Errors that
// are not errnos map to EIO.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}
