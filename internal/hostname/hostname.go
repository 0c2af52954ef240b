// Package hostname checks the syntax of hostnames stored on TLS sockets.
package hostname

// MaxLen is the largest accepted hostname buffer, terminator included.
const MaxLen = 255

// Valid reports whether b is a NUL terminated RFC 952/1123 host string:
// every byte but the last is a letter, digit, '-' or '.', and the last is 0.
// An empty buffer is invalid.
func Valid(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b[:len(b)-1] {
		if !isHostChar(c) {
			return false
		}
	}
	return b[len(b)-1] == 0
}

func isHostChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.':
		return true
	}
	return false
}
