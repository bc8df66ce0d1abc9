//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package transport

import "net"

// peekConn cannot query the socket queue here; reporting one byte makes the
// engine fall through to a blocking Read.
func peekConn(net.Conn) (int, error) { return 1, nil }
