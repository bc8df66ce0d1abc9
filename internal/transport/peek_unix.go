//go:build linux || darwin || freebsd || netbsd || openbsd

package transport

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func rawConn(conn net.Conn) (syscall.RawConn, error) {
	type sc interface {
		SyscallConn() (syscall.RawConn, error)
	}
	scc, ok := conn.(sc)
	if !ok {
		return nil, errors.New("conn does not expose SyscallConn")
	}
	return scc.SyscallConn()
}

// peekConn asks the kernel how many bytes are queued on the socket. When
// nothing is queued but the socket still polls readable, the peer has hung
// up and 1 is reported.
func peekConn(conn net.Conn) (int, error) {
	rc, err := rawConn(conn)
	if err != nil {
		return 0, err
	}
	var n int
	var ioctlErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		n, ioctlErr = unix.IoctlGetInt(int(fd), fionread)
		if ioctlErr != nil || n > 0 {
			return
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		ready, perr := unix.Poll(fds, 0)
		if perr == nil && ready > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			n = 1
		}
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return n, ioctlErr
}
