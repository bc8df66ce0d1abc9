//go:build darwin || freebsd || netbsd || openbsd

package transport

import "golang.org/x/sys/unix"

const fionread = unix.FIONREAD
