package transport

import "golang.org/x/sys/unix"

// Linux names the socket queue query TIOCINQ.
const fionread = unix.TIOCINQ
