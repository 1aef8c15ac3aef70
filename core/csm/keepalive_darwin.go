//go:build darwin

package csm

import "golang.org/x/sys/unix"

// Darwin's socket headers expose TCP_KEEPALIVE for the idle time and, on
// recent versions, TCP_KEEPINTVL/TCP_KEEPCNT matching Linux's numbering;
// x/sys/unix mirrors that.
const (
	tcpKeepIntvl = unix.TCP_KEEPINTVL
	tcpKeepCnt   = unix.TCP_KEEPCNT
)

func setKeepaliveIdle(fd, seconds int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, seconds)
}
