//go:build unix

package csm

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/partitionql/fanout/core/cluster"
)

// dialNonBlocking opens a non-blocking TCP socket and issues connect(2),
// returning immediately with the raw fd regardless of whether the connect
// completed synchronously — the caller always waits for write-readiness
// and then checks SO_ERROR, matching libpq's PQconnectPoll state machine
// that spec.md §4.1's table abstracts as "ConnectWrite".
func dialNonBlocking(hostPort string) (fd int, err error) {
	addr, err := net.ResolveTCPAddr("tcp", hostPort)
	if err != nil {
		return -1, fmt.Errorf("csm: resolve %q: %w", hostPort, err)
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa4.Addr[:], ip4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("csm: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("csm: set nonblocking: %w", err)
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("csm: connect: %w", err)
	}
	return fd, nil
}

// applySocketTuning applies TCP_NODELAY and the configured keepalive
// parameters, grounded on core/engine.go's acceptConnections socket-option
// calls (there applied at accept time; here at connect time).
func applySocketTuning(fd int, cfg cluster.Config) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if cfg.KeepaliveIdle > 0 {
		setKeepaliveIdle(fd, int(cfg.KeepaliveIdle.Seconds()))
	}
	if cfg.KeepaliveInterval > 0 {
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, tcpKeepIntvl, int(cfg.KeepaliveInterval.Seconds()))
	}
	if cfg.KeepaliveCount > 0 {
		unix.SetsockoptInt(fd, unix.IPPROTO_TCP, tcpKeepCnt, cfg.KeepaliveCount)
	}
}

// connectError reads SO_ERROR off a just-writable-readiness socket to
// distinguish a completed connection from a failed one (spec.md §4.1
// "poll→OK" vs "poll→FAILED").
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func rawRead(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, errWouldBlock
	}
	return n, err
}

func rawWrite(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, errWouldBlock
	}
	return n, err
}

func closeFD(fd int) {
	unix.Close(fd)
}
