//go:build linux
// +build linux

package poller

import "syscall"

// EpollPoller is an epoll-based I/O multiplexer.
type EpollPoller struct {
	epfd   int
	events []syscall.EpollEvent
}

// NewPoller creates a new Poller (Linux).
func NewPoller() (Poller, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]syscall.EpollEvent, 1024),
	}, nil
}

func epollEvents(interest Interest) uint32 {
	// EPOLLRDHUP (0x2000): detect peer shutdown even while only
	// write-armed, so a reset connection doesn't hang until timeout.
	ev := uint32(0x2000)
	if interest&Readable != 0 {
		ev |= uint32(syscall.EPOLLIN)
	}
	if interest&Writable != 0 {
		ev |= uint32(syscall.EPOLLOUT)
	}
	return ev
}

// Add registers a file descriptor with the given interest.
func (p *EpollPoller) Add(fd int, interest Interest) error {
	ev := syscall.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes a registered fd's interest set.
func (p *EpollPoller) Modify(fd int, interest Interest) error {
	ev := syscall.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list.
func (p *EpollPoller) Remove(fd int) error {
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events.
func (p *EpollPoller) Wait(timeoutMillis int) ([]Event, error) {
	n, err := syscall.EpollWait(p.epfd, p.events, timeoutMillis)
	if err != nil {
		if err == syscall.EINTR {
			return nil, nil
		}
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		out = append(out, Event{
			FD:       int(e.Fd),
			Readable: e.Events&(uint32(syscall.EPOLLIN)|0x2000) != 0,
			Writable: e.Events&uint32(syscall.EPOLLOUT) != 0,
		})
	}
	return out, nil
}

// Close closes the Poller.
func (p *EpollPoller) Close() error {
	return syscall.Close(p.epfd)
}

// SetNonblock sets non-blocking mode.
func SetNonblock(fd int) error {
	return syscall.SetNonblock(fd, true)
}
