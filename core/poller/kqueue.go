//go:build darwin
// +build darwin

package poller

import "syscall"

// KqueuePoller is a kqueue-based I/O multiplexer.
type KqueuePoller struct {
	kqfd     int
	events   []syscall.Kevent_t
	interest map[int]Interest
}

// NewPoller creates a new Poller (macOS).
func NewPoller() (Poller, error) {
	kqfd, err := syscall.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:     kqfd,
		events:   make([]syscall.Kevent_t, 1024),
		interest: make(map[int]Interest),
	}, nil
}

func (p *KqueuePoller) apply(fd int, old, new Interest) error {
	var changes []syscall.Kevent_t
	toggle := func(filter int16, want bool, had bool) {
		if want == had {
			return
		}
		flags := uint16(syscall.EV_ADD | syscall.EV_ENABLE)
		if !want {
			flags = syscall.EV_DELETE
		}
		changes = append(changes, syscall.Kevent_t{
			Ident:  uint64(fd),
			Filter: filter,
			Flags:  flags,
		})
	}
	toggle(syscall.EVFILT_READ, new&Readable != 0, old&Readable != 0)
	toggle(syscall.EVFILT_WRITE, new&Writable != 0, old&Writable != 0)
	if len(changes) == 0 {
		return nil
	}
	_, err := syscall.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add registers a file descriptor with the given interest.
func (p *KqueuePoller) Add(fd int, interest Interest) error {
	if err := p.apply(fd, 0, interest); err != nil {
		return err
	}
	p.interest[fd] = interest
	return nil
}

// Modify changes a registered fd's interest set.
func (p *KqueuePoller) Modify(fd int, interest Interest) error {
	old := p.interest[fd]
	if err := p.apply(fd, old, interest); err != nil {
		return err
	}
	p.interest[fd] = interest
	return nil
}

// Remove removes a file descriptor from the watch list.
func (p *KqueuePoller) Remove(fd int) error {
	old := p.interest[fd]
	delete(p.interest, fd)
	return p.apply(fd, old, 0)
}

// Wait waits for I/O events.
func (p *KqueuePoller) Wait(timeoutMillis int) ([]Event, error) {
	var ts *syscall.Timespec
	if timeoutMillis >= 0 {
		ts = &syscall.Timespec{
			Sec:  int64(timeoutMillis / 1000),
			Nsec: int64((timeoutMillis % 1000) * 1000000),
		}
	}

	n, err := syscall.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == syscall.EINTR {
			return nil, nil
		}
		return nil, err
	}

	if n <= 0 {
		return nil, nil
	}

	byFD := map[int]*Event{}
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		fd := int(e.Ident)
		ev, ok := byFD[fd]
		if !ok {
			ev = &Event{FD: fd}
			byFD[fd] = ev
			order = append(order, fd)
		}
		switch e.Filter {
		case syscall.EVFILT_READ:
			ev.Readable = true
		case syscall.EVFILT_WRITE:
			ev.Writable = true
		}
	}

	out := make([]Event, 0, len(order))
	for _, fd := range order {
		out = append(out, *byFD[fd])
	}
	return out, nil
}

// Close closes the Poller.
func (p *KqueuePoller) Close() error {
	return syscall.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode.
func SetNonblock(fd int) error {
	return syscall.SetNonblock(fd, true)
}
