package reactor

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest selects which readiness conditions a registration reports.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

// WakerToken is the reserved token for the cross-thread wakeup handle.
// Connections must never register under it.
const WakerToken = 0

// Poller is a thin facade over epoll. Registrations are keyed by fd on the
// kernel side; the caller-chosen token rides in the event data word and
// comes back verbatim with each readiness event.
type Poller struct {
	epfd int
	raw  []unix.EpollEvent
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{epfd: epfd}, nil
}

func epollEvents(interest Interest) uint32 {
	var events uint32
	if interest&Readable != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

// Register adds fd to the epoll set under the given token.
func (p *Poller) Register(fd, token int, interest Interest) error {
	ev := unix.EpollEvent{
		Events: epollEvents(interest),
		Fd:     int32(token),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the epoll set.
func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for up to timeout and fills events with ready registrations.
// Interruption by a signal is surfaced as an empty return, indistinguishable
// from a timeout. Reactor.Wait returns on it only when the run queue is
// non-empty; otherwise it waits again.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]

	msec := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.epfd, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		events[i] = Event{
			Token:    int(raw[i].Fd),
			Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
			Closed:   raw[i].Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
		}
	}
	return n, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// Waker unblocks a concurrent Poller.Wait from any thread. It is an eventfd
// registered with the poller under the reserved token, so a wake surfaces as
// an ordinary readiness event that the event loop's dispatch ignores.
type Waker struct {
	fd int
}

// NewWaker creates an eventfd and registers it with the poller under token.
func NewWaker(p *Poller, token int) (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := p.Register(fd, token, Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Waker{fd: fd}, nil
}

// Wake makes the poller's current or next Wait return promptly. Safe to call
// from any goroutine.
func (w *Waker) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.fd, buf[:])
		switch err {
		case nil, unix.EAGAIN:
			// EAGAIN means the counter is already saturated; the pending
			// wake has not been consumed yet, so the wait will fire.
			return nil
		case unix.EINTR:
			continue
		default:
			return fmt.Errorf("eventfd write: %w", err)
		}
	}
}

// Drain resets the wake counter so a level-triggered poll settles.
func (w *Waker) Drain() {
	var buf [8]byte
	unix.Read(w.fd, buf[:])
}

// Close releases the eventfd.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
