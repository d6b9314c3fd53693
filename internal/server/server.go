package server

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smukkama/command-server/internal/command"
	"github.com/smukkama/command-server/internal/reactor"
	"github.com/smukkama/command-server/internal/stats"
	"github.com/smukkama/command-server/internal/timer"
)

const acceptBacklog = 1024

type serverState int

const (
	serverWaiting serverState = iota
	serverAccepting
	serverClosing
	serverClosed
)

// Options carries the collaborators handed to every accepted connection.
// Stats and Timers may be nil; a zero IdleTimeout disables inactivity
// reaping.
type Options struct {
	Registry    *command.Registry
	Stats       *stats.Collector
	Timers      *timer.Manager
	IdleTimeout time.Duration
}

// Server is the accept-socket state machine. It owns the listening fd
// outright; accepted sockets are wrapped in a Client and handed to the
// reactor for installation.
type Server struct {
	fd      int
	name    string
	reactor *reactor.Reactor
	opts    Options

	state     serverState
	pending   int // accepted fd, valid while state == serverAccepting
	pendingSA unix.Sockaddr
	closed    bool
}

// Listen binds a non-blocking IPv4 TCP listener on addr and registers it
// with the reactor for readable events only.
func Listen(addr string, r *reactor.Reactor, opts Options) (*Server, error) {
	if opts.Registry == nil {
		opts.Registry = command.Default()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	ip := tcpAddr.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, acceptBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	s := &Server{
		fd:      fd,
		name:    fmt.Sprintf("command-server tcp://%s", sockaddrString(local)),
		reactor: r,
		opts:    opts,
		state:   serverWaiting,
	}

	if err := r.Register(fd, fd, reactor.Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return s, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return "unknown"
	}
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	local, err := unix.Getsockname(s.fd)
	if err != nil {
		return "unknown"
	}
	return sockaddrString(local)
}

// ID implements reactor.EventListener.
func (s *Server) ID() int {
	return s.fd
}

// Name implements reactor.EventListener.
func (s *Server) Name() string {
	return s.name
}

// Poll implements reactor.EventListener. In Accepting it turns the pending
// socket into a client handler and re-schedules itself to drain any further
// queued accepts; in Closing it retires the listener.
func (s *Server) Poll() error {
	switch s.state {
	case serverAccepting:
		nfd := s.pending
		peer := sockaddrString(s.pendingSA)
		s.state = serverWaiting

		if err := unix.SetNonblock(nfd, true); err != nil {
			fmt.Printf("setnonblock for %s failed: %v\n", peer, err)
			unix.Close(nfd)
			s.reactor.Schedule(s.fd)
			return nil
		}

		client := NewClient(nfd, peer, s.reactor, s.opts)
		s.reactor.AddNewConnection(nfd, client)
		s.opts.Stats.IncConnectionsAccepted()
		fmt.Printf("accepted connection from %s (fd %d)\n", peer, nfd)

		s.reactor.Schedule(s.fd)

	case serverClosing:
		s.state = serverClosed
		if err := s.reactor.RemoveOldConnection(s.fd, s.fd); err != nil {
			fmt.Printf("listener deregister failed: %v\n", err)
		}
	}
	return nil
}

// HandleEvent implements reactor.EventListener. A readable event means a
// connection may be pending in the accept queue.
func (s *Server) HandleEvent(ev reactor.Event) {
	if !ev.Readable {
		return
	}

	nfd, sa, err := unix.Accept(s.fd)
	switch {
	case err == nil:
		s.state = serverAccepting
		s.pending = nfd
		s.pendingSA = sa
		s.reactor.Schedule(s.fd)

	case err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR:
		s.state = serverWaiting

	default:
		fmt.Printf("accept failed: %v\n", err)
		s.state = serverClosing
		s.reactor.Schedule(s.fd)
	}
}

// Close releases the listening socket. The event loop calls this when the
// listener is reaped.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}
