package server

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/smukkama/command-server/internal/command"
	"github.com/smukkama/command-server/internal/protocol"
	"github.com/smukkama/command-server/internal/reactor"
)

const readChunk = 512

// Client is the per-connection state machine. Readiness events set state,
// poll turns act on it. The response slot is the only field a worker thread
// touches; everything else is owned by the event loop thread.
type Client struct {
	fd      int
	name    string
	reactor *reactor.Reactor
	opts    Options

	slot     *protocol.Slot
	worker   *command.Worker
	writable bool
	rbuf     []byte
	closed   bool
}

// NewClient wraps an accepted non-blocking socket. The slot starts empty;
// the first poll registers with the reactor and enters Waiting.
func NewClient(fd int, peer string, r *reactor.Reactor, opts Options) *Client {
	return &Client{
		fd:      fd,
		name:    peer,
		reactor: r,
		opts:    opts,
		slot:    &protocol.Slot{},
	}
}

// ID implements reactor.EventListener.
func (c *Client) ID() int {
	return c.fd
}

// Name implements reactor.EventListener.
func (c *Client) Name() string {
	return c.name
}

// Poll implements reactor.EventListener. It takes the current state out of
// the slot and acts on it. States a poll turn has no action for are put
// back, but only if the slot is still empty, so a response a worker stored
// in the meantime is never clobbered.
func (c *Client) Poll() error {
	st := c.slot.Take()
	if st == nil {
		c.initialize()
		return nil
	}

	switch st.Kind {
	case protocol.StateReadCommand:
		c.readCommand()
	case protocol.StateWriteOutput:
		c.writeOutput(st.Payload)
	case protocol.StateToBeClosed:
		c.toBeClosed()
	case protocol.StateClose:
		c.retire()
	default:
		c.slot.StoreIfEmpty(st)
	}
	return nil
}

// HandleEvent implements reactor.EventListener. A readable event only
// matters in Waiting; in every other state the pending work already covers
// it and the level-triggered poller will report again.
func (c *Client) HandleEvent(ev reactor.Event) {
	if ev.Readable {
		if c.slot.Transition(protocol.StateWaiting, &protocol.State{Kind: protocol.StateReadCommand}) {
			c.reactor.Schedule(c.fd)
		}
	}
	if ev.Writable {
		c.writable = true
	}
	if ev.Closed {
		c.writable = false
	}
}

func (c *Client) initialize() {
	if err := c.reactor.Register(c.fd, c.fd, 0); err != nil {
		fmt.Printf("client %s register failed: %v\n", c.name, err)
		c.slot.Store(&protocol.State{Kind: protocol.StateToBeClosed})
		c.reactor.Schedule(c.fd)
		return
	}
	c.slot.Store(&protocol.State{Kind: protocol.StateWaiting})
	c.armIdleTimer()
}

// readCommand reads one line and dispatches it. A recognized command leaves
// the connection in RunningCommand with no schedule; the worker schedules on
// completion.
func (c *Client) readCommand() {
	line, complete, err := c.readLine()
	if err != nil {
		fmt.Printf("client %s exiting: %v\n", c.name, err)
		c.joinWorker()
		c.slot.Store(&protocol.State{Kind: protocol.StateToBeClosed})
		c.reactor.Schedule(c.fd)
		return
	}
	if !complete {
		// Partial line accumulated; park in Waiting until the rest
		// arrives rather than rescheduling in a tight loop.
		c.enterWaiting()
		return
	}

	c.armIdleTimer()

	raw := string(line)
	cmd := c.opts.Registry.Match(raw)
	if cmd == nil {
		c.opts.Stats.IncInvalidCommands()
		c.slot.Store(protocol.WriteOutput(protocol.InvalidCommandResponse))
		c.reactor.Schedule(c.fd)
		return
	}

	waker, err := c.reactor.GetWaker()
	if err != nil {
		fmt.Printf("client %s waker failed: %v\n", c.name, err)
		c.slot.Store(&protocol.State{Kind: protocol.StateToBeClosed})
		c.reactor.Schedule(c.fd)
		return
	}

	// RunningCommand goes into the slot before the worker starts, so a
	// fast worker's WriteOutput can only land after it.
	c.opts.Stats.IncCommandsDispatched()
	c.slot.Store(&protocol.State{Kind: protocol.StateRunningCommand})
	c.worker = c.opts.Registry.Run(cmd, raw, c.fd, c.slot, waker, c.reactor)
}

// readLine accumulates socket bytes until a newline. complete is false when
// the socket drained before a full line arrived.
func (c *Client) readLine() (line []byte, complete bool, err error) {
	if line, ok := c.popLine(); ok {
		return line, true, nil
	}

	var buf [readChunk]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.rbuf = append(c.rbuf, buf[:n]...)
			if line, ok := c.popLine(); ok {
				return line, true, nil
			}
			continue
		}
		if n == 0 && err == nil {
			return nil, false, io.EOF
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return nil, false, nil
		default:
			return nil, false, fmt.Errorf("read: %w", err)
		}
	}
}

func (c *Client) popLine() ([]byte, bool) {
	i := bytes.IndexByte(c.rbuf, '\n')
	if i < 0 {
		return nil, false
	}
	line := append([]byte(nil), c.rbuf[:i+1]...)
	n := copy(c.rbuf, c.rbuf[i+1:])
	c.rbuf = c.rbuf[:n]
	return line, true
}

// writeOutput attempts a single non-blocking write of payload. A short
// write keeps the unwritten suffix in the state so the response is
// delivered exactly once.
func (c *Client) writeOutput(payload []byte) {
	n, err := unix.Write(c.fd, payload)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		c.slot.Store(protocol.WriteOutput(payload))
		c.reactor.Schedule(c.fd)

	case err != nil:
		fmt.Printf("client %s write failed: %v\n", c.name, err)
		c.slot.Store(&protocol.State{Kind: protocol.StateToBeClosed})
		c.reactor.Schedule(c.fd)

	case n < len(payload):
		c.slot.Store(protocol.WriteOutput(payload[n:]))
		c.reactor.Schedule(c.fd)

	default:
		c.joinWorker()
		c.armIdleTimer()
		c.enterWaiting()
	}
}

// enterWaiting returns the connection to Waiting, except when the read
// buffer already holds a complete pipelined line; that line would never
// trigger another readiness event, so it is consumed on the next poll.
func (c *Client) enterWaiting() {
	if bytes.IndexByte(c.rbuf, '\n') >= 0 {
		c.slot.Store(&protocol.State{Kind: protocol.StateReadCommand})
		c.reactor.Schedule(c.fd)
		return
	}
	c.slot.Store(&protocol.State{Kind: protocol.StateWaiting})
}

func (c *Client) toBeClosed() {
	c.joinWorker()
	c.slot.Store(&protocol.State{Kind: protocol.StateClose})
	c.reactor.Schedule(c.fd)
}

// retire joins any worker, deregisters and queues the connection for
// reaping. The socket itself is closed by the event loop when the handler
// is dropped.
func (c *Client) retire() {
	c.joinWorker()
	c.disarmIdleTimer()
	if err := c.reactor.RemoveOldConnection(c.fd, c.fd); err != nil {
		fmt.Printf("client %s deregister failed: %v\n", c.name, err)
	}
	c.slot.Store(&protocol.State{Kind: protocol.StateClosed})
	c.opts.Stats.IncConnectionsClosed()
}

func (c *Client) joinWorker() {
	if c.worker != nil {
		c.worker.Join()
		c.worker = nil
	}
}

func (c *Client) idleTimerID() string {
	return fmt.Sprintf("idle-%d", c.fd)
}

// armIdleTimer pushes the inactivity deadline back. A fired timer may only
// take the Waiting -> ToBeClosed edge, so it can never interfere with a
// command in flight.
func (c *Client) armIdleTimer() {
	if c.opts.Timers == nil || c.opts.IdleTimeout <= 0 {
		return
	}

	fd := c.fd
	slot := c.slot
	r := c.reactor
	c.opts.Timers.Schedule(c.idleTimerID(), time.Now().Add(c.opts.IdleTimeout), func() {
		if slot.Transition(protocol.StateWaiting, &protocol.State{Kind: protocol.StateToBeClosed}) {
			fmt.Printf("closing idle connection fd %d\n", fd)
			r.Schedule(fd)
			if w, err := r.GetWaker(); err == nil {
				w.Wake()
			}
		}
	})
}

func (c *Client) disarmIdleTimer() {
	if c.opts.Timers == nil {
		return
	}
	c.opts.Timers.Cancel(c.idleTimerID())
}

// Close releases the socket. The event loop calls this when the handler is
// reaped.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
