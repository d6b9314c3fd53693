package eventloop

import (
	"fmt"
	"io"

	"github.com/smukkama/command-server/internal/reactor"
)

// eventBufferCap bounds how many readiness events one wait can deliver.
const eventBufferCap = 1024

// Loop is the single thread that drives the reactor. It owns the flat map
// from token to handler; nothing else holds a reference to a connection, so
// dropping a map entry is what ends a connection's life.
type Loop struct {
	handlers map[int]reactor.EventListener
	reactor  *reactor.Reactor
}

// New creates an event loop over r.
func New(r *reactor.Reactor) *Loop {
	return &Loop{
		handlers: make(map[int]reactor.EventListener),
		reactor:  r,
	}
}

// AddListener installs a handler directly, bypassing the pending queue.
// Used for the accept socket at boot.
func (l *Loop) AddListener(h reactor.EventListener) {
	l.handlers[h.ID()] = h
}

// Run drives the loop until the reactor's wait fails. One turn: drain the
// run queue, install pending connections, reap retired ones, wait for
// readiness, dispatch events.
func (l *Loop) Run() error {
	for {
		l.drainScheduled()
		l.installPending()
		l.reapRetired()
		if err := l.waitAndDispatch(); err != nil {
			return err
		}
	}
}

// drainScheduled polls every id on the run queue, including ids scheduled
// during the drain itself. Ids with no handler are tolerated; the
// connection may have retired after scheduling.
func (l *Loop) drainScheduled() {
	for {
		id, ok := l.reactor.PopTask()
		if !ok {
			return
		}
		h, ok := l.handlers[id]
		if !ok {
			continue
		}
		if err := h.Poll(); err != nil {
			fmt.Printf("poll failed for %s (fd %d): %v\n", h.Name(), id, err)
		}
	}
}

// installPending moves newly-accepted handlers into the map and gives each
// its first poll, which is when the handler registers with the poller.
func (l *Loop) installPending() {
	for {
		nc, ok := l.reactor.PopNewConnection()
		if !ok {
			return
		}
		l.handlers[nc.ID] = nc.Handler
		if err := nc.Handler.Poll(); err != nil {
			fmt.Printf("initial poll failed for %s (fd %d): %v\n", nc.Handler.Name(), nc.ID, err)
		}
	}
}

// reapRetired drops retired handlers from the map, closing their sockets.
func (l *Loop) reapRetired() {
	for {
		id, ok := l.reactor.PopOldConnection()
		if !ok {
			return
		}
		h, ok := l.handlers[id]
		if !ok {
			continue
		}
		delete(l.handlers, id)
		if closer, ok := h.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				fmt.Printf("close failed for fd %d: %v\n", id, err)
			}
		}
	}
}

// waitAndDispatch blocks on the reactor and fans events out to handlers.
// Events for unknown tokens are dropped: retired connections and the wakeup
// token land here.
func (l *Loop) waitAndDispatch() error {
	events := make([]reactor.Event, eventBufferCap)
	n, err := l.reactor.Wait(events)
	if err != nil {
		return err
	}
	for _, ev := range events[:n] {
		if h, ok := l.handlers[ev.Token]; ok {
			h.HandleEvent(ev)
		}
	}
	return nil
}
