package command

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/smukkama/command-server/internal/protocol"
	"github.com/smukkama/command-server/internal/reactor"
)

// Command is the capability a registered command implements: claim a raw
// line, and execute it asynchronously on a worker.
type Command interface {
	// Name identifies the command in audit records and stats.
	Name() string

	// CanProcess is a pure predicate on the raw line, terminator included.
	CanProcess(raw string) bool

	// Run spawns a worker that computes the response, stores a WriteOutput
	// into slot, and follows the handoff protocol: wake, schedule, wake.
	Run(raw string, id int, slot *protocol.Slot, waker *reactor.Waker, r *reactor.Reactor) *Worker
}

// Worker is the handle to one in-flight command execution.
type Worker struct {
	id   uuid.UUID
	done chan struct{}
}

func spawnWorker(fn func()) *Worker {
	w := &Worker{
		id:   uuid.New(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		fn()
	}()
	return w
}

// ID returns the worker's correlation id.
func (w *Worker) ID() uuid.UUID {
	return w.id
}

// Join blocks until the worker has finished. Only called at
// connection-termination transitions and after a full response write, where
// the FSM has proven no further worker output is expected.
func (w *Worker) Join() {
	<-w.done
}

// deliver publishes a computed response through the slot and hands the baton
// back to the event loop. The second wake covers the window between the
// loop's wait returning and its run-queue drain.
func deliver(payload []byte, id int, slot *protocol.Slot, waker *reactor.Waker, r *reactor.Reactor) {
	slot.Store(protocol.WriteOutput(payload))
	if err := waker.Wake(); err != nil {
		fmt.Printf("worker wake failed for connection %d: %v\n", id, err)
	}
	r.Schedule(id)
	if err := waker.Wake(); err != nil {
		fmt.Printf("worker wake failed for connection %d: %v\n", id, err)
	}
}

// Auditor records dispatched commands. Record must not block: dispatch runs
// on the event loop thread.
type Auditor interface {
	Record(connectionID int, command, raw string)
}

// Registry holds the ordered command list. The first command whose
// CanProcess accepts a line wins.
type Registry struct {
	commands []Command
	auditor  Auditor
}

// NewRegistry creates a registry over the given commands, consulted in
// order.
func NewRegistry(commands ...Command) *Registry {
	return &Registry{commands: commands}
}

// Default returns the shipping registry: ping, then echo.
func Default() *Registry {
	return NewRegistry(&Ping{}, &Echo{})
}

// SetAuditor attaches an audit recorder. Pass nil to disable.
func (g *Registry) SetAuditor(a Auditor) {
	g.auditor = a
}

// Match returns the first command claiming raw, or nil.
func (g *Registry) Match(raw string) Command {
	for _, c := range g.commands {
		if c.CanProcess(raw) {
			return c
		}
	}
	return nil
}

// Run executes a matched command, recording it with the auditor first.
func (g *Registry) Run(cmd Command, raw string, id int, slot *protocol.Slot, waker *reactor.Waker, r *reactor.Reactor) *Worker {
	if g.auditor != nil {
		g.auditor.Record(id, cmd.Name(), raw)
	}
	return cmd.Run(raw, id, slot, waker, r)
}

// Dispatch is Match followed by Run. Returns nil when no command claims the
// line; the caller produces the invalid-command response itself.
func (g *Registry) Dispatch(raw string, id int, slot *protocol.Slot, waker *reactor.Waker, r *reactor.Reactor) *Worker {
	cmd := g.Match(raw)
	if cmd == nil {
		return nil
	}
	return g.Run(cmd, raw, id, slot, waker, r)
}
