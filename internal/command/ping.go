package command

import (
	"strings"

	"github.com/smukkama/command-server/internal/protocol"
	"github.com/smukkama/command-server/internal/reactor"
)

// Ping answers any line beginning with "ping", case-insensitive.
type Ping struct{}

// Name implements Command.
func (p *Ping) Name() string {
	return "ping"
}

// CanProcess implements Command.
func (p *Ping) CanProcess(raw string) bool {
	return strings.HasPrefix(strings.ToLower(raw), "ping")
}

// Run implements Command.
func (p *Ping) Run(raw string, id int, slot *protocol.Slot, waker *reactor.Waker, r *reactor.Reactor) *Worker {
	return spawnWorker(func() {
		deliver(protocol.PongResponse, id, slot, waker, r)
	})
}
