package command

import (
	"strings"

	"github.com/smukkama/command-server/internal/protocol"
	"github.com/smukkama/command-server/internal/reactor"
)

// Echo answers any line beginning with "echo", case-insensitive, with the
// trimmed remainder of the line followed by a newline. An empty remainder
// yields a bare newline.
type Echo struct{}

// Name implements Command.
func (e *Echo) Name() string {
	return "echo"
}

// CanProcess implements Command.
func (e *Echo) CanProcess(raw string) bool {
	return strings.HasPrefix(strings.ToLower(raw), "echo")
}

// Run implements Command.
func (e *Echo) Run(raw string, id int, slot *protocol.Slot, waker *reactor.Waker, r *reactor.Reactor) *Worker {
	return spawnWorker(func() {
		rest := strings.TrimSpace(raw[len("echo"):])
		deliver([]byte(rest+"\n"), id, slot, waker, r)
	})
}
