package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Collector accumulates server counters. All methods are safe from any
// goroutine and tolerate a nil receiver, so handlers can carry an optional
// collector without guarding every increment.
type Collector struct {
	connectionsAccepted atomic.Uint64
	connectionsClosed   atomic.Uint64
	commandsDispatched  atomic.Uint64
	invalidCommands     atomic.Uint64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// IncConnectionsAccepted counts one accepted client.
func (c *Collector) IncConnectionsAccepted() {
	if c == nil {
		return
	}
	c.connectionsAccepted.Add(1)
}

// IncConnectionsClosed counts one retired client.
func (c *Collector) IncConnectionsClosed() {
	if c == nil {
		return
	}
	c.connectionsClosed.Add(1)
}

// IncCommandsDispatched counts one command handed to a worker.
func (c *Collector) IncCommandsDispatched() {
	if c == nil {
		return
	}
	c.commandsDispatched.Add(1)
}

// IncInvalidCommands counts one line no command claimed.
func (c *Collector) IncInvalidCommands() {
	if c == nil {
		return
	}
	c.invalidCommands.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ConnectionsAccepted uint64
	ConnectionsClosed   uint64
	CommandsDispatched  uint64
	InvalidCommands     uint64
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		ConnectionsAccepted: c.connectionsAccepted.Load(),
		ConnectionsClosed:   c.connectionsClosed.Load(),
		CommandsDispatched:  c.commandsDispatched.Load(),
		InvalidCommands:     c.invalidCommands.Load(),
	}
}

// Reporter prints a stats block periodically and, when a Redis client is
// attached, mirrors the snapshot into a Redis hash.
type Reporter struct {
	collector *Collector
	rdb       *redis.Client
	key       string
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewReporter creates a reporter over collector. rdb may be nil, in which
// case snapshots are only printed.
func NewReporter(collector *Collector, rdb *redis.Client, key string, interval time.Duration) *Reporter {
	return &Reporter{
		collector: collector,
		rdb:       rdb,
		key:       key,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic reporting loop.
func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reporter.
func (r *Reporter) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reporter) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	snap := r.collector.Snapshot()

	fmt.Printf("\n--- Server Statistics ---\n")
	fmt.Printf("Connections Accepted: %d\n", snap.ConnectionsAccepted)
	fmt.Printf("Connections Closed: %d\n", snap.ConnectionsClosed)
	fmt.Printf("Commands Dispatched: %d\n", snap.CommandsDispatched)
	fmt.Printf("Invalid Commands: %d\n", snap.InvalidCommands)
	fmt.Printf("------------------------\n\n")

	if r.rdb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.rdb.HSet(ctx, r.key, map[string]interface{}{
		"connections_accepted": snap.ConnectionsAccepted,
		"connections_closed":   snap.ConnectionsClosed,
		"commands_dispatched":  snap.CommandsDispatched,
		"invalid_commands":     snap.InvalidCommands,
	}).Err()
	if err != nil {
		fmt.Printf("Failed to write stats to redis: %v\n", err)
	}
}
