package reactor

import (
	"sync"
	"time"
)

// waitTimeout bounds one epoll wait so tasks scheduled from the loop thread
// between waits are picked up even without a readiness event.
const waitTimeout = time.Millisecond

// NewConn is a handler queued for installation into the event loop's
// connection map.
type NewConn struct {
	ID      int
	Handler EventListener
}

// Reactor owns the poller, the run queue of connection IDs, and the pending
// insert/retire queues. All methods are safe for concurrent use; worker
// threads call Schedule and GetWaker, everything else happens on the event
// loop thread. No I/O is performed while the lock is held except the
// epoll_ctl calls, which do not block.
type Reactor struct {
	mu             sync.RWMutex
	poller         *Poller
	existingTokens map[int]struct{}
	tasks          []int
	newSource      []NewConn
	oldSource      []int
	waker          *Waker
}

// New creates a reactor with a fresh poller.
func New() (*Reactor, error) {
	p, err := NewPoller()
	if err != nil {
		return nil, err
	}
	return &Reactor{
		poller:         p,
		existingTokens: make(map[int]struct{}),
	}, nil
}

// Register adds fd to the poller under id. Registering an id that is already
// present is a no-op success. A zero interest defaults to readable and
// writable, which is what client connections want; the accept socket passes
// Readable explicitly.
func (r *Reactor) Register(id, fd int, interest Interest) error {
	if interest == 0 {
		interest = Readable | Writable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.existingTokens[id]; ok {
		return nil
	}
	if err := r.poller.Register(fd, id, interest); err != nil {
		return err
	}
	r.existingTokens[id] = struct{}{}
	return nil
}

// Unregister removes fd from the poller.
func (r *Reactor) Unregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poller.Deregister(fd)
}

// Schedule appends id to the run queue. Duplicate schedules are allowed; a
// duplicate poll is a no-op in every FSM state that does not expect one.
func (r *Reactor) Schedule(id int) {
	r.mu.Lock()
	r.tasks = append(r.tasks, id)
	r.mu.Unlock()
}

// AddNewConnection enqueues a handler for installation and schedules its id
// so the event loop gives it its first poll.
func (r *Reactor) AddNewConnection(id int, handler EventListener) {
	r.mu.Lock()
	r.newSource = append(r.newSource, NewConn{ID: id, Handler: handler})
	r.tasks = append(r.tasks, id)
	r.mu.Unlock()
}

// RemoveOldConnection deregisters fd, forgets the id and enqueues it for
// reaping by the event loop.
func (r *Reactor) RemoveOldConnection(id, fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.poller.Deregister(fd)
	delete(r.existingTokens, id)
	r.oldSource = append(r.oldSource, id)
	return err
}

// GetWaker lazily creates the wakeup handle, registered under WakerToken.
// The same handle is returned to every caller and is safe to share across
// threads.
func (r *Reactor) GetWaker() (*Waker, error) {
	r.mu.RLock()
	w := r.waker
	r.mu.RUnlock()
	if w != nil {
		return w, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waker == nil {
		w, err := NewWaker(r.poller, WakerToken)
		if err != nil {
			return nil, err
		}
		r.waker = w
	}
	return r.waker, nil
}

// PopTask removes and returns the head of the run queue.
func (r *Reactor) PopTask() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tasks) == 0 {
		return 0, false
	}
	id := r.tasks[0]
	r.tasks = r.tasks[1:]
	return id, true
}

// HasTasks reports whether the run queue is non-empty.
func (r *Reactor) HasTasks() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks) > 0
}

// PopNewConnection removes and returns the next handler awaiting
// installation.
func (r *Reactor) PopNewConnection() (NewConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.newSource) == 0 {
		return NewConn{}, false
	}
	nc := r.newSource[0]
	r.newSource = r.newSource[1:]
	return nc, true
}

// PopOldConnection removes and returns the next id awaiting reaping.
func (r *Reactor) PopOldConnection() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.oldSource) == 0 {
		return 0, false
	}
	id := r.oldSource[0]
	r.oldSource = r.oldSource[1:]
	return id, true
}

// Wait blocks until readiness events are delivered, the run queue becomes
// non-empty, or the waker fires. Wake deliveries show up as events for
// WakerToken; the eventfd counter is drained here so level-triggered polls
// settle, and the event is passed through for the loop to drop.
func (r *Reactor) Wait(events []Event) (int, error) {
	for {
		n, err := r.poller.Wait(events, waitTimeout)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			for i := 0; i < n; i++ {
				if events[i].Token == WakerToken {
					r.mu.RLock()
					w := r.waker
					r.mu.RUnlock()
					if w != nil {
						w.Drain()
					}
				}
			}
			return n, nil
		}
		if r.HasTasks() {
			return 0, nil
		}
	}
}

// Close releases the poller and waker. Only used on shutdown paths and in
// tests; live connections are cleaned up individually.
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waker != nil {
		r.waker.Close()
		r.waker = nil
	}
	return r.poller.Close()
}
