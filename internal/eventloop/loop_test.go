package eventloop

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/smukkama/command-server/internal/reactor"
)

type scriptedListener struct {
	id     int
	polls  int
	events []reactor.Event
	closed bool
	err    error
}

func (l *scriptedListener) ID() int      { return l.id }
func (l *scriptedListener) Name() string { return "scripted" }

func (l *scriptedListener) Poll() error {
	l.polls++
	return l.err
}

func (l *scriptedListener) HandleEvent(ev reactor.Event) {
	l.events = append(l.events, ev)
}

func (l *scriptedListener) Close() error {
	l.closed = true
	return nil
}

func newTestLoop(t *testing.T) (*Loop, *reactor.Reactor) {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return New(r), r
}

func TestLoop_DrainToleratesUnknownIDs(t *testing.T) {
	l, r := newTestLoop(t)

	r.Schedule(99)
	l.drainScheduled()

	if r.HasTasks() {
		t.Error("Run queue not drained")
	}
}

func TestLoop_DrainPollsScheduled(t *testing.T) {
	l, r := newTestLoop(t)

	h := &scriptedListener{id: 5}
	l.AddListener(h)

	r.Schedule(5)
	r.Schedule(5)
	l.drainScheduled()

	// Duplicate schedules mean duplicate polls
	if h.polls != 2 {
		t.Errorf("Expected 2 polls, got %d", h.polls)
	}
}

func TestLoop_DrainContinuesPastPollError(t *testing.T) {
	l, r := newTestLoop(t)

	bad := &scriptedListener{id: 5, err: errors.New("boom")}
	good := &scriptedListener{id: 6}
	l.AddListener(bad)
	l.AddListener(good)

	r.Schedule(5)
	r.Schedule(6)
	l.drainScheduled()

	if good.polls != 1 {
		t.Errorf("Poll error tore down the drain; good got %d polls", good.polls)
	}
}

func TestLoop_InstallPendingGivesFirstPoll(t *testing.T) {
	l, r := newTestLoop(t)

	h := &scriptedListener{id: 7}
	r.AddNewConnection(7, h)

	// The scheduled id refers to a handler not yet in the map
	l.drainScheduled()
	if h.polls != 0 {
		t.Fatalf("Handler polled before installation: %d", h.polls)
	}

	l.installPending()
	if h.polls != 1 {
		t.Errorf("Expected exactly one installation poll, got %d", h.polls)
	}
}

func TestLoop_ReapRetiredClosesHandler(t *testing.T) {
	l, r := newTestLoop(t)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	defer unix.Close(fds[1])
	rd := fds[0]

	h := &scriptedListener{id: rd}
	l.AddListener(h)
	if err := r.Register(rd, rd, reactor.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.RemoveOldConnection(rd, rd); err != nil {
		t.Fatalf("RemoveOldConnection failed: %v", err)
	}
	l.reapRetired()

	if !h.closed {
		t.Error("Handler was not closed on reaping")
	}

	// A stale schedule for the reaped id is tolerated
	r.Schedule(rd)
	l.drainScheduled()
	if h.polls != 0 {
		t.Errorf("Reaped handler was polled %d times", h.polls)
	}

	unix.Close(rd)
}

func TestLoop_WaitAndDispatchRoutesEvents(t *testing.T) {
	l, r := newTestLoop(t)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	rd, wr := fds[0], fds[1]

	h := &scriptedListener{id: rd}
	l.AddListener(h)
	if err := r.Register(rd, rd, reactor.Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := unix.Write(wr, []byte("x")); err != nil {
		t.Fatalf("pipe write failed: %v", err)
	}

	if err := l.waitAndDispatch(); err != nil {
		t.Fatalf("waitAndDispatch failed: %v", err)
	}

	if len(h.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(h.events))
	}
	if !h.events[0].Readable {
		t.Error("Expected a readable event")
	}
}
