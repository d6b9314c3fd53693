package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type nopListener struct {
	id int
}

func (l *nopListener) ID() int              { return l.id }
func (l *nopListener) Name() string         { return "nop" }
func (l *nopListener) Poll() error          { return nil }
func (l *nopListener) HandleEvent(ev Event) {}

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func newTestPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe failed: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReactor_RegisterDeduplicates(t *testing.T) {
	r := newTestReactor(t)
	rd, _ := newTestPipe(t)

	if err := r.Register(rd, rd, Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Second register of the same id must be a no-op success; a real
	// second epoll_ctl would fail with EEXIST.
	if err := r.Register(rd, rd, Readable); err != nil {
		t.Errorf("Duplicate register failed: %v", err)
	}
}

func TestReactor_ScheduleFIFO(t *testing.T) {
	r := newTestReactor(t)

	r.Schedule(1)
	r.Schedule(2)
	r.Schedule(3)

	for _, want := range []int{1, 2, 3} {
		id, ok := r.PopTask()
		if !ok {
			t.Fatalf("Run queue empty, expected %d", want)
		}
		if id != want {
			t.Errorf("Expected %d, got %d", want, id)
		}
	}

	if _, ok := r.PopTask(); ok {
		t.Error("Run queue should be empty")
	}
}

func TestReactor_AddNewConnectionSchedules(t *testing.T) {
	r := newTestReactor(t)

	h := &nopListener{id: 7}
	r.AddNewConnection(7, h)

	nc, ok := r.PopNewConnection()
	if !ok {
		t.Fatal("Expected a pending connection")
	}
	if nc.ID != 7 || nc.Handler != h {
		t.Errorf("Wrong pending connection: %+v", nc)
	}

	id, ok := r.PopTask()
	if !ok || id != 7 {
		t.Errorf("Expected id 7 scheduled, got %d (ok=%v)", id, ok)
	}
}

func TestReactor_RemoveOldConnection(t *testing.T) {
	r := newTestReactor(t)
	rd, _ := newTestPipe(t)

	if err := r.Register(rd, rd, Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.RemoveOldConnection(rd, rd); err != nil {
		t.Fatalf("RemoveOldConnection failed: %v", err)
	}

	id, ok := r.PopOldConnection()
	if !ok || id != rd {
		t.Errorf("Expected %d queued for reaping, got %d (ok=%v)", rd, id, ok)
	}

	// The token is free again
	if err := r.Register(rd, rd, Readable); err != nil {
		t.Errorf("Re-register after removal failed: %v", err)
	}
}

func TestReactor_GetWakerShared(t *testing.T) {
	r := newTestReactor(t)

	w1, err := r.GetWaker()
	if err != nil {
		t.Fatalf("GetWaker failed: %v", err)
	}
	w2, err := r.GetWaker()
	if err != nil {
		t.Fatalf("GetWaker failed: %v", err)
	}
	if w1 != w2 {
		t.Error("Expected the same waker handle on every call")
	}
}

func TestReactor_WaitReturnsOnWake(t *testing.T) {
	r := newTestReactor(t)

	w, err := r.GetWaker()
	if err != nil {
		t.Fatalf("GetWaker failed: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		w.Wake()
	}()

	events := make([]Event, 16)
	done := make(chan int, 1)
	go func() {
		n, err := r.Wait(events)
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
		done <- n
	}()

	select {
	case n := <-done:
		if n < 1 {
			t.Fatalf("Expected at least one event, got %d", n)
		}
		found := false
		for _, ev := range events[:n] {
			if ev.Token == WakerToken {
				found = true
			}
		}
		if !found {
			t.Error("Expected an event on the waker token")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after wake")
	}
}

func TestReactor_WaitReturnsWhenTasksPending(t *testing.T) {
	r := newTestReactor(t)
	r.Schedule(42)

	events := make([]Event, 16)
	done := make(chan struct{})
	go func() {
		if _, err := r.Wait(events); err != nil {
			t.Errorf("Wait failed: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not short-circuit on a pending task")
	}
}

func TestReactor_WaitDeliversReadable(t *testing.T) {
	r := newTestReactor(t)
	rd, wr := newTestPipe(t)

	if err := r.Register(rd, rd, Readable); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := unix.Write(wr, []byte("x")); err != nil {
		t.Fatalf("pipe write failed: %v", err)
	}

	events := make([]Event, 16)
	n, err := r.Wait(events)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	for _, ev := range events[:n] {
		if ev.Token == rd {
			if !ev.Readable {
				t.Error("Expected a readable event")
			}
			return
		}
	}
	t.Fatalf("No event for token %d in %v", rd, events[:n])
}
