package command

import (
	"bytes"
	"testing"
	"time"

	"github.com/smukkama/command-server/internal/protocol"
	"github.com/smukkama/command-server/internal/reactor"
)

func newTestReactor(t *testing.T) (*reactor.Reactor, *reactor.Waker) {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	w, err := r.GetWaker()
	if err != nil {
		t.Fatalf("GetWaker failed: %v", err)
	}
	return r, w
}

func TestPing_CanProcess(t *testing.T) {
	p := &Ping{}

	for _, raw := range []string{"ping\n", "PING\n", "Ping extra args\n"} {
		if !p.CanProcess(raw) {
			t.Errorf("Expected ping to claim %q", raw)
		}
	}
	for _, raw := range []string{"echo\n", "pong\n", " ping\n"} {
		if p.CanProcess(raw) {
			t.Errorf("Expected ping to reject %q", raw)
		}
	}
}

func TestEcho_CanProcess(t *testing.T) {
	e := &Echo{}

	for _, raw := range []string{"echo\n", "ECHO hello\n", "Echo x\n"} {
		if !e.CanProcess(raw) {
			t.Errorf("Expected echo to claim %q", raw)
		}
	}
	if e.CanProcess("ping\n") {
		t.Error("Expected echo to reject ping")
	}
}

func runAndTake(t *testing.T, cmd Command, raw string, id int) ([]byte, *reactor.Reactor) {
	t.Helper()
	r, w := newTestReactor(t)
	slot := &protocol.Slot{}

	worker := cmd.Run(raw, id, slot, w, r)
	worker.Join()

	st := slot.Take()
	if st == nil {
		t.Fatal("Worker did not store a state")
	}
	if st.Kind != protocol.StateWriteOutput {
		t.Fatalf("Expected WriteOutput, got %v", st.Kind)
	}
	return st.Payload, r
}

func TestPing_Run(t *testing.T) {
	payload, r := runAndTake(t, &Ping{}, "ping\n", 42)

	if !bytes.Equal(payload, []byte("+PONG\t\n")) {
		t.Errorf("Expected %q, got %q", "+PONG\t\n", payload)
	}

	id, ok := r.PopTask()
	if !ok || id != 42 {
		t.Errorf("Expected connection 42 scheduled, got %d (ok=%v)", id, ok)
	}
}

func TestEcho_Run(t *testing.T) {
	payload, _ := runAndTake(t, &Echo{}, "echo hello world\n", 1)
	if !bytes.Equal(payload, []byte("hello world\n")) {
		t.Errorf("Expected %q, got %q", "hello world\n", payload)
	}
}

func TestEcho_RunEmpty(t *testing.T) {
	payload, _ := runAndTake(t, &Echo{}, "echo\n", 1)
	if !bytes.Equal(payload, []byte("\n")) {
		t.Errorf("Expected bare newline, got %q", payload)
	}

	payload, _ = runAndTake(t, &Echo{}, "echo    \n", 1)
	if !bytes.Equal(payload, []byte("\n")) {
		t.Errorf("Expected bare newline for blank remainder, got %q", payload)
	}
}

func TestRegistry_MatchOrder(t *testing.T) {
	g := Default()

	if cmd := g.Match("ping\n"); cmd == nil || cmd.Name() != "ping" {
		t.Errorf("Expected ping to match, got %v", cmd)
	}
	if cmd := g.Match("ECHO hi\n"); cmd == nil || cmd.Name() != "echo" {
		t.Errorf("Expected echo to match, got %v", cmd)
	}
	if cmd := g.Match("foo\n"); cmd != nil {
		t.Errorf("Expected no match for foo, got %s", cmd.Name())
	}
}

type recordingAuditor struct {
	connIDs  []int
	commands []string
}

func (a *recordingAuditor) Record(connectionID int, command, raw string) {
	a.connIDs = append(a.connIDs, connectionID)
	a.commands = append(a.commands, command)
}

func TestRegistry_DispatchRecordsAudit(t *testing.T) {
	r, w := newTestReactor(t)
	slot := &protocol.Slot{}

	auditor := &recordingAuditor{}
	g := Default()
	g.SetAuditor(auditor)

	worker := g.Dispatch("ping\n", 9, slot, w, r)
	if worker == nil {
		t.Fatal("Expected a worker for ping")
	}
	worker.Join()

	if len(auditor.commands) != 1 || auditor.commands[0] != "ping" {
		t.Errorf("Expected one ping audit record, got %v", auditor.commands)
	}
	if auditor.connIDs[0] != 9 {
		t.Errorf("Expected connection 9, got %d", auditor.connIDs[0])
	}
}

func TestRegistry_DispatchUnknown(t *testing.T) {
	r, w := newTestReactor(t)
	slot := &protocol.Slot{}

	auditor := &recordingAuditor{}
	g := Default()
	g.SetAuditor(auditor)

	if worker := g.Dispatch("foo\n", 9, slot, w, r); worker != nil {
		t.Fatal("Expected no worker for an unknown command")
	}
	if len(auditor.commands) != 0 {
		t.Errorf("Unknown command was audited: %v", auditor.commands)
	}
	if st := slot.Take(); st != nil {
		t.Errorf("Unknown command touched the slot: %v", st.Kind)
	}
}

func TestWorker_JoinWaitsForCompletion(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	w := spawnWorker(func() {
		close(started)
		<-release
	})

	<-started

	done := make(chan struct{})
	go func() {
		w.Join()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Join returned before the worker finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return after the worker finished")
	}
}
