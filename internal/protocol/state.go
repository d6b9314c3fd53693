package protocol

import "sync"

// StateKind enumerates the connection FSM states.
type StateKind int

const (
	StateWaiting StateKind = iota
	StateReadCommand
	StateRunningCommand
	StateWriteOutput
	StateToBeClosed
	StateClose
	StateClosed
)

func (k StateKind) String() string {
	switch k {
	case StateWaiting:
		return "Waiting"
	case StateReadCommand:
		return "ReadCommand"
	case StateRunningCommand:
		return "RunningCommand"
	case StateWriteOutput:
		return "WriteOutput"
	case StateToBeClosed:
		return "ToBeClosed"
	case StateClose:
		return "Close"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// State is one value of the connection FSM alphabet. Payload is only
// meaningful for StateWriteOutput, where it holds the bytes not yet written
// to the peer.
type State struct {
	Kind    StateKind
	Payload []byte
}

// WriteOutput builds a StateWriteOutput carrying payload.
func WriteOutput(payload []byte) *State {
	return &State{Kind: StateWriteOutput, Payload: payload}
}

// Slot is the shared response cell between the event loop and at most one
// worker thread. The loop takes the current state out at the start of a poll
// turn and stores the successor; a worker stores the WriteOutput it computed.
// The lock is never held across a schedule or a wake.
type Slot struct {
	mu sync.Mutex
	s  *State
}

// Take removes and returns the current state, or nil if the slot is empty.
func (s *Slot) Take() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.s
	s.s = nil
	return st
}

// Store unconditionally replaces the slot's contents.
func (s *Slot) Store(st *State) {
	s.mu.Lock()
	s.s = st
	s.mu.Unlock()
}

// StoreIfEmpty stores st only if the slot is empty, and reports whether it
// did. A poll turn restores an untouched state this way so it cannot clobber
// a response a worker delivered in the meantime.
func (s *Slot) StoreIfEmpty(st *State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s != nil {
		return false
	}
	s.s = st
	return true
}

// Transition replaces the state with to only if the current kind is from,
// and reports whether it did. Readable events use this for the
// Waiting -> ReadCommand edge, and the inactivity reaper for
// Waiting -> ToBeClosed; holding the lock across the check keeps either from
// racing a worker's store.
func (s *Slot) Transition(from StateKind, to *State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s == nil || s.s.Kind != from {
		return false
	}
	s.s = to
	return true
}

// Kind returns the kind of the current state and whether one is present.
func (s *Slot) Kind() (StateKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.s == nil {
		return 0, false
	}
	return s.s.Kind, true
}
