package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedMessage = errors.New("unexpected message")
	ErrVersionMismatch   = errors.New("protocol version mismatch")
	ErrSequenceMismatch  = errors.New("sequence mismatch")
)

type State string

const (
	StateInit         State = "init"
	StateHandshaking  State = "handshaking"
	StateIdle         State = "idle"
	StateInstalling   State = "installing"
	StateShuttingDown State = "shutting_down"
	StateClosed       State = "closed"
)

type Event string

const (
	EventConnect   Event = "connect"
	EventHandshake Event = "handshake"
	EventInstall   Event = "install"
	EventResult    Event = "result"
	// EventAbandon is local to the server: the in-flight request is given up on without waiting for its result.
	EventAbandon  Event = "abandon"
	EventShutdown Event = "shutdown"
	EventClose    Event = "close"
	EventFail     Event = "fail"
)

// Transition returns the state reached from current on event.
// Close and Fail reach Closed from every state; Closed accepts nothing else.
func Transition(current State, event Event) (State, error) {
	if event == EventClose || event == EventFail {
		return StateClosed, nil
	}

	switch current {
	case StateInit:
		if event == EventConnect {
			return StateHandshaking, nil
		}
	case StateHandshaking:
		if event == EventHandshake {
			return StateIdle, nil
		}
	case StateIdle:
		switch event {
		case EventInstall:
			return StateInstalling, nil
		case EventShutdown:
			return StateShuttingDown, nil
		}
	case StateInstalling:
		switch event {
		case EventResult, EventAbandon:
			return StateIdle, nil
		}
	case StateShuttingDown, StateClosed:
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
	return current, invalidTransition(current, event)
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("%w: invalid transition: %s --(%s)--> ?", ErrUnexpectedMessage, state, event)
}

// Machine tracks one side's view of a session conversation.
// It is not safe for concurrent use; each session drives its machine from a single goroutine.
type Machine struct {
	state    State
	inflight uint64
	lastID   uint64
	percent  int
	// stale holds abandoned request ids whose late messages are still expected.
	stale map[uint64]struct{}
	err   error
}

func NewMachine() *Machine {
	return &Machine{state: StateInit, stale: map[uint64]struct{}{}}
}

func (m *Machine) State() State { return m.state }

// InFlight returns the id of the request being installed, if any.
func (m *Machine) InFlight() (uint64, bool) {
	return m.inflight, m.state == StateInstalling
}

// Err returns the error that closed the machine, if any.
func (m *Machine) Err() error { return m.err }

func (m *Machine) apply(event Event) error {
	next, err := Transition(m.state, event)
	if err != nil {
		return m.Fail(err)
	}
	m.state = next
	return nil
}

func (m *Machine) Connect() error { return m.apply(EventConnect) }

// Handshake completes the handshake with the peer's protocol version.
func (m *Machine) Handshake(peerVersion int) error {
	if m.state == StateHandshaking && peerVersion != Version {
		return m.Fail(fmt.Errorf("%w: peer speaks %d, want %d", ErrVersionMismatch, peerVersion, Version))
	}
	return m.apply(EventHandshake)
}

// StartInstall marks id as in flight. Ids must be strictly increasing.
func (m *Machine) StartInstall(id uint64) error {
	if m.state == StateIdle && id <= m.lastID {
		return m.Fail(fmt.Errorf("%w: request %d does not follow %d", ErrSequenceMismatch, id, m.lastID))
	}
	if err := m.apply(EventInstall); err != nil {
		return err
	}
	m.inflight = id
	m.lastID = id
	m.percent = 0
	return nil
}

// Progress checks a progress report. It reports stale when the request was abandoned and the message should be dropped.
func (m *Machine) Progress(id uint64, percent int) (bool, error) {
	if _, ok := m.stale[id]; ok {
		return true, nil
	}
	if m.state != StateInstalling {
		return false, m.Fail(fmt.Errorf("%w: progress for %d in state %s", ErrUnexpectedMessage, id, m.state))
	}
	if id != m.inflight {
		return false, m.Fail(fmt.Errorf("%w: progress for %d while %d is in flight", ErrSequenceMismatch, id, m.inflight))
	}
	if percent < m.percent {
		return false, m.Fail(fmt.Errorf("%w: progress for %d went from %d to %d", ErrSequenceMismatch, id, m.percent, percent))
	}
	m.percent = percent
	return false, nil
}

// Finish checks a terminal result. It reports stale when the request was abandoned and the result should be dropped.
func (m *Machine) Finish(id uint64) (bool, error) {
	if _, ok := m.stale[id]; ok {
		delete(m.stale, id)
		return true, nil
	}
	if m.state == StateInstalling && id != m.inflight {
		return false, m.Fail(fmt.Errorf("%w: result for %d while %d is in flight", ErrSequenceMismatch, id, m.inflight))
	}
	return false, m.apply(EventResult)
}

// Abandon gives up on the in-flight request. Late messages for it are reported as stale.
func (m *Machine) Abandon(id uint64) error {
	if m.state == StateInstalling && id != m.inflight {
		return m.Fail(fmt.Errorf("%w: abandon %d while %d is in flight", ErrSequenceMismatch, id, m.inflight))
	}
	if err := m.apply(EventAbandon); err != nil {
		return err
	}
	m.stale[id] = struct{}{}
	return nil
}

func (m *Machine) Shutdown() error { return m.apply(EventShutdown) }

// Close moves the machine to Closed without recording an error.
func (m *Machine) Close() {
	m.state = StateClosed
}

// Fail moves the machine to Closed and records err as the cause. It returns err.
func (m *Machine) Fail(err error) error {
	m.state = StateClosed
	if m.err == nil {
		m.err = err
	}
	return err
}
