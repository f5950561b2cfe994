package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/envo/internal/chat"
)

type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

// AllStates lists every state, used to reset the state gauge.
var AllStates = []string{
	string(StateCreated),
	string(StateStarting),
	string(StateRunning),
	string(StateStopping),
	string(StateStopped),
	string(StateCrashed),
}

// Status is an immutable snapshot of the runtime lifecycle.
type Status struct {
	State    State
	Identity chat.Identity
	Reason   string
	Since    time.Time
}

func (s Status) Ready() bool { return s.State == StateRunning }

func (s Status) String() string {
	switch s.State {
	case StateRunning:
		return fmt.Sprintf("running as %s", s.Identity)
	case StateCrashed:
		return fmt.Sprintf("crashed: %s", s.Reason)
	default:
		return string(s.State)
	}
}

// ShutdownSignal is a single-fire broadcast. Trigger may be called from any
// goroutine any number of times.
type ShutdownSignal struct {
	once sync.Once
	ch   chan struct{}
}

func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{ch: make(chan struct{})}
}

func (s *ShutdownSignal) Trigger() {
	s.once.Do(func() { close(s.ch) })
}

func (s *ShutdownSignal) Done() <-chan struct{} { return s.ch }

func (s *ShutdownSignal) Triggered() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
