package stream

import (
	"fmt"

	"wildcam/internal/models"
)

type StateKind int

const (
	StateIdle StateKind = iota
	StateSwitching
	StateRunning
	StateStopped
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateSwitching:
		return "switching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// State is the controller's current state. Source is set for Switching and
// Running; Message holds the display status text and is set for Switching,
// Error and an explicit stop.
type State struct {
	Kind    StateKind
	Source  models.SourceDescriptor
	Message string
}

func (s State) String() string {
	switch s.Kind {
	case StateRunning, StateSwitching:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Source.Name)
	case StateError:
		return fmt.Sprintf("error(%s)", s.Message)
	default:
		return s.Kind.String()
	}
}

type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerRunning
	WorkerStopping
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerRunning:
		return "running"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return fmt.Sprintf("worker(%d)", int32(s))
	}
}
