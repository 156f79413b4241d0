package worker

import (
	"fmt"
)

// EventKind is the kind of a worker event.
type EventKind uint8

const (
	// EventPortStopped is sent when all traffic on a port stopped.
	EventPortStopped EventKind = iota
	// EventAllocDegraded is sent when a node went dormant because it could
	// not get a buffer.
	EventAllocDegraded
	// EventInvalidSuccessor is sent when a chain pointed to a node that
	// could not be activated.
	EventInvalidSuccessor
	// EventCommandFailed is sent when a command could not be executed.
	EventCommandFailed
)

func (m EventKind) String() string {
	switch m {
	case EventPortStopped:
		return "port_stopped"
	case EventAllocDegraded:
		return "alloc_degraded"
	case EventInvalidSuccessor:
		return "invalid_successor"
	case EventCommandFailed:
		return "command_failed"
	default:
		return fmt.Sprintf("event(%d)", uint8(m))
	}
}

// Event is a notification from a worker to the control plane.
type Event struct {
	Worker int
	Kind   EventKind
	Port   uint8
	// Time is the worker time the event happened at.
	Time float64
	Err  error
}
