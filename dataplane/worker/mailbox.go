package worker

import (
	"errors"

	"github.com/yanet-platform/tgen/dataplane/node"
)

// ErrMailboxFull is returned when the worker is not draining its mailbox
// fast enough.
var ErrMailboxFull = errors.New("worker mailbox is full")

// Mailbox is the only way into a running worker.
type Mailbox struct {
	ch chan node.Command
}

// NewMailbox creates a mailbox holding up to size commands.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		ch: make(chan node.Command, size),
	}
}

// TrySend enqueues the command without blocking.
func (m *Mailbox) TrySend(cmd node.Command) error {
	select {
	case m.ch <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Len returns the number of commands waiting.
func (m *Mailbox) Len() int {
	return len(m.ch)
}
