package node

import (
	"unsafe"

	"github.com/yanet-platform/tgen/common/go/slab"
)

// CommandNode carries a control-plane command into the event stream.
type CommandNode struct {
	Base

	cmd  slab.Handle
	done bool
	_    [NodeSize - baseSize - 5]byte
}

// Node returns the pool slot holding the node.
func (m *CommandNode) Node() *Node {
	return (*Node)(unsafe.Pointer(m))
}

// Create takes ownership of the command.
func (m *CommandNode) Create(env *Env, cmd Command) {
	m.cmd = env.Commands.Put(cmd)
	m.done = false
}

// Handle executes the command once, then releases it.
func (m *CommandNode) Handle(thread Thread) {
	env := thread.Env()

	cmd := env.Commands.Get(m.cmd)
	if m.done || cmd == nil {
		return
	}
	c := *cmd

	c.Execute(thread)

	m.FreeCommand(env)
	m.done = true
}

// FreeCommand drops the command. Safe to call more than once.
func (m *CommandNode) FreeCommand(env *Env) {
	env.Commands.Take(m.cmd)
	m.cmd = slab.Nil
}

// MarkForFree cancels a command that has not run yet.
func (m *CommandNode) MarkForFree() {
	m.done = true
}

// IsMarkedForFree reports whether the command was consumed or canceled.
func (m *CommandNode) IsMarkedForFree() bool {
	return m.done
}
