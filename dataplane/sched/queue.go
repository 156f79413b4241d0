// Package sched implements the time-ordered event queue of a worker.
package sched

import (
	"github.com/yanet-platform/tgen/dataplane/node"
)

type entry struct {
	time float64
	seq  uint64
	ref  node.Ref
}

func (m *entry) before(other *entry) bool {
	if m.time != other.time {
		return m.time < other.time
	}
	return m.seq < other.seq
}

// Queue orders node references by due time.
//
// Entries with equal times pop in insertion order. The queue stores the time
// a node had when it was pushed; nodes must not change their time while
// queued.
//
// Push and Pop do not allocate once the backing array has grown to the
// number of queued nodes.
type Queue struct {
	entries []entry
	seq     uint64
}

// NewQueue creates a queue with room for capacity entries.
func NewQueue(capacity int) *Queue {
	return &Queue{
		entries: make([]entry, 0, capacity),
	}
}

// Push schedules the reference at the time.
func (m *Queue) Push(time float64, ref node.Ref) {
	m.entries = append(m.entries, entry{time: time, seq: m.seq, ref: ref})
	m.seq++
	m.up(len(m.entries) - 1)
}

// Pop removes the earliest entry.
func (m *Queue) Pop() (float64, node.Ref, bool) {
	n := len(m.entries)
	if n == 0 {
		return 0, node.NoRef, false
	}

	e := m.entries[0]
	m.entries[0] = m.entries[n-1]
	m.entries = m.entries[:n-1]
	if n > 1 {
		m.down(0)
	}

	return e.time, e.ref, true
}

// Peek returns the earliest entry without removing it.
func (m *Queue) Peek() (float64, node.Ref, bool) {
	if len(m.entries) == 0 {
		return 0, node.NoRef, false
	}
	e := m.entries[0]
	return e.time, e.ref, true
}

// Len returns the number of queued entries.
func (m *Queue) Len() int {
	return len(m.entries)
}

func (m *Queue) up(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !m.entries[idx].before(&m.entries[parent]) {
			return
		}
		m.entries[idx], m.entries[parent] = m.entries[parent], m.entries[idx]
		idx = parent
	}
}

func (m *Queue) down(idx int) {
	n := len(m.entries)
	for {
		least := idx
		left := 2*idx + 1
		right := left + 1
		if left < n && m.entries[left].before(&m.entries[least]) {
			least = left
		}
		if right < n && m.entries[right].before(&m.entries[least]) {
			least = right
		}
		if least == idx {
			return
		}
		m.entries[idx], m.entries[least] = m.entries[least], m.entries[idx]
		idx = least
	}
}
