package worker

import (
	"time"
)

// Clock maps event times to the wall clock.
type Clock interface {
	// Now returns the current time in seconds.
	Now() float64
	// Until returns how long to wait before the time is due.
	Until(ts float64) time.Duration
	// Advance is called when the worker handles an event due at ts.
	Advance(ts float64)
}

// VirtualClock jumps from event to event without waiting.
type VirtualClock struct {
	now float64
}

// NewVirtualClock creates a clock starting at zero.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

func (m *VirtualClock) Now() float64 {
	return m.now
}

func (m *VirtualClock) Until(float64) time.Duration {
	return 0
}

func (m *VirtualClock) Advance(ts float64) {
	if ts > m.now {
		m.now = ts
	}
}

// RealtimeClock counts seconds from a start instant.
type RealtimeClock struct {
	start time.Time
}

// NewRealtimeClock creates a clock whose zero is start.
func NewRealtimeClock(start time.Time) *RealtimeClock {
	return &RealtimeClock{start: start}
}

func (m *RealtimeClock) Now() float64 {
	return time.Since(m.start).Seconds()
}

func (m *RealtimeClock) Until(ts float64) time.Duration {
	return time.Until(m.start.Add(time.Duration(ts * float64(time.Second))))
}

func (m *RealtimeClock) Advance(float64) {}
