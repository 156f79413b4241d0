package worker

import (
	"golang.org/x/sys/unix"
)

// pinCPU binds the calling OS thread to the CPU.
func pinCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
