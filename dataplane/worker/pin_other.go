//go:build !linux

package worker

import (
	"errors"
)

func pinCPU(int) error {
	return errors.New("CPU pinning is only supported on linux")
}
