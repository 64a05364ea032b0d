//go:build linux

package acquisition

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const schedFIFO = 1

// pinThread binds the calling OS thread to cpu and raises its priority.
// Without CAP_SYS_NICE the real-time policy fails and the thread falls
// back to the lowest nice value it may take.
func pinThread(cpu, priority int) error {
	var errs []error
	if cpu >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			errs = append(errs, fmt.Errorf("pin to cpu %d: %w", cpu, err))
		}
	}
	if priority > 0 {
		attr := unix.SchedAttr{Policy: schedFIFO, Priority: uint32(priority)}
		if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
			if niceErr := unix.Setpriority(unix.PRIO_PROCESS, 0, -20); niceErr != nil {
				errs = append(errs, fmt.Errorf("raise priority: %w", errors.Join(err, niceErr)))
			}
		}
	}
	return errors.Join(errs...)
}
