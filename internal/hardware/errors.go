package hardware

import (
	"errors"
	"fmt"
)

var (
	// ErrBusError is a VME bus error (BERR) on an access.
	ErrBusError = errors.New("bus error")
	// ErrTimeout is an access that got no answer in time.
	ErrTimeout = errors.New("bus timeout")
	// ErrNotOpen is returned for accesses on a closed interface.
	ErrNotOpen = errors.New("interface not open")
)

// AccessError describes a failed register or block access.
type AccessError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s at 0x%08x: %v", e.Op, e.Addr, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// IsBusError reports whether err is, or wraps, a bus error.
func IsBusError(err error) bool {
	return errors.Is(err, ErrBusError)
}

// IsTransient reports whether err is a bus error or timeout. Transient
// errors are logged and the acquisition cycle continues.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBusError) || errors.Is(err, ErrTimeout)
}
