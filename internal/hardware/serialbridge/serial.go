package serialbridge

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/mrzor/vme-daq/internal/hardware"
)

const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = 100 * time.Millisecond
)

// SerialConfig selects the serial device of a bridge.
type SerialConfig struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

// NewSerial creates a bridge on a serial port. The port is opened by Open.
func NewSerial(name string, cfg SerialConfig, opts ...Option) *Bridge {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return New(name, func() (io.ReadWriteCloser, error) {
		p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("serial open %s: %w", cfg.Device, err)
		}
		if err := p.SetReadTimeout(cfg.ReadTimeout); err != nil {
			_ = p.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("serial %s: %w", cfg.Device, err)
		}
		return timeoutPort{p}, nil
	}, opts...)
}

// timeoutPort turns the empty read a serial port returns on timeout into
// hardware.ErrTimeout, so framed reads cannot spin forever.
type timeoutPort struct {
	serial.Port
}

func (p timeoutPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil && len(b) > 0 {
		return 0, hardware.ErrTimeout
	}
	return n, err
}
