package module

import (
	"sync"

	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/mrzor/vme-daq/internal/hardware"
)

// Emulator models the registers and readout FIFO of a Mesytec module.
// It implements hardware.Device.
type Emulator struct {
	mu       sync.Mutex
	regs     map[uint32]uint16
	fifo     []uint32
	counter  uint32
	notify   func()
	failNext error

	softResets    int
	readoutResets int
}

func NewEmulator() *Emulator {
	return &Emulator{
		regs: map[uint32]uint16{
			RegFirmware:         FirmwareExpected,
			RegDataLengthFormat: DataLength32,
			RegIRQThreshold:     1,
		},
	}
}

// SetNotify installs the callback run after every Trigger, usually Sim.Notify.
func (e *Emulator) SetNotify(fn func()) {
	e.mu.Lock()
	e.notify = fn
	e.mu.Unlock()
}

// FailNextWrite makes the next register write return err.
func (e *Emulator) FailNextWrite(err error) {
	e.mu.Lock()
	e.failNext = err
	e.mu.Unlock()
}

// Trigger appends one frame holding hits to the FIFO.
func (e *Emulator) Trigger(hits ...demux.Data) {
	e.mu.Lock()
	e.counter++
	words := make([]uint32, 0, len(hits)+2)
	words = append(words, demux.Header{
		DataLength: uint16(len(hits) + 1),
		ModuleID:   uint8(e.regs[RegModuleID]),
	}.Encode())
	for _, h := range hits {
		words = append(words, h.Encode())
	}
	words = append(words, demux.End{Counter: e.counter}.Encode())
	e.fifo = append(e.fifo, words...)
	notify := e.notify
	e.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Inject appends raw words to the FIFO.
func (e *Emulator) Inject(words ...uint32) {
	e.mu.Lock()
	e.fifo = append(e.fifo, words...)
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Pending is the number of words waiting in the FIFO.
func (e *Emulator) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fifo)
}

func (e *Emulator) ReadoutResets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readoutResets
}

func (e *Emulator) SoftResets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.softResets
}

// Register returns the last value written to offset.
func (e *Emulator) Register(offset uint32) uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regs[offset]
}

func (e *Emulator) ReadRegister(offset uint32) (uint16, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch offset {
	case RegBufferDataLength:
		return e.bufferLength(), nil
	case RegDataReady:
		if len(e.fifo) > 0 {
			return 1, nil
		}
		return 0, nil
	case RegEventCounterLow:
		return uint16(e.counter), nil
	case RegEventCounterHigh:
		return uint16(e.counter >> 16), nil
	default:
		return e.regs[offset], nil
	}
}

func (e *Emulator) bufferLength() uint16 {
	n := len(e.fifo)
	switch e.regs[RegDataLengthFormat] {
	case DataLength8:
		n *= 4
	case DataLength16:
		n *= 2
	case DataLength64:
		n = (n + 1) / 2
	}
	if n > 0xFFFF {
		n = 0xFFFF
	}
	return uint16(n)
}

func (e *Emulator) WriteRegister(offset uint32, value uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failNext; err != nil {
		e.failNext = nil
		return err
	}
	switch offset {
	case RegSoftReset:
		e.softResets++
		e.fifo = nil
		e.counter = 0
	case RegFIFOReset:
		e.fifo = nil
	case RegReadoutReset:
		e.readoutResets++
	case RegResetCounterAB:
		e.counter = 0
	default:
		e.regs[offset] = value
	}
	return nil
}

// ReadBlock pops words from the FIFO. A short read ends with a bus error,
// as the module signals an empty FIFO with BERR.
func (e *Emulator) ReadBlock(offset uint32, buf []uint32) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if offset != RegDataFIFO {
		return 0, hardware.ErrBusError
	}
	n := copy(buf, e.fifo)
	e.fifo = e.fifo[n:]
	if n < len(buf) {
		return n, hardware.ErrBusError
	}
	return n, nil
}

// IRQ is raised while the FIFO holds at least the IRQ threshold and the
// IRQ level is non-zero.
func (e *Emulator) IRQ() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.regs[RegIRQLevel] == 0 || len(e.fifo) == 0 {
		return false
	}
	threshold := int(e.regs[RegIRQThreshold])
	if threshold == 0 {
		threshold = 1
	}
	return len(e.fifo) >= threshold
}
