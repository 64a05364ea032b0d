package hardware

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Device is a register-level model of one module in a simulated crate.
// Offsets are relative to the device base address.
type Device interface {
	ReadRegister(offset uint32) (uint16, error)
	WriteRegister(offset uint32, value uint16) error
	ReadBlock(offset uint32, buf []uint32) (int, error)
	IRQ() bool
}

// LineChange records one SetOutputLine call on a simulated crate.
type LineChange struct {
	Line Line
	On   bool
}

// Sim is an in-process crate. Devices are attached at base addresses and
// decoded with BaseMask; accesses outside any device are bus errors.
type Sim struct {
	mu       sync.Mutex
	name     string
	open     bool
	devices  map[uint32]Device
	lines    map[Line]bool
	history  []LineChange
	forceIRQ bool
	opens    int
	notify   chan struct{}
}

// BaseMask selects the base-address bits of a simulated access.
const BaseMask uint32 = 0xFFFF0000

// LineHistoryLimit bounds the recorded line changes; older ones are dropped.
const LineHistoryLimit = 1024

// NewSim creates an empty, closed simulated crate.
func NewSim(name string) *Sim {
	return &Sim{
		name:    name,
		devices: make(map[uint32]Device),
		lines:   make(map[Line]bool),
		notify:  make(chan struct{}, 1),
	}
}

// Attach maps a device at base. Replaces any device already there.
func (s *Sim) Attach(base uint32, d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[base&BaseMask] = d
}

// Notify wakes a pending WaitIRQ. Devices call it when they raise an interrupt.
func (s *Sim) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// ForceIRQ makes ReadIRQStatus report on regardless of device state.
func (s *Sim) ForceIRQ(on bool) {
	s.mu.Lock()
	s.forceIRQ = on
	s.mu.Unlock()
	if on {
		s.Notify()
	}
}

func (s *Sim) Name() string { return s.name }

func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		s.open = true
		s.opens++
	}
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Sim) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Opens returns how many times the crate went from closed to open.
func (s *Sim) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Sim) device(op string, addr uint32) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil, &AccessError{Op: op, Addr: addr, Err: ErrNotOpen}
	}
	d, ok := s.devices[addr&BaseMask]
	if !ok {
		return nil, &AccessError{Op: op, Addr: addr, Err: ErrBusError}
	}
	return d, nil
}

func (s *Sim) ReadRegister(addr uint32) (uint16, error) {
	d, err := s.device("read16", addr)
	if err != nil {
		return 0, err
	}
	v, err := d.ReadRegister(addr &^ BaseMask)
	if err != nil {
		return 0, &AccessError{Op: "read16", Addr: addr, Err: err}
	}
	return v, nil
}

func (s *Sim) WriteRegister(addr uint32, value uint16) error {
	d, err := s.device("write16", addr)
	if err != nil {
		return err
	}
	if err := d.WriteRegister(addr&^BaseMask, value); err != nil {
		return &AccessError{Op: "write16", Addr: addr, Err: err}
	}
	return nil
}

func (s *Sim) ReadWord(addr uint32) (uint32, error) {
	var w [1]uint32
	n, err := s.ReadBlock(addr, TransferSingle, w[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, &AccessError{Op: "read32", Addr: addr, Err: ErrBusError}
	}
	return w[0], nil
}

func (s *Sim) ReadBlock(addr uint32, mode TransferMode, buf []uint32) (int, error) {
	op := "block/" + mode.String()
	d, err := s.device(op, addr)
	if err != nil {
		return 0, err
	}
	n, err := d.ReadBlock(addr&^BaseMask, buf)
	if err != nil {
		return n, &AccessError{Op: op, Addr: addr, Err: err}
	}
	return n, nil
}

func (s *Sim) ReadIRQStatus() bool {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return false
	}
	if s.forceIRQ {
		s.mu.Unlock()
		return true
	}
	devices := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	s.mu.Unlock()

	for _, d := range devices {
		if d.IRQ() {
			return true
		}
	}
	return false
}

func (s *Sim) SetOutputLine(line Line, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return &AccessError{Op: fmt.Sprintf("output/%s", line), Err: ErrNotOpen}
	}
	s.lines[line] = on
	if len(s.history) == LineHistoryLimit {
		n := copy(s.history, s.history[1:])
		s.history = s.history[:n]
	}
	s.history = append(s.history, LineChange{Line: line, On: on})
	return nil
}

// WaitIRQ blocks until ReadIRQStatus reports on or ctx is done.
func (s *Sim) WaitIRQ(ctx context.Context) error {
	for {
		if s.ReadIRQStatus() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
}

// Line returns the current level of an output line.
func (s *Sim) Line(line Line) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines[line]
}

// LineHistory returns the most recent SetOutputLine calls in order, at most
// LineHistoryLimit of them.
func (s *Sim) LineHistory() []LineChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LineChange, len(s.history))
	copy(out, s.history)
	return out
}

// ResetLineHistory clears the recorded line changes.
func (s *Sim) ResetLineHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// Bases returns the attached base addresses in ascending order.
func (s *Sim) Bases() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.devices))
	for b := range s.devices {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
