package hardware

import (
	"context"
	"fmt"
	"strings"
)

// TransferMode selects how a block of words is read from a module FIFO.
type TransferMode uint8

const (
	// TransferSingle reads one D32 word per bus cycle.
	TransferSingle TransferMode = iota
	TransferFIFO
	TransferBLT32
	TransferMBLT64
	TransferDMA
)

var transferModeNames = map[TransferMode]string{
	TransferSingle: "single",
	TransferFIFO:   "fifo",
	TransferBLT32:  "blt32",
	TransferMBLT64: "mblt64",
	TransferDMA:    "dma",
}

func (m TransferMode) String() string {
	if name, ok := transferModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("TransferMode(%d)", uint8(m))
}

// ParseTransferMode maps a configuration string to a TransferMode.
// The empty string selects TransferFIFO.
func ParseTransferMode(s string) (TransferMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TransferFIFO, nil
	}
	for mode, name := range transferModeNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer mode %q", s)
}

// Line identifies a discrete output line of the bus controller.
type Line uint8

const (
	// LineDeadTime is held for the whole acquisition cycle (global VETO).
	LineDeadTime Line = 1
	// LineModuleVeto is held while a single module is read out.
	LineModuleVeto Line = 2
	// LineBeam drives beam on/off for pulsed-beam runs.
	LineBeam Line = 3
)

func (l Line) String() string {
	switch l {
	case LineDeadTime:
		return "dead_time"
	case LineModuleVeto:
		return "module_veto"
	case LineBeam:
		return "beam"
	default:
		return fmt.Sprintf("line%d", uint8(l))
	}
}

// Interface is a bus master controlling one crate.
//
// Register accesses are A32/D16. ReadWord is a single A32/D32 access.
// ReadBlock fills buf starting at addr and returns the number of words read;
// a bus error after at least one word is returned together with n > 0.
type Interface interface {
	Name() string
	Open() error
	Close() error
	IsOpen() bool

	ReadRegister(addr uint32) (uint16, error)
	WriteRegister(addr uint32, value uint16) error
	ReadWord(addr uint32) (uint32, error)
	ReadBlock(addr uint32, mode TransferMode, buf []uint32) (int, error)

	ReadIRQStatus() bool
	SetOutputLine(line Line, on bool) error
}

// IRQWaiter is implemented by interfaces that can block until an interrupt
// is raised. The scheduler uses it in interrupt-driven mode.
type IRQWaiter interface {
	WaitIRQ(ctx context.Context) error
}
