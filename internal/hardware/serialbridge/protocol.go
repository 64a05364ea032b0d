// Package serialbridge drives a VME crate through a bus bridge attached to
// a serial line.
//
// Every access is one request frame answered by one response frame:
//
//	request:  0xA5 | op     | length (u16) | payload
//	response: 0x5A | status | length (u16) | payload
//
// All integers are big-endian. A block read answered with a bus error
// status still carries the words transferred before the error.
package serialbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mrzor/vme-daq/internal/hardware"
)

const (
	requestMagic  byte = 0xA5
	responseMagic byte = 0x5A
	headerSize         = 4
	maxPayload         = 0xFFFF
	// maxBlockWords is the largest block one response can carry.
	maxBlockWords = maxPayload / 4
)

type opcode byte

const (
	opRead16 opcode = iota + 1
	opWrite16
	opRead32
	opReadBlock
	opIRQStatus
	opSetLine
)

func (o opcode) String() string {
	switch o {
	case opRead16:
		return "read16"
	case opWrite16:
		return "write16"
	case opRead32:
		return "read32"
	case opReadBlock:
		return "block"
	case opIRQStatus:
		return "irq"
	case opSetLine:
		return "output"
	default:
		return fmt.Sprintf("op%d", byte(o))
	}
}

type status byte

const (
	statusOK status = iota
	statusBusError
	statusTimeout
	statusNotOpen
	statusBadRequest
)

var (
	errFraming    = errors.New("bridge framing error")
	errBadRequest = errors.New("request rejected by bridge")
)

func (s status) err() error {
	switch s {
	case statusOK:
		return nil
	case statusBusError:
		return hardware.ErrBusError
	case statusTimeout:
		return hardware.ErrTimeout
	case statusNotOpen:
		return hardware.ErrNotOpen
	case statusBadRequest:
		return errBadRequest
	default:
		return fmt.Errorf("%w: unknown status 0x%02x", errFraming, byte(s))
	}
}

func statusOf(err error) status {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, hardware.ErrBusError):
		return statusBusError
	case errors.Is(err, hardware.ErrTimeout):
		return statusTimeout
	case errors.Is(err, hardware.ErrNotOpen):
		return statusNotOpen
	default:
		return statusBadRequest
	}
}

func writeFrame(w io.Writer, magic, code byte, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("%w: payload of %d bytes", errFraming, len(payload))
	}
	frame := make([]byte, headerSize+len(payload))
	frame[0] = magic
	frame[1] = code
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[headerSize:], payload)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader, magic byte) (byte, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	if hdr[0] != magic {
		return 0, nil, fmt.Errorf("%w: magic 0x%02x, want 0x%02x", errFraming, hdr[0], magic)
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[2:4]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[1], payload, nil
}

// Serve answers bridge requests from rw against iface until rw reports
// EOF. It is the device side of the protocol and backs the bridge
// emulator used when no hardware is attached.
func Serve(rw io.ReadWriter, iface hardware.Interface) error {
	for {
		code, req, err := readFrame(rw, requestMagic)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		st, resp := handle(opcode(code), req, iface)
		if err := writeFrame(rw, responseMagic, byte(st), resp); err != nil {
			return err
		}
	}
}

func handle(op opcode, req []byte, iface hardware.Interface) (status, []byte) {
	be := binary.BigEndian
	switch {
	case op == opRead16 && len(req) == 4:
		v, err := iface.ReadRegister(be.Uint32(req))
		return statusOf(err), be.AppendUint16(nil, v)
	case op == opWrite16 && len(req) == 6:
		err := iface.WriteRegister(be.Uint32(req), be.Uint16(req[4:]))
		return statusOf(err), nil
	case op == opRead32 && len(req) == 4:
		v, err := iface.ReadWord(be.Uint32(req))
		return statusOf(err), be.AppendUint32(nil, v)
	case op == opReadBlock && len(req) == 7:
		count := int(be.Uint16(req[5:]))
		if count > maxBlockWords {
			return statusBadRequest, nil
		}
		words := make([]uint32, count)
		n, err := iface.ReadBlock(be.Uint32(req), hardware.TransferMode(req[4]), words)
		resp := make([]byte, 0, 4*n)
		for _, w := range words[:n] {
			resp = be.AppendUint32(resp, w)
		}
		return statusOf(err), resp
	case op == opIRQStatus && len(req) == 0:
		if iface.ReadIRQStatus() {
			return statusOK, []byte{1}
		}
		return statusOK, []byte{0}
	case op == opSetLine && len(req) == 2:
		err := iface.SetOutputLine(hardware.Line(req[0]), req[1] != 0)
		return statusOf(err), nil
	default:
		return statusBadRequest, nil
	}
}
