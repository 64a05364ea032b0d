package demux

import "fmt"

// Signature is the 2-bit word type in bits 30-31.
type Signature uint8

const (
	SigData    Signature = 0x0
	SigHeader  Signature = 0x1
	SigEndBERR Signature = 0x2
	SigEnd     Signature = 0x3
)

const (
	sigShift = 30
	sigMask  = 0x3
)

func (s Signature) String() string {
	switch s {
	case SigData:
		return "DATA"
	case SigHeader:
		return "HEADER"
	case SigEndBERR:
		return "END_BERR"
	case SigEnd:
		return "END"
	default:
		return fmt.Sprintf("Signature(%d)", uint8(s))
	}
}

// SignatureOf extracts the signature of w.
func SignatureOf(w uint32) Signature {
	return Signature((w >> sigShift) & sigMask)
}

const (
	hdrLengthMask  = 0xFFF
	hdrResShift    = 12
	hdrResMask     = 0xF
	hdrModuleShift = 16
	hdrModuleMask  = 0xFF
)

// Header opens a frame.
type Header struct {
	// DataLength counts the 32-bit words that follow the header, END included.
	DataLength uint16
	Resolution uint8
	ModuleID   uint8
}

func DecodeHeader(w uint32) Header {
	return Header{
		DataLength: uint16(w & hdrLengthMask),
		Resolution: uint8((w >> hdrResShift) & hdrResMask),
		ModuleID:   uint8((w >> hdrModuleShift) & hdrModuleMask),
	}
}

func (h Header) Encode() uint32 {
	return uint32(SigHeader)<<sigShift |
		uint32(h.ModuleID)<<hdrModuleShift |
		uint32(h.Resolution&hdrResMask)<<hdrResShift |
		uint32(h.DataLength)&hdrLengthMask
}

// Sub-signatures of DATA words, as the 9-bit field in bits 21-29. Event
// words only define the upper 8 bits; bit 21 is the trigger flag.
const (
	SubDummy        = 0x000
	SubEvent        = 0x020
	SubExtTimestamp = 0x024
)

const (
	subShift       = 21
	subMask        = 0x1FF
	dataValueMask  = 0xFFFF
	dataChanShift  = 16
	dataChanMask   = 0x1F
	dataTrigShift  = 21
	endCounterMask = 0x3FFFFFFF
)

// DataKind classifies a DATA word by its sub-signature.
type DataKind uint8

const (
	DataUnknown DataKind = iota
	DataEvent
	DataExtTimestamp
	DataDummy
)

func (k DataKind) String() string {
	switch k {
	case DataEvent:
		return "event"
	case DataExtTimestamp:
		return "ext_timestamp"
	case DataDummy:
		return "dummy"
	default:
		return "unknown"
	}
}

// ClassifyData returns the sub-kind of a DATA word.
func ClassifyData(w uint32) DataKind {
	sub := (w >> subShift) & subMask
	switch {
	case sub == SubExtTimestamp:
		return DataExtTimestamp
	case sub>>1 == SubEvent>>1:
		return DataEvent
	case sub == SubDummy:
		return DataDummy
	default:
		return DataUnknown
	}
}

// Data is one channel hit.
type Data struct {
	Value   uint16
	Channel uint8
	Trigger bool
}

func DecodeData(w uint32) Data {
	return Data{
		Value:   uint16(w & dataValueMask),
		Channel: uint8((w >> dataChanShift) & dataChanMask),
		Trigger: (w>>dataTrigShift)&1 == 1,
	}
}

func (d Data) Encode() uint32 {
	w := uint32(SigData)<<sigShift |
		uint32(SubEvent)<<subShift |
		uint32(d.Channel&dataChanMask)<<dataChanShift |
		uint32(d.Value)
	if d.Trigger {
		w |= 1 << dataTrigShift
	}
	return w
}

// ExtTimestamp carries the high 16 bits of an extended timestamp.
type ExtTimestamp struct {
	High uint16
}

func DecodeExtTimestamp(w uint32) ExtTimestamp {
	return ExtTimestamp{High: uint16(w & dataValueMask)}
}

func (e ExtTimestamp) Encode() uint32 {
	return uint32(SigData)<<sigShift | uint32(SubExtTimestamp)<<subShift | uint32(e.High)
}

// End closes a frame with the event counter or timestamp.
type End struct {
	Counter  uint32
	BusError bool
}

func DecodeEnd(w uint32) End {
	return End{
		Counter:  w & endCounterMask,
		BusError: SignatureOf(w) == SigEndBERR,
	}
}

func (e End) Encode() uint32 {
	sig := SigEnd
	if e.BusError {
		sig = SigEndBERR
	}
	return uint32(sig)<<sigShift | e.Counter&endCounterMask
}
