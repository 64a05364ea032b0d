package demux

import (
	"fmt"

	"go.uber.org/zap"
)

// Layout describes the per-model parts of the data word.
type Layout struct {
	Name      string
	Channels  int
	ValueMask uint32
	// RejectTrigger drops event words that carry the trigger flag (bit 21).
	RejectTrigger bool
}

var (
	// MTDC32 is the Mesytec MTDC-32 TDC: 16-bit times, trigger words flagged.
	MTDC32 = Layout{Name: "mtdc32", Channels: 32, ValueMask: 0xFFFF, RejectTrigger: true}
	// MADC32 is the Mesytec MADC-32 ADC: 13-bit amplitudes.
	MADC32 = Layout{Name: "madc32", Channels: 32, ValueMask: 0x1FFF}
)

// State of the frame state machine.
type State uint8

const (
	Idle State = iota
	InEvent
)

func (s State) String() string {
	if s == InEvent {
		return "InEvent"
	}
	return "Idle"
}

// Pair is one flushed channel value with the frame's trailing counter.
type Pair struct {
	Value   uint32
	Counter uint32
}

// IssueKind classifies a recoverable decode problem.
type IssueKind uint8

const (
	IssueDataOutsideFrame IssueKind = iota + 1
	IssueEndOutsideFrame
	IssueHeaderInFrame
	IssueChannelRange
	IssueLengthMismatch
	IssueUnknownSubSignature
)

func (k IssueKind) String() string {
	switch k {
	case IssueDataOutsideFrame:
		return "data_outside_frame"
	case IssueEndOutsideFrame:
		return "end_outside_frame"
	case IssueHeaderInFrame:
		return "header_in_frame"
	case IssueChannelRange:
		return "channel_out_of_range"
	case IssueLengthMismatch:
		return "length_mismatch"
	case IssueUnknownSubSignature:
		return "unknown_sub_signature"
	default:
		return fmt.Sprintf("IssueKind(%d)", uint8(k))
	}
}

// Issue is a protocol decode error. Decoding never stops on one.
type Issue struct {
	Kind   IssueKind
	Index  int
	Word   uint32
	Detail string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s at word %d (0x%08x): %s", i.Kind, i.Index, i.Word, i.Detail)
}

// Frame summarizes one decoded HEADER..END frame.
type Frame struct {
	Header Header
	// Words is the number of words actually consumed after the header, END included.
	Words    int
	Counter  uint32
	BusError bool
}

// Result of one Decode call.
type Result struct {
	// Channels is indexed by channel number; unpopulated channels are nil.
	Channels      [][]Pair
	Frames        []Frame
	Issues        []Issue
	ExtTimestamps int
	TriggerWords  int
}

// Populated returns the channels holding at least one pair, ascending.
func (r *Result) Populated() []int {
	var out []int
	for ch, pairs := range r.Channels {
		if len(pairs) > 0 {
			out = append(out, ch)
		}
	}
	return out
}

// Interleaved flattens a channel into value, counter, value, counter...
func (r *Result) Interleaved(ch int) []uint32 {
	if ch < 0 || ch >= len(r.Channels) {
		return nil
	}
	pairs := r.Channels[ch]
	out := make([]uint32, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out, p.Value, p.Counter)
	}
	return out
}

type accEntry struct {
	value uint32
	set   bool
}

// Decoder is the Idle/InEvent state machine. State survives across Decode
// calls, so a frame may span two blocks. Not safe for concurrent use.
type Decoder struct {
	layout      Layout
	singleEvent bool
	log         *zap.Logger
	onIssue     func(Issue)

	state    State
	header   Header
	consumed int
	acc      []accEntry
}

// Option configures a Decoder.
type Option func(*Decoder)

func WithLogger(l *zap.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.log = l
		}
	}
}

// WithSingleEvent stops each Decode call after the first complete frame.
func WithSingleEvent(on bool) Option {
	return func(d *Decoder) { d.singleEvent = on }
}

// WithIssueHook is called for every issue, after it is logged.
func WithIssueHook(fn func(Issue)) Option {
	return func(d *Decoder) { d.onIssue = fn }
}

func NewDecoder(layout Layout, opts ...Option) *Decoder {
	if layout.Channels <= 0 {
		layout.Channels = 32
	}
	if layout.ValueMask == 0 {
		layout.ValueMask = dataValueMask
	}
	d := &Decoder{
		layout: layout,
		log:    zap.NewNop(),
		acc:    make([]accEntry, layout.Channels),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(zap.String("layout", layout.Name))
	return d
}

func (d *Decoder) Layout() Layout { return d.layout }
func (d *Decoder) State() State   { return d.state }

// Reset drops any partial frame and returns to Idle.
func (d *Decoder) Reset() {
	d.state = Idle
	d.consumed = 0
	d.clear()
}

func (d *Decoder) clear() {
	for i := range d.acc {
		d.acc[i] = accEntry{}
	}
}

// Decode runs words through the state machine.
func (d *Decoder) Decode(words []uint32) *Result {
	res := &Result{Channels: make([][]Pair, d.layout.Channels)}

	for i, w := range words {
		if w == 0 {
			continue
		}

		switch SignatureOf(w) {
		case SigHeader:
			if d.state == InEvent {
				d.issue(res, Issue{Kind: IssueHeaderInFrame, Index: i, Word: w,
					Detail: fmt.Sprintf("previous frame of module %d discarded", d.header.ModuleID)})
			}
			d.state = InEvent
			d.header = DecodeHeader(w)
			d.consumed = 0
			d.clear()

		case SigData:
			if d.state != InEvent {
				d.issue(res, Issue{Kind: IssueDataOutsideFrame, Index: i, Word: w, Detail: "data word before header"})
				continue
			}
			d.consumed++
			d.data(res, i, w)

		case SigEnd, SigEndBERR:
			if d.state != InEvent {
				d.issue(res, Issue{Kind: IssueEndOutsideFrame, Index: i, Word: w, Detail: "end word before header"})
				continue
			}
			d.consumed++
			d.end(res, i, w)
			if d.singleEvent {
				return res
			}
		}
	}
	return res
}

func (d *Decoder) data(res *Result, i int, w uint32) {
	switch ClassifyData(w) {
	case DataEvent:
		hit := DecodeData(w)
		if hit.Trigger && d.layout.RejectTrigger {
			res.TriggerWords++
			return
		}
		if int(hit.Channel) >= d.layout.Channels {
			d.issue(res, Issue{Kind: IssueChannelRange, Index: i, Word: w,
				Detail: fmt.Sprintf("channel %d of %d", hit.Channel, d.layout.Channels)})
			return
		}
		d.acc[hit.Channel] = accEntry{value: w & d.layout.ValueMask, set: true}

	case DataExtTimestamp:
		res.ExtTimestamps++
		d.log.Debug("extended timestamp not merged",
			zap.Uint16("high", DecodeExtTimestamp(w).High))

	case DataDummy:

	default:
		d.issue(res, Issue{Kind: IssueUnknownSubSignature, Index: i, Word: w,
			Detail: fmt.Sprintf("sub-signature 0x%03x", (w>>subShift)&subMask)})
	}
}

func (d *Decoder) end(res *Result, i int, w uint32) {
	e := DecodeEnd(w)
	if int(d.header.DataLength) != d.consumed {
		d.issue(res, Issue{Kind: IssueLengthMismatch, Index: i, Word: w,
			Detail: fmt.Sprintf("header declares %d words, consumed %d", d.header.DataLength, d.consumed)})
	}

	for ch := range d.acc {
		if d.acc[ch].set {
			res.Channels[ch] = append(res.Channels[ch], Pair{Value: d.acc[ch].value, Counter: e.Counter})
		}
	}
	res.Frames = append(res.Frames, Frame{
		Header:   d.header,
		Words:    d.consumed,
		Counter:  e.Counter,
		BusError: e.BusError,
	})

	d.state = Idle
	d.consumed = 0
	d.clear()
}

func (d *Decoder) issue(res *Result, is Issue) {
	res.Issues = append(res.Issues, is)
	d.log.Warn("decode issue",
		zap.Stringer("kind", is.Kind),
		zap.Int("index", is.Index),
		zap.String("word", fmt.Sprintf("0x%08x", is.Word)),
		zap.String("detail", is.Detail))
	if d.onIssue != nil {
		d.onIssue(is)
	}
}
