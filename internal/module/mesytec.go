package module

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/mrzor/vme-daq/internal/event"
	"github.com/mrzor/vme-daq/internal/hardware"
	"go.uber.org/zap"
)

const (
	TypeMTDC32 = "mesytec-mtdc32"
	TypeMADC32 = "mesytec-madc32"
)

// Output modes of a Mesytec adapter.
const (
	// OutputChannels decodes in place into one slot per channel ("out N").
	OutputChannels = "channels"
	// OutputRaw stores the readout verbatim in the "raw out" slot.
	OutputRaw = "raw"
)

// RawSlotName is the slot used by OutputRaw.
const RawSlotName = "raw out"

// ChannelSlotName is the slot of channel ch in OutputChannels mode.
func ChannelSlotName(ch int) string { return fmt.Sprintf("out %d", ch) }

// MesytecConfig is the register configuration of a Mesytec module.
// On the MADC-32, the window fields program gate delay and width.
type MesytecConfig struct {
	ModuleID         uint16 `mapstructure:"module_id"`
	AddrSource       uint16 `mapstructure:"addr_source"`
	AddrRegister     uint16 `mapstructure:"addr_register"`
	IRQLevel         uint16 `mapstructure:"irq_level"`
	IRQVector        uint16 `mapstructure:"irq_vector"`
	IRQThreshold     uint16 `mapstructure:"irq_threshold"`
	MaxTransferData  uint16 `mapstructure:"max_transfer_data"`
	CBLTMCSTCtrl     uint16 `mapstructure:"cblt_mcst_ctrl"`
	CBLTAddress      uint16 `mapstructure:"cblt_address"`
	MCSTAddress      uint16 `mapstructure:"mcst_address"`
	DataLengthFormat uint16 `mapstructure:"data_length_format"`
	MultiEventMode   uint16 `mapstructure:"multi_event_mode"`
	MaxDataLimit     bool   `mapstructure:"max_data_limit"`
	EOBBusError      bool   `mapstructure:"eob_berr"`
	MarkingType      uint16 `mapstructure:"marking_type"`
	BankMode         uint16 `mapstructure:"bank_mode"`
	Resolution       uint16 `mapstructure:"resolution"`
	OutputFormat     uint16 `mapstructure:"output_format"`

	WindowStart    [2]uint16 `mapstructure:"window_start"`
	WindowWidth    [2]uint16 `mapstructure:"window_width"`
	TriggerSource  [2]uint16 `mapstructure:"trigger_source"`
	FirstHit       uint16    `mapstructure:"first_hit"`
	NegativeEdge   uint16    `mapstructure:"negative_edge"`
	ECLTermination uint16    `mapstructure:"ecl_termination"`
	ECLTrig1Mode   uint16    `mapstructure:"ecl_trig1_mode"`
	ECLOutMode     uint16    `mapstructure:"ecl_out_mode"`
	TriggerSelect  uint16    `mapstructure:"trigger_select"`
	NIMTrig1Mode   uint16    `mapstructure:"nim_trig1_mode"`
	NIMBusy        uint16    `mapstructure:"nim_busy"`
	PulserMode     uint16    `mapstructure:"pulser_mode"`
	PulserPattern  uint16    `mapstructure:"pulser_pattern"`
	InputThreshold [2]uint16 `mapstructure:"input_threshold"`

	TimestampSource   bool   `mapstructure:"timestamp_source"`
	ExtTimestampReset bool   `mapstructure:"ext_timestamp_reset"`
	TimestampDivisor  uint16 `mapstructure:"timestamp_divisor"`

	HighLimit [2]uint16 `mapstructure:"high_limit"`
	LowLimit  [2]uint16 `mapstructure:"low_limit"`

	// Thresholds are the MADC-32 per-channel thresholds, channel order.
	Thresholds []uint16 `mapstructure:"thresholds"`

	Transfer string `mapstructure:"transfer"`
	Output   string `mapstructure:"output"`
	Channels int    `mapstructure:"channels"`
}

// DefaultMesytecConfig returns the configuration used for unset settings.
func DefaultMesytecConfig() MesytecConfig {
	return MesytecConfig{
		IRQLevel:         1,
		IRQThreshold:     1,
		DataLengthFormat: DataLength32,
		WindowStart:      [2]uint16{16384 - 32, 16384 - 32},
		WindowWidth:      [2]uint16{32, 32},
		TriggerSource:    [2]uint16{2, 0},
		FirstHit:         3,
		TimestampDivisor: 1,
		HighLimit:        [2]uint16{255, 255},
		Transfer:         "fifo",
		Output:           OutputChannels,
		Channels:         32,
	}
}

type variant struct {
	typeName   string
	layout     demux.Layout
	resolution func(uint16) uint16
	thresholds bool
}

var (
	mtdc32Variant = variant{
		typeName:   TypeMTDC32,
		layout:     demux.MTDC32,
		resolution: func(r uint16) uint16 { return 2 + r },
	}
	madc32Variant = variant{
		typeName:   TypeMADC32,
		layout:     demux.MADC32,
		resolution: func(r uint16) uint16 { return r },
		thresholds: true,
	}
)

// Mesytec is the adapter for MTDC-32 and MADC-32 modules.
type Mesytec struct {
	name    string
	variant variant
	base    uint32
	trigger bool
	cfg     MesytecConfig
	mode    hardware.TransferMode
	iface   hardware.Interface
	log     *zap.Logger

	decoder *demux.Decoder
	raw     *demux.RawCollector

	slots   []*event.Slot
	chSlots []*event.Slot
	rawSlot *event.Slot

	scratch []uint32
}

// NewMTDC32 is the Factory for TypeMTDC32.
func NewMTDC32(spec Spec, deps Deps) (Module, error) {
	return newMesytec(mtdc32Variant, spec, deps)
}

// NewMADC32 is the Factory for TypeMADC32.
func NewMADC32(spec Spec, deps Deps) (Module, error) {
	return newMesytec(madc32Variant, spec, deps)
}

func newMesytec(v variant, spec Spec, deps Deps) (*Mesytec, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg := DefaultMesytecConfig()
	if err := decodeSettings(spec.Settings, &cfg); err != nil {
		return nil, fmt.Errorf("module %q: %w", spec.Name, err)
	}
	mode, err := hardware.ParseTransferMode(cfg.Transfer)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", spec.Name, err)
	}
	if cfg.Channels <= 0 || cfg.Channels > v.layout.Channels {
		return nil, fmt.Errorf("module %q: channels must be in 1..%d, got %d", spec.Name, v.layout.Channels, cfg.Channels)
	}
	if cfg.DataLengthFormat > DataLength64 {
		return nil, fmt.Errorf("module %q: data_length_format must be 0..3, got %d", spec.Name, cfg.DataLengthFormat)
	}

	log := deps.Logger.Named("module").With(zap.String("module", spec.Name), zap.String("type", v.typeName))
	m := &Mesytec{
		name:    spec.Name,
		variant: v,
		base:    spec.Base,
		trigger: spec.Trigger,
		cfg:     cfg,
		mode:    mode,
		iface:   deps.Interface,
		log:     log,
	}

	layout := v.layout
	layout.Channels = cfg.Channels

	switch strings.ToLower(cfg.Output) {
	case OutputChannels:
		opts := []demux.Option{demux.WithLogger(log), demux.WithSingleEvent(deps.SingleEvent)}
		if deps.OnIssue != nil {
			onIssue := deps.OnIssue
			opts = append(opts, demux.WithIssueHook(func(is demux.Issue) { onIssue(spec.Name, is) }))
		}
		m.decoder = demux.NewDecoder(layout, opts...)
		for ch := 0; ch < cfg.Channels; ch++ {
			s, err := deps.Slots.Register(spec.Name, ChannelSlotName(ch), event.KindWords)
			if err != nil {
				return nil, err
			}
			m.chSlots = append(m.chSlots, s)
		}
		m.slots = m.chSlots
	case OutputRaw:
		m.raw = demux.NewRawCollector(maxFIFOWords)
		s, err := deps.Slots.Register(spec.Name, RawSlotName, event.KindWords)
		if err != nil {
			return nil, err
		}
		m.rawSlot = s
		m.slots = []*event.Slot{s}
	default:
		return nil, fmt.Errorf("module %q: unknown output mode %q", spec.Name, cfg.Output)
	}

	return m, nil
}

func decodeSettings(settings map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(settings); err != nil {
		return fmt.Errorf("decoding settings: %w", err)
	}
	return nil
}

func (m *Mesytec) Name() string          { return m.name }
func (m *Mesytec) Type() string          { return m.variant.typeName }
func (m *Mesytec) BaseAddress() uint32   { return m.base }
func (m *Mesytec) Slots() []*event.Slot  { return m.slots }
func (m *Mesytec) IsTrigger() bool       { return m.trigger }
func (m *Mesytec) SetTrigger(on bool)    { m.trigger = on }
func (m *Mesytec) Config() MesytecConfig { return m.cfg }

type regWrite struct {
	name   string
	offset uint32
	value  uint16
}

func (m *Mesytec) registerWrites() []regWrite {
	c := m.cfg
	irqLevel := c.IRQLevel
	if !m.trigger {
		irqLevel = 0
	}
	multiEvent := c.MultiEventMode & 0x3
	if c.MaxDataLimit {
		multiEvent |= MultiEventMaxData
	}
	if c.EOBBusError {
		multiEvent |= MultiEventEOBBusError
	}
	var tsSource uint16
	if c.TimestampSource {
		tsSource |= 1 << 0
	}
	if c.ExtTimestampReset {
		tsSource |= 1 << 1
	}

	writes := []regWrite{
		{"addr_source", RegAddrSource, c.AddrSource},
		{"addr_register", RegAddrRegister, c.AddrRegister},
		{"module_id", RegModuleID, c.ModuleID},
		{"irq_level", RegIRQLevel, irqLevel},
		{"irq_vector", RegIRQVector, c.IRQVector},
		{"irq_threshold", RegIRQThreshold, c.IRQThreshold},
		{"max_transfer_data", RegMaxTransferData, c.MaxTransferData},
		{"cblt_mcst_ctrl", RegCBLTMCSTCtrl, c.CBLTMCSTCtrl},
		{"cblt_address", RegCBLTAddress, c.CBLTAddress},
		{"mcst_address", RegMCSTAddress, c.MCSTAddress},
		{"data_length_format", RegDataLengthFormat, c.DataLengthFormat},
		{"multi_event_mode", RegMultiEventMode, multiEvent},
		{"marking_type", RegMarkingType, c.MarkingType},
		{"bank_mode", RegBankMode, c.BankMode},
		{"resolution", RegResolution, m.variant.resolution(c.Resolution)},
		{"output_format", RegOutputFormat, c.OutputFormat},
		{"bank0_win_start", RegBank0WinStart, c.WindowStart[0]},
		{"bank1_win_start", RegBank1WinStart, c.WindowStart[1]},
		{"bank0_win_width", RegBank0WinWidth, c.WindowWidth[0]},
		{"bank1_win_width", RegBank1WinWidth, c.WindowWidth[1]},
		{"bank0_trig_source", RegBank0TrigSource, c.TriggerSource[0]},
		{"bank1_trig_source", RegBank1TrigSource, c.TriggerSource[1]},
		{"first_hit", RegFirstHit, c.FirstHit},
		{"negative_edge", RegNegativeEdge, c.NegativeEdge},
		{"ecl_terminated", RegECLTerminated, c.ECLTermination},
		{"ecl_trig1_osc", RegECLTrig1Osc, c.ECLTrig1Mode},
		{"trig_select", RegTrigSelect, c.TriggerSelect},
		{"ecl_out_config", RegECLOutConfig, c.ECLOutMode},
		{"nim_trig1_osc", RegNIMTrig1Osc, c.NIMTrig1Mode},
		{"nim_busy", RegNIMBusy, c.NIMBusy},
		{"pulser_status", RegPulserStatus, c.PulserMode},
		{"pulser_pattern", RegPulserPattern, c.PulserPattern},
		{"bank0_input_thr", RegBank0InputThr, c.InputThreshold[0]},
		{"bank1_input_thr", RegBank1InputThr, c.InputThreshold[1]},
		{"timestamp_source", RegTimestampSource, tsSource},
		{"timestamp_divisor", RegTimestampDivisor, c.TimestampDivisor},
		{"high_limit0", RegHighLimit0, c.HighLimit[0]},
		{"low_limit0", RegLowLimit0, c.LowLimit[0]},
		{"high_limit1", RegHighLimit1, c.HighLimit[1]},
		{"low_limit1", RegLowLimit1, c.LowLimit[1]},
	}
	if m.variant.thresholds {
		for ch, thr := range c.Thresholds {
			if ch >= m.variant.layout.Channels {
				break
			}
			writes = append(writes, regWrite{
				name:   fmt.Sprintf("threshold%d", ch),
				offset: RegThresholdBase + uint32(2*ch),
				value:  thr,
			})
		}
	}
	return writes
}

// Configure writes every register. A failed write is logged and the
// remaining writes still happen; all failures are returned joined.
func (m *Mesytec) Configure() error {
	if m.iface == nil {
		return fmt.Errorf("%s: configure: %w", m.name, ErrNoInterface)
	}
	if !m.iface.IsOpen() {
		return fmt.Errorf("%s: configure: %w", m.name, hardware.ErrNotOpen)
	}

	var errs []error
	for _, w := range m.registerWrites() {
		if err := m.iface.WriteRegister(m.base+w.offset, w.value); err != nil {
			m.log.Warn("register write failed", zap.String("register", w.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", w.name, err))
		}
	}
	if err := m.counterResetAll(); err != nil {
		errs = append(errs, fmt.Errorf("counter reset: %w", err))
	}

	if fw, err := m.iface.ReadRegister(m.base + RegFirmware); err == nil && fw != FirmwareExpected {
		m.log.Info("unexpected firmware revision",
			zap.String("firmware", fmt.Sprintf("0x%04x", fw)),
			zap.String("expected", fmt.Sprintf("0x%04x", FirmwareExpected)))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: configure: %w", m.name, err)
	}
	return nil
}

// Reset clears interrupt, FIFO, readout logic and counters, then soft-resets.
func (m *Mesytec) Reset() error {
	if m.iface == nil {
		return fmt.Errorf("%s: reset: %w", m.name, ErrNoInterface)
	}
	errs := []error{
		m.write(RegIRQReset, 1),
		m.write(RegFIFOReset, 1),
		m.readoutReset(),
		m.counterResetAll(),
		m.write(RegSoftReset, 1),
	}
	if m.decoder != nil {
		m.decoder.Reset()
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: reset: %w", m.name, err)
	}
	return nil
}

// PanicReset releases the readout logic of a stuck module.
func (m *Mesytec) PanicReset() error {
	if m.iface == nil {
		return fmt.Errorf("%s: panic reset: %w", m.name, ErrNoInterface)
	}
	if m.decoder != nil {
		m.decoder.Reset()
	}
	if err := m.readoutReset(); err != nil {
		return fmt.Errorf("%s: panic reset: %w", m.name, err)
	}
	return nil
}

// DataReady reports a non-empty readout buffer.
func (m *Mesytec) DataReady() bool {
	if m.iface == nil {
		return false
	}
	n, err := m.iface.ReadRegister(m.base + RegBufferDataLength)
	if err != nil {
		m.log.Debug("buffer data length read failed", zap.Error(err))
		return false
	}
	return n > 0
}

// Acquire reads the module FIFO and stores the result in ev.
func (m *Mesytec) Acquire(ev *event.Event) error {
	if m.iface == nil {
		return fmt.Errorf("%s: acquire: %w", m.name, ErrNoInterface)
	}
	words, err := m.readout()
	if err != nil {
		return fmt.Errorf("%s: acquire: %w", m.name, err)
	}
	if len(words) == 0 {
		return nil
	}
	return m.store(ev, words)
}

// wordsToRead converts the buffer data length register to 32-bit words,
// plus one for the trailing bus error or end word.
func (m *Mesytec) wordsToRead(length uint16) int {
	n := int(length)
	switch m.cfg.DataLengthFormat {
	case DataLength8:
		n /= 4
	case DataLength16:
		n /= 2
	case DataLength64:
		n *= 2
	}
	n++
	if n > maxFIFOWords {
		n = maxFIFOWords
	}
	return n
}

func (m *Mesytec) readout() ([]uint32, error) {
	length, err := m.iface.ReadRegister(m.base + RegBufferDataLength)
	if err != nil {
		return nil, err
	}
	n := m.wordsToRead(length)
	if cap(m.scratch) < n {
		m.scratch = make([]uint32, n)
	}
	buf := m.scratch[:n]
	addr := m.base + RegDataFIFO

	var rd int
	if m.mode == hardware.TransferSingle {
		for i := 0; i < n-1; i++ {
			w, err := m.iface.ReadWord(addr)
			if err != nil {
				return nil, err
			}
			buf[i] = w
		}
		rd = n - 1
	} else {
		rd, err = m.iface.ReadBlock(addr, m.mode, buf)
		if err != nil && !hardware.IsBusError(err) {
			if rd == 0 {
				return nil, err
			}
			m.log.Warn("partial block read", zap.Int("words", rd), zap.Int("requested", n), zap.Error(err))
		}
	}

	if err := m.readoutReset(); err != nil {
		m.log.Warn("readout reset failed", zap.Error(err))
	}

	out := make([]uint32, rd)
	copy(out, buf[:rd])
	return out, nil
}

func (m *Mesytec) store(ev *event.Event, words []uint32) error {
	if m.raw != nil {
		m.raw.Append(words)
		return ev.Set(m.rawSlot, event.Words(m.raw.Take()))
	}

	res := m.decoder.Decode(words)
	var errs []error
	for _, ch := range res.Populated() {
		if err := ev.Set(m.chSlots[ch], event.Words(res.Interleaved(ch))); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mesytec) readoutReset() error    { return m.write(RegReadoutReset, 1) }
func (m *Mesytec) counterResetAll() error { return m.write(RegResetCounterAB, ResetCounterAll) }

func (m *Mesytec) write(offset uint32, value uint16) error {
	return m.iface.WriteRegister(m.base+offset, value)
}

// EventCounter reads the 32-bit event counter.
func (m *Mesytec) EventCounter() (uint32, error) {
	lo, err := m.iface.ReadRegister(m.base + RegEventCounterLow)
	if err != nil {
		return 0, err
	}
	hi, err := m.iface.ReadRegister(m.base + RegEventCounterHigh)
	if err != nil {
		return 0, err
	}
	return uint32(hi)<<16 | uint32(lo), nil
}
