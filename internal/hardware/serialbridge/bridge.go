package serialbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mrzor/vme-daq/internal/hardware"
)

// DefaultOpenRetries is how often Open retries a failing dial.
const DefaultOpenRetries = 5

// Dialer opens the byte stream to the bridge.
type Dialer func() (io.ReadWriteCloser, error)

type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithBackOff sets the delay policy between dial attempts.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(b *Bridge) { b.newBackOff = newBackOff }
}

func WithOpenRetries(n uint64) Option {
	return func(b *Bridge) { b.retries = n }
}

// Bridge implements hardware.Interface over a request/response link.
// Accesses are serialized; the link carries one request at a time.
type Bridge struct {
	name       string
	dial       Dialer
	log        *zap.Logger
	newBackOff func() backoff.BackOff
	retries    uint64

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

var _ hardware.Interface = (*Bridge)(nil)

func New(name string, dial Dialer, opts ...Option) *Bridge {
	b := &Bridge{
		name:       name,
		dial:       dial,
		log:        zap.NewNop(),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		retries:    DefaultOpenRetries,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("bridge").With(zap.String("interface", name))
	return b
}

func (b *Bridge) Name() string { return b.name }

// Open dials the bridge, retrying with backoff. Opening an open bridge is a no-op.
func (b *Bridge) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	var conn io.ReadWriteCloser
	operation := func() error {
		c, err := b.dial()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		b.log.Warn("bridge dial failed, retrying", zap.Error(err), zap.Duration("after", next))
	}
	bo := backoff.WithMaxRetries(b.newBackOff(), b.retries)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return fmt.Errorf("open bridge %s: %w", b.name, err)
	}
	b.conn = conn
	b.log.Info("bridge open")
	return nil
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *Bridge) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// roundTrip sends one request and waits for its response. A link failure
// closes the connection; the next access reports ErrNotOpen until Open.
func (b *Bridge) roundTrip(op opcode, addr uint32, req []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, &hardware.AccessError{Op: op.String(), Addr: addr, Err: hardware.ErrNotOpen}
	}

	if err := writeFrame(b.conn, requestMagic, byte(op), req); err != nil {
		return nil, b.linkFailed(op, addr, err)
	}
	code, resp, err := readFrame(b.conn, responseMagic)
	if err != nil {
		return nil, b.linkFailed(op, addr, err)
	}
	if err := status(code).err(); err != nil {
		return resp, &hardware.AccessError{Op: op.String(), Addr: addr, Err: err}
	}
	return resp, nil
}

func (b *Bridge) linkFailed(op opcode, addr uint32, err error) error {
	b.log.Warn("bridge link failed", zap.Stringer("op", op), zap.Uint32("addr", addr), zap.Error(err))
	_ = b.conn.Close() //nolint:errcheck // link is already broken
	b.conn = nil
	if errors.Is(err, hardware.ErrTimeout) {
		return &hardware.AccessError{Op: op.String(), Addr: addr, Err: err}
	}
	return &hardware.AccessError{Op: op.String(), Addr: addr, Err: fmt.Errorf("%w: %w", hardware.ErrTimeout, err)}
}

func (b *Bridge) ReadRegister(addr uint32) (uint16, error) {
	resp, err := b.roundTrip(opRead16, addr, binary.BigEndian.AppendUint32(nil, addr))
	if err != nil {
		return 0, err
	}
	if len(resp) != 2 {
		return 0, &hardware.AccessError{Op: opRead16.String(), Addr: addr, Err: errFraming}
	}
	return binary.BigEndian.Uint16(resp), nil
}

func (b *Bridge) WriteRegister(addr uint32, value uint16) error {
	req := binary.BigEndian.AppendUint32(nil, addr)
	req = binary.BigEndian.AppendUint16(req, value)
	_, err := b.roundTrip(opWrite16, addr, req)
	return err
}

func (b *Bridge) ReadWord(addr uint32) (uint32, error) {
	resp, err := b.roundTrip(opRead32, addr, binary.BigEndian.AppendUint32(nil, addr))
	if err != nil {
		return 0, err
	}
	if len(resp) != 4 {
		return 0, &hardware.AccessError{Op: opRead32.String(), Addr: addr, Err: errFraming}
	}
	return binary.BigEndian.Uint32(resp), nil
}

// ReadBlock splits large reads into bridge-sized chunks. A bus error ends
// the transfer and is returned with the words read so far.
func (b *Bridge) ReadBlock(addr uint32, mode hardware.TransferMode, buf []uint32) (int, error) {
	total := 0
	for total < len(buf) {
		count := min(len(buf)-total, maxBlockWords)
		req := binary.BigEndian.AppendUint32(nil, addr)
		req = append(req, byte(mode))
		req = binary.BigEndian.AppendUint16(req, uint16(count))

		resp, err := b.roundTrip(opReadBlock, addr, req)
		n := len(resp) / 4
		if n > count {
			n = count
		}
		for i := 0; i < n; i++ {
			buf[total+i] = binary.BigEndian.Uint32(resp[4*i:])
		}
		total += n
		if err != nil {
			return total, err
		}
		if n < count {
			break
		}
	}
	return total, nil
}

// ReadIRQStatus reports false when the bridge cannot be reached.
func (b *Bridge) ReadIRQStatus() bool {
	resp, err := b.roundTrip(opIRQStatus, 0, nil)
	if err != nil {
		b.log.Debug("irq status read failed", zap.Error(err))
		return false
	}
	return len(resp) == 1 && resp[0] != 0
}

func (b *Bridge) SetOutputLine(line hardware.Line, on bool) error {
	req := []byte{byte(line), 0}
	if on {
		req[1] = 1
	}
	_, err := b.roundTrip(opSetLine, 0, req)
	return err
}
