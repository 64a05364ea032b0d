package plugin

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mrzor/vme-daq/internal/dataflow"
	"github.com/mrzor/vme-daq/internal/event"
	"go.uber.org/zap"
)

const (
	TypeRawWriter = "raw-writer"
	// BlockMarker opens every block in a raw file.
	BlockMarker uint32 = 0xF000
)

var errWriterClosed = errors.New("raw writer has no open file")

type rawWriterConfig struct {
	Inputs int    `mapstructure:"inputs"`
	Dir    string `mapstructure:"dir"`
	Prefix string `mapstructure:"prefix"`
	MaxMB  int    `mapstructure:"max_mb"`
}

func rawWriterDefinition() Definition {
	return Definition{
		Type:  TypeRawWriter,
		Group: GroupPack,
		Attributes: []Attribute{
			{Name: "inputs", Default: 1, Doc: "number of word inputs"},
			{Name: "dir", Default: "", Doc: "output directory; empty uses the run name"},
			{Name: "prefix", Default: "run", Doc: "file name prefix"},
			{Name: "max_mb", Default: 100, Doc: "rotate after this many megabytes"},
		},
		New: newRawWriter,
	}
}

// RawWriter appends one block per input and firing to the current file:
//
//	uint32 marker 0xF000 | uint16 input index | uint32 word count | count x uint32
//
// All fields are big-endian. Files are named <prefix>_NNNN.dat and rotated
// once they reach max_mb megabytes.
type RawWriter struct {
	cfg rawWriterConfig
	log *zap.Logger

	mu      sync.Mutex
	dir     string
	seq     int
	file    *os.File
	w       *bufio.Writer
	written int64
	files   []string
	scratch []byte
}

func newRawWriter(name string, attrs map[string]any, deps Deps) (*dataflow.Node, error) {
	var cfg rawWriterConfig
	if err := decodeAttributes(attrs, &cfg); err != nil {
		return nil, err
	}
	if cfg.Inputs <= 0 || cfg.Inputs > 0xFFFF {
		return nil, fmt.Errorf("inputs %d out of range", cfg.Inputs)
	}
	if cfg.MaxMB <= 0 {
		return nil, errors.New("max_mb must be positive")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "run"
	}
	rw := &RawWriter{cfg: cfg, log: deps.Logger.Named("raw-writer").With(zap.String("node", name))}
	n := dataflow.NewNode(name, TypeRawWriter, rw)
	for i := 0; i < cfg.Inputs; i++ {
		n.AddInput(fmt.Sprintf("in %d", i), event.KindWords)
	}
	if err := n.SetDefaultMandatoryInputs(1); err != nil {
		return nil, err
	}
	return n, nil
}

// RunStarting opens the first file of the run.
func (rw *RawWriter) RunStarting(info RunInfo) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.dir = rw.cfg.Dir
	if rw.dir == "" {
		rw.dir = info.Name
	}
	if err := os.MkdirAll(rw.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	rw.seq = 0
	rw.files = nil
	return rw.open()
}

// RunStopped flushes and closes the current file.
func (rw *RawWriter) RunStopped() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.close()
}

// Files lists the files written during the current or last run.
func (rw *RawWriter) Files() []string {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return append([]string(nil), rw.files...)
}

func (rw *RawWriter) Process(n *dataflow.Node) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.w == nil {
		return errWriterClosed
	}
	for i, in := range n.Inputs() {
		var words []uint32
		if v, ok := in.Peek(); ok {
			words = v.Words()
		}
		b := rw.scratch[:0]
		b = binary.BigEndian.AppendUint32(b, BlockMarker)
		b = binary.BigEndian.AppendUint16(b, uint16(i))
		b = binary.BigEndian.AppendUint32(b, uint32(len(words)))
		for _, w := range words {
			b = binary.BigEndian.AppendUint32(b, w)
		}
		rw.scratch = b
		nw, err := rw.w.Write(b)
		rw.written += int64(nw)
		if err != nil {
			return fmt.Errorf("write block: %w", err)
		}
	}
	if rw.written >= int64(rw.cfg.MaxMB)*1000*1000 {
		if err := rw.close(); err != nil {
			return err
		}
		rw.seq++
		return rw.open()
	}
	return nil
}

func (rw *RawWriter) open() error {
	path := filepath.Join(rw.dir, fmt.Sprintf("%s_%04d.dat", rw.cfg.Prefix, rw.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open raw file: %w", err)
	}
	rw.file = f
	rw.w = bufio.NewWriterSize(f, 1<<20)
	rw.written = 0
	rw.files = append(rw.files, path)
	rw.log.Info("raw file opened", zap.String("path", path))
	return nil
}

func (rw *RawWriter) close() error {
	if rw.file == nil {
		return nil
	}
	err := errors.Join(rw.w.Flush(), rw.file.Close())
	rw.log.Info("raw file closed", zap.String("path", rw.file.Name()), zap.Int64("bytes", rw.written))
	rw.file, rw.w = nil, nil
	return err
}
