package demux

// RawCollector keeps words verbatim for a downstream decoding stage. When
// more than limit words are pending the oldest ones are dropped.
type RawCollector struct {
	buf     []uint32
	limit   int
	dropped uint64
}

// DefaultRawLimit bounds a collector built with limit <= 0.
const DefaultRawLimit = 1 << 16

func NewRawCollector(limit int) *RawCollector {
	if limit <= 0 {
		limit = DefaultRawLimit
	}
	return &RawCollector{limit: limit}
}

// Append adds words to the pending buffer.
func (c *RawCollector) Append(words []uint32) {
	c.buf = append(c.buf, words...)
	if over := len(c.buf) - c.limit; over > 0 {
		c.dropped += uint64(over)
		c.buf = append(c.buf[:0], c.buf[over:]...)
	}
}

// Take returns the pending words and empties the collector.
func (c *RawCollector) Take() []uint32 {
	out := make([]uint32, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}

func (c *RawCollector) Len() int        { return len(c.buf) }
func (c *RawCollector) Dropped() uint64 { return c.dropped }
