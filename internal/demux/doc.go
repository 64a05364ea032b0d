// Package demux decodes Mesytec-style 32-bit word streams into per-channel
// values.
//
// Every word carries a 2-bit signature in bits 30-31. Layouts (LSB first):
//
//	HEADER   | 31-30: 01 | 29-24: 0 | 23-16: module id | 15-12: resolution | 11-0: data length |
//	DATA     | 31-30: 00 | 29-22: sub-signature | 21: trigger | 20-16: channel | 15-0: value |
//	EXT TS   | 31-30: 00 | 29-21: 0x024 | 20-16: 0 | 15-0: timestamp bits 30-45 |
//	END      | 31-30: 11 (10 on BERR) | 29-0: event counter / timestamp |
//
// State machine (Decoder):
//
//	┌─────────┐
//	│  Idle   │ ◄─────────────────────────────┐
//	└────┬────┘                               │
//	     │ HEADER (clears accumulator)        │
//	     ▼                                    │
//	┌─────────┐                               │
//	│ InEvent │ ◄──┐ DATA (event sub-kind     │
//	└────┬────┘    │ stored per channel,      │
//	     │         │ last write wins)         │
//	     │ ────────┘                          │
//	     │ END / END_BERR                     │
//	     │ (flush (value, counter) pairs)     │
//	     └────────────────────────────────────┘
//
// DATA or END while Idle, HEADER while InEvent, out-of-range channels and
// length mismatches are recorded as Issues and logged. The offending word is
// skipped and decoding continues with the next word.
//
// RawCollector is the passthrough alternative: it keeps the words verbatim for
// a downstream stage that runs its own Decoder.
package demux
