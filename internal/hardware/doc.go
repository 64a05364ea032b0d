// Package hardware defines the register-bus contract the acquisition engine
// drives, and an in-process simulated crate.
//
// One Interface controls one crate. Modules address their registers as
// base address + register offset:
//
//	┌──────────────┐   ReadRegister / WriteRegister    ┌──────────────┐
//	│    module    │ ────────────────────────────────► │   Interface  │
//	│   adapter    │   ReadBlock (FIFO/BLT/MBLT/DMA)   │  (bus master)│
//	└──────────────┘ ◄──────────────────────────────── └──────┬───────┘
//	                                                          │
//	            ReadIRQStatus / SetOutputLine (VETO, beam)    │
//	┌──────────────┐ ◄────────────────────────────────────────┘
//	│  scheduler   │
//	└──────────────┘
//
// Bus errors and timeouts are reported as *AccessError wrapping ErrBusError
// or ErrTimeout. A bus error that ends a block transfer early is normal for
// FIFO readout; callers check the returned word count before treating it as
// a failure.
package hardware
