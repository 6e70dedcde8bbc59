package execblock

import (
	"github.com/corvid-dbi/corvid/vmstate"
)

// Context is the page-aligned structure colocated with each ExecBlock
// (spec.md §3): host registers saved on entry, the guest's architectural
// state, scratch slots for generator temporaries, and the selector the
// prologue reads to resume execution. Its wire layout — the actual byte
// offsets SaveReg/LoadReg relocations bake in — is computed once by
// NewLayout and never changes for the lifetime of an ExecBlock.
type Context struct {
	Host  vmstate.HostContext
	Guest vmstate.GuestContext

	// Selector is the byte offset inside the ExecBlock's code at which
	// execution resumes on next entry (spec.md's glossary "Selector").
	Selector uint64

	// Scratch holds generator-allocated temporaries, keyed by the same
	// codec register enum TempAlloc handed out.
	Scratch map[int]uint64

	// LastAction is a VMAction slot in the Context. Nothing in this module
	// writes it: ExecBlock.Execute returns the aggregated VMAction
	// (spec.md §4.7) directly instead.
	LastAction vmstate.VMAction
}

// NewContext builds a zeroed Context for the given register enums.
func NewContext(gprEnums, fprEnums []int, fprSlotSize int) *Context {
	return &Context{
		Host:    vmstate.HostContext{Saved: vmstate.NewGPRState(gprEnums)},
		Guest:   vmstate.GuestContext{GPR: vmstate.NewGPRState(gprEnums), FPR: vmstate.NewFPRState(fprEnums, fprSlotSize)},
		Scratch: make(map[int]uint64),
	}
}

// Layout assigns a stable byte offset to every register slot a Context
// needs to expose to generated code (GPRs, scratch slots, selector). Only
// the offsets matter to the translation pipeline; Context itself has no
// on-disk serialization.
type Layout struct {
	offsets        map[int]uint64
	selectorOffset uint64
	size           uint64
}

// NewLayout lays out gprEnums (8 bytes each) followed by the selector
// field, then reserves headroom for scratch slots.
func NewLayout(gprEnums []int, scratchSlots int) *Layout {
	l := &Layout{offsets: make(map[int]uint64, len(gprEnums))}
	var off uint64
	for _, r := range gprEnums {
		l.offsets[r] = off
		off += 8
	}
	l.selectorOffset = off
	off += 8
	for i := 0; i < scratchSlots; i++ {
		// negative-space scratch registers are conventionally numbered
		// starting at -1 downward by the caller's TempAlloc.
		l.offsets[-(i+1)] = off
		off += 8
	}
	l.size = off
	return l
}

// Offset returns the byte offset of reg's slot within the Context page.
func (l *Layout) Offset(reg int) uint64 { return l.offsets[reg] }

// SelectorOffset returns the byte offset of the Selector field.
func (l *Layout) SelectorOffset() uint64 { return l.selectorOffset }

// Size returns the total bytes the Context page must reserve.
func (l *Layout) Size() uint64 { return l.size }
