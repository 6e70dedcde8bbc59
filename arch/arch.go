// Package arch factors architecture-specific knowledge (register shapes,
// ABI call-frame layout, basic-block terminators, direct-branch targets)
// behind a single
// MachineBackend capability set, so the translation pipeline, ExecBlock and
// rule engine stay architecture-neutral. This mirrors the teacher's split
// between arch-specific directories and its architecture-neutral core.
package arch

import "github.com/corvid-dbi/corvid/codec"

// CallConv describes where a host-ABI function call expects its arguments
// and return value, enough for PatchGenerator's CallHostFunction to build a
// call frame.
type CallConv struct {
	// IntArgRegs lists codec register enums used for the first N integer
	// arguments, in order.
	IntArgRegs []int
	// ReturnReg is the codec register enum holding a call's return value.
	ReturnReg int
	// StackAlign is the required stack alignment (bytes) at the call site.
	StackAlign uint64
	// RedZone is bytes below SP guaranteed untouched by an interrupt/signal,
	// which the generator may use as scratch instead of pushing/popping.
	RedZone uint64
}

// MachineBackend is the full set of architecture-specific capabilities the
// core needs. One implementation exists per supported architecture.
type MachineBackend interface {
	Name() string
	Bits() uint

	// GPR/SP/PC/Flags return the codec register enum for that role.
	SP() int
	PC() int
	Flags() int
	GPRs() []int
	FPRs() []int

	// CallConv returns the host ABI call convention for CallHostFunction.
	CallConv() CallConv

	// IsBasicBlockTerminator reports whether inst ends a basic block
	// (branch, call, return, syscall, trap), per spec.md §4.4 step 4.
	IsBasicBlockTerminator(inst codec.Instruction) bool

	// BranchTarget computes the absolute target of a direct branch/call,
	// or ok=false if inst is not a direct control-transfer instruction.
	BranchTarget(inst codec.Instruction) (target uint64, ok bool)

	// PrologueSize/EpilogueSize bound how many bytes ExecBlock must
	// reserve for its fixed prologue/epilogue, so ExecBlockManager can
	// budget page capacity correctly.
	PrologueSize() int
	EpilogueSize() int
}

var registry = map[string]MachineBackend{}

// Register makes a MachineBackend available by name to callers that select
// architectures dynamically (e.g. from a loaded target's ELF header, out of
// scope for this core but a natural caller-side pattern).
func Register(b MachineBackend) {
	registry[b.Name()] = b
}

// Lookup returns a previously Registered backend by name.
func Lookup(name string) (MachineBackend, bool) {
	b, ok := registry[name]
	return b, ok
}
