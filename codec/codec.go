// Package codec declares the MachineCodec capability the translation
// pipeline consumes but does not implement: decoding and encoding native
// instructions. This interface is deliberately the entire contract; the
// disassembler/assembler behind it (see codec/x86 for one real backend) is
// an external collaborator, not part of the DBI core.
package codec

// OperandKind classifies a decoded operand for PatchGenerator consumption.
type OperandKind int

const (
	OperandInvalid OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
	OperandPCRel
)

// Operand is a single decoded instruction operand.
type Operand struct {
	Kind OperandKind
	Reg  int    // valid when Kind == OperandReg or OperandMem (base/index encoded by codec)
	Imm  int64  // valid when Kind == OperandImm, OperandPCRel (displacement from the next instruction), or OperandMem (base displacement)
	Size uint8  // operand width in bytes
}

// Instruction is a decoded native instruction, architecture-neutral enough
// for PatchCondition/PatchGenerator to reason about it. Architecture
// specifics that don't fit here are exposed via Raw.
type Instruction struct {
	Mnemonic  string
	Address   uint64
	Len       uint8
	Operands  []Operand
	Reads     bool // instruction reads memory
	Writes    bool // instruction writes memory
	IsBranch  bool // unconditional or conditional direct/indirect branch
	IsCall    bool
	IsReturn  bool
	IsSyscall bool
	PCRel     bool // encodes an address relative to its own PC (e.g. x86-64 RIP-relative)
	Raw       []byte

	// Backend is an opaque handle the originating MachineCodec may attach
	// so Encode can round-trip architecture detail Instruction doesn't
	// carry explicitly (e.g. a full capstone/x86asm instruction struct).
	Backend interface{}
}

// RegisterClass groups architectural registers for save/restore purposes.
type RegisterClass int

const (
	RegClassGPR RegisterClass = iota
	RegClassFPR
	RegClassFlags
	RegClassPC
	RegClassSP
)

// RegisterInfo describes one architectural register.
type RegisterInfo struct {
	Name  string
	Class RegisterClass
	Size  uint8
	// Enum is the codec's own numbering for this register; it is what
	// gets round-tripped through Cpu.RegRead/RegWrite-shaped APIs.
	Enum int
}

// MachineCodec decodes and encodes exactly one instruction at a time and
// answers register-shape questions. Implementations must be pure and
// reentrant: no shared mutable state may leak between calls.
type MachineCodec interface {
	// Decode reads exactly one instruction starting at pc from bytes and
	// returns it along with its width in bytes.
	Decode(bytes []byte, pc uint64) (Instruction, int, error)

	// Encode serializes inst back to machine code. Encode(Decode(b)) must
	// reproduce b for any b previously produced by Decode, though the
	// converse (round-tripping a hand-built Instruction) is only
	// guaranteed for instructions this codec itself produced via Decode.
	Encode(inst Instruction) ([]byte, error)

	// RegisterInfo returns static information about a register enum.
	RegisterInfo(enum int) (RegisterInfo, bool)

	// RegisterUse returns the set of register enums an instruction reads
	// and writes, used by generators to avoid scratch-register collisions.
	RegisterUse(inst Instruction) (reads, writes []int)

	// OperandInfo returns detail about operand i of inst beyond what
	// Instruction.Operands already carries, if the backend has more.
	OperandInfo(inst Instruction, i int) (Operand, bool)
}
