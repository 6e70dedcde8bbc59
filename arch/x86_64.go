package arch

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/corvid-dbi/corvid/codec"
)

// register enums reuse x86asm's own numbering so codec.x86 doesn't need a
// second translation table.
const (
	RegRAX = int(x86asm.RAX)
	RegRCX = int(x86asm.RCX)
	RegRDX = int(x86asm.RDX)
	RegRBX = int(x86asm.RBX)
	RegRSP = int(x86asm.RSP)
	RegRBP = int(x86asm.RBP)
	RegRSI = int(x86asm.RSI)
	RegRDI = int(x86asm.RDI)
	RegR8  = int(x86asm.R8)
	RegR9  = int(x86asm.R9)
	RegRIP = int(x86asm.RIP)
)

type x86_64 struct{}

// X86_64 is the MachineBackend for the System V AMD64 ABI.
var X86_64 MachineBackend = x86_64{}

func init() { Register(X86_64) }

func (x86_64) Name() string { return "x86_64" }
func (x86_64) Bits() uint   { return 64 }

func (x86_64) SP() int    { return RegRSP }
func (x86_64) PC() int    { return RegRIP }
func (x86_64) Flags() int { return -1 }

func (x86_64) GPRs() []int {
	return []int{RegRAX, RegRCX, RegRDX, RegRBX, RegRSP, RegRBP, RegRSI, RegRDI, RegR8, RegR9}
}

func (x86_64) FPRs() []int { return nil }

func (x86_64) CallConv() CallConv {
	// System V AMD64: first 6 integer args in rdi,rsi,rdx,rcx,r8,r9;
	// return in rax; 16-byte stack alignment at call sites.
	return CallConv{
		IntArgRegs: []int{RegRDI, RegRSI, RegRDX, RegRCX, RegR8, RegR9},
		ReturnReg:  RegRAX,
		StackAlign: 16,
		RedZone:    128,
	}
}

func (x86_64) IsBasicBlockTerminator(inst codec.Instruction) bool {
	return inst.IsBranch || inst.IsCall || inst.IsReturn || inst.IsSyscall
}

func (x86_64) BranchTarget(inst codec.Instruction) (uint64, bool) {
	if !inst.IsBranch && !inst.IsCall {
		return 0, false
	}
	for _, op := range inst.Operands {
		if op.Kind == codec.OperandPCRel {
			return uint64(int64(inst.Address) + int64(inst.Len) + op.Imm), true
		}
	}
	return 0, false
}

// PrologueSize and EpilogueSize bound the fixed save/restore sequences
// ExecBlock writes: spill the GPRs() set plus flags/PC bookkeeping via two
// mov-immediate + jmp sequences apiece.
func (x86_64) PrologueSize() int { return 128 }
func (x86_64) EpilogueSize() int { return 64 }
