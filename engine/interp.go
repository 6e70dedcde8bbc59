package engine

import (
	"strings"

	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/vmstate"
)

// instInterp is the execblock.InstructionInterpreter every Engine wires
// into ExecBlock.Execute. It reads only Decoded, never Rewritten, so it
// keeps ordinary data-processing instructions' effect on GuestContext
// correct regardless of what a concrete codec's rewrite recipe emits into
// the code page. Control-transfer instructions are left alone: dispatchBlock
// resolves those from Flags.EndsBasicBlock and arch.MachineBackend directly.
//
// Coverage is deliberately narrow: register/immediate/PC-relative and
// [base+disp] memory operand forms for MOV/LEA/XOR/AND/OR/ADD/SUB, plus
// PUSH/POP against sp — the forms spec.md §8's seed scenarios exercise,
// including S3/S4's stack frames. SIB index/scale addressing and anything
// else this switch doesn't recognise leaves the destination untouched
// rather than guess at semantics it can't verify.
type instInterp struct {
	// sp is the codec register enum MachineBackend reports as the stack
	// pointer, so PUSH/POP can find and adjust it without this package
	// importing arch.
	sp int
}

func (in instInterp) Apply(inst codec.Instruction, guest *vmstate.GuestContext) error {
	if inst.IsBranch || inst.IsCall || inst.IsReturn || inst.IsSyscall {
		return nil
	}

	mnem := strings.ToUpper(inst.Mnemonic)
	gpr := guest.GPR

	switch {
	case strings.HasPrefix(mnem, "PUSH"):
		if len(inst.Operands) == 0 {
			return nil
		}
		v, ok := in.operandValue(inst, inst.Operands[0], guest)
		if !ok {
			return nil
		}
		size := operandSize(inst.Operands[0])
		sp := gpr.Get(in.sp) - uint64(size)
		gpr.Set(in.sp, sp)
		guest.Memory.Write(sp, size, v)
		return nil

	case strings.HasPrefix(mnem, "POP"):
		if len(inst.Operands) == 0 || inst.Operands[0].Kind != codec.OperandReg {
			return nil
		}
		dst := inst.Operands[0]
		size := operandSize(dst)
		sp := gpr.Get(in.sp)
		gpr.Set(dst.Reg, guest.Memory.Read(sp, size))
		gpr.Set(in.sp, sp+uint64(size))
		return nil
	}

	if len(inst.Operands) == 0 {
		return nil
	}
	dst := inst.Operands[0]

	switch {
	case strings.HasPrefix(mnem, "LEA"):
		if len(inst.Operands) < 2 || dst.Kind != codec.OperandReg {
			return nil
		}
		if inst.Operands[1].Kind == codec.OperandMem {
			gpr.Set(dst.Reg, memAddress(inst.Operands[1], gpr))
		} else if v, ok := effectiveAddress(inst, inst.Operands[1]); ok {
			gpr.Set(dst.Reg, v)
		}

	case strings.HasPrefix(mnem, "MOV"):
		if len(inst.Operands) < 2 {
			return nil
		}
		v, ok := in.operandValue(inst, inst.Operands[1], guest)
		if !ok {
			return nil
		}
		in.storeOperand(dst, v, guest)

	case mnem == "XOR", mnem == "AND", mnem == "OR", mnem == "ADD", mnem == "SUB":
		if len(inst.Operands) < 2 {
			return nil
		}
		v, ok := in.operandValue(inst, inst.Operands[1], guest)
		if !ok {
			return nil
		}
		cur, ok := in.operandValue(inst, dst, guest)
		if !ok {
			return nil
		}
		in.storeOperand(dst, binOp(mnem, cur, v), guest)
	}
	return nil
}

func binOp(mnem string, a, b uint64) uint64 {
	switch mnem {
	case "XOR":
		return a ^ b
	case "AND":
		return a & b
	case "OR":
		return a | b
	case "ADD":
		return a + b
	case "SUB":
		return a - b
	default:
		return a
	}
}

// operandValue reads a register, immediate, PC-relative, or [base+disp]
// memory operand's value. SIB index/scale addressing isn't modeled by
// codec.Operand's architecture-neutral shape (same limitation runGate
// already documents), so such an operand reports !ok rather than guess.
func (in instInterp) operandValue(inst codec.Instruction, op codec.Operand, guest *vmstate.GuestContext) (uint64, bool) {
	switch op.Kind {
	case codec.OperandReg:
		return guest.GPR.Get(op.Reg), true
	case codec.OperandImm:
		return uint64(op.Imm), true
	case codec.OperandPCRel:
		return effectiveAddress(inst, op)
	case codec.OperandMem:
		addr := memAddress(op, guest.GPR)
		return guest.Memory.Read(addr, int(op.Size)), true
	default:
		return 0, false
	}
}

// storeOperand writes v to a register or [base+disp] memory destination.
func (in instInterp) storeOperand(dst codec.Operand, v uint64, guest *vmstate.GuestContext) {
	switch dst.Kind {
	case codec.OperandReg:
		guest.GPR.Set(dst.Reg, v)
	case codec.OperandMem:
		addr := memAddress(dst, guest.GPR)
		guest.Memory.Write(addr, int(dst.Size), v)
	}
}

func memAddress(op codec.Operand, gpr *vmstate.GPRState) uint64 {
	return gpr.Get(op.Reg) + uint64(op.Imm)
}

func operandSize(op codec.Operand) int {
	if op.Size == 0 {
		return 8
	}
	return int(op.Size)
}

// effectiveAddress computes the guest-absolute address a PC-relative
// operand refers to — guestPC + guestLen + displacement — the same
// formula patch.rewriteOriginal bakes into the rewritten instruction
// (patch/patch.go's pcRelTarget), so LEA's interpreted effect matches
// whatever the generated code would eventually load.
func effectiveAddress(inst codec.Instruction, op codec.Operand) (uint64, bool) {
	if op.Kind != codec.OperandPCRel {
		return 0, false
	}
	return inst.Address + uint64(inst.Len) + uint64(op.Imm), true
}
