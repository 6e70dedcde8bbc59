// Package x86 provides a concrete MachineCodec for x86-64, decoding with
// golang.org/x/arch/x86/x86asm and encoding with the Keystone assembler.
// It's the reference backend the translation pipeline is tested against;
// callers of engine/cache/patch are free to supply any other
// codec.MachineCodec instead.
package x86

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/corvid-dbi/corvid/codec"
)

// Codec implements codec.MachineCodec for 64-bit x86.
type Codec struct{}

var _ codec.MachineCodec = Codec{}

func (Codec) Decode(b []byte, pc uint64) (codec.Instruction, int, error) {
	inst, err := x86asm.Decode(b, 64)
	if err != nil {
		return codec.Instruction{}, 0, errors.Wrap(err, "x86asm.Decode failed")
	}

	out := codec.Instruction{
		Mnemonic: inst.Op.String(),
		Address:  pc,
		Len:      uint8(inst.Len),
		Raw:      append([]byte(nil), b[:inst.Len]...),
		Backend:  inst,
	}

	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		switch v := a.(type) {
		case x86asm.Reg:
			out.Operands = append(out.Operands, codec.Operand{Kind: codec.OperandReg, Reg: int(v), Size: uint8(regSize(v))})
		case x86asm.Imm:
			out.Operands = append(out.Operands, codec.Operand{Kind: codec.OperandImm, Imm: int64(v)})
		case x86asm.Rel:
			out.Operands = append(out.Operands, codec.Operand{Kind: codec.OperandPCRel, Imm: int64(v)})
			out.PCRel = true
		case x86asm.Mem:
			out.Reads = out.Reads || readsMemory(inst.Op)
			out.Writes = out.Writes || writesMemory(inst.Op)
			if v.Base == x86asm.RIP {
				// RIP-relative: represent as OperandPCRel carrying the
				// displacement, per codec.Operand's contract, so a
				// PC-sensitive rewrite recipe never has to reach back into
				// Raw to find it.
				out.Operands = append(out.Operands, codec.Operand{
					Kind: codec.OperandPCRel,
					Imm:  v.Disp,
					Size: uint8(inst.MemBytes),
				})
				out.PCRel = true
			} else {
				out.Operands = append(out.Operands, codec.Operand{
					Kind: codec.OperandMem,
					Reg:  int(v.Base),
					Imm:  v.Disp,
					Size: uint8(inst.MemBytes),
				})
			}
		}
	}

	out.IsBranch = isBranch(inst.Op)
	out.IsCall = inst.Op == x86asm.CALL
	out.IsReturn = inst.Op == x86asm.RET
	out.IsSyscall = inst.Op == x86asm.SYSCALL || inst.Op == x86asm.INT

	return out, inst.Len, nil
}

func (Codec) RegisterInfo(enum int) (codec.RegisterInfo, bool) {
	r := x86asm.Reg(enum)
	name := r.String()
	if name == "" {
		return codec.RegisterInfo{}, false
	}
	class := codec.RegClassGPR
	switch r {
	case x86asm.RIP:
		class = codec.RegClassPC
	case x86asm.RSP:
		class = codec.RegClassSP
	}
	return codec.RegisterInfo{Name: name, Class: class, Size: uint8(regSize(r)), Enum: enum}, true
}

func (Codec) RegisterUse(inst codec.Instruction) (reads, writes []int) {
	raw, ok := inst.Backend.(x86asm.Inst)
	if !ok {
		return nil, nil
	}
	// first explicit register operand is conventionally the destination
	// for the two-operand x86 forms this codec's PatchGenerators target.
	first := true
	for _, a := range raw.Args {
		r, ok := a.(x86asm.Reg)
		if !ok {
			continue
		}
		if first && !inst.IsCall && !inst.IsReturn {
			writes = append(writes, int(r))
			first = false
		} else {
			reads = append(reads, int(r))
		}
	}
	return reads, writes
}

func (Codec) OperandInfo(inst codec.Instruction, i int) (codec.Operand, bool) {
	if i < 0 || i >= len(inst.Operands) {
		return codec.Operand{}, false
	}
	return inst.Operands[i], true
}

func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	default:
		return 8
	}
}

func isBranch(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	default:
		return false
	}
}

// readsMemory/writesMemory approximate an opcode's memory-access
// direction from its mnemonic; Patch construction copies the resulting
// Reads/Writes flags unchanged.
func readsMemory(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.LEA, x86asm.CMP, x86asm.ADD,
		x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.PUSH, x86asm.TEST:
		return op != x86asm.LEA
	default:
		return false
	}
}

func writesMemory(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.POP:
		return true
	default:
		return false
	}
}

func (Codec) String() string { return "x86-64 codec" }
