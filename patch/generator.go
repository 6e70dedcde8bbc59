package patch

import (
	"github.com/corvid-dbi/corvid/arch"
	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/reloc"
	"github.com/corvid-dbi/corvid/vmstate"
)

// TempAlloc lets a Generator ask the translator for a scratch register that
// won't collide with the instruction it's instrumenting. Implementations
// live in the cache/translation layer, which knows what's already live.
type TempAlloc interface {
	// Alloc reserves a scratch GPR for the duration of this Patch's
	// generated code and returns its codec register enum.
	Alloc() (int, error)
	// Release returns a previously allocated register to the pool.
	Release(reg int)
}

// GenContext is everything a Generator needs to build its RelocatableInst
// sequence for one matched instruction.
type GenContext struct {
	Inst    codec.Instruction
	GuestPC uint64
	Codec   codec.MachineCodec
	Backend arch.MachineBackend
	Temps   TempAlloc
	// CtxOffset resolves a codec register enum to its byte offset inside
	// the Context page, so SaveReg/LoadReg relocations can be built.
	CtxOffset func(reg int) uint64
	// EpilogueOffset is this ExecBlock's epilogue entry point, for
	// generators that need to break to host (e.g. CallHostFunction,
	// BreakToHost).
	EpilogueOffset uint64
	// SelectorOffset is the Context-page byte offset of the selector
	// field the prologue reads on re-entry (spec.md §3).
	SelectorOffset uint64
	// RecordCallback, if set, is called by CallHostFunction with the
	// CallbackTable id it just registered. The translator uses this to
	// remember which callbacks a Patch will invoke on break-to-host,
	// since a hardware Executor recovers the same id from the Context
	// page rather than from this Go-side hook (see engine.Run).
	RecordCallback func(id uint32)
}

// Generator emits a RelocatableInst sequence realising one semantic effect
// (save a register, load a register, compute a host-relative address, jump
// to the epilogue, invoke a user callback). Generators are pure functions
// of GenContext; any register allocation must go through Temps.
type Generator interface {
	Generate(gc GenContext) (reloc.Seq, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(gc GenContext) (reloc.Seq, error)

func (f GeneratorFunc) Generate(gc GenContext) (reloc.Seq, error) { return f(gc) }

// StoreAbs/LoadAbs are the fixed-width encodings SaveReg/LoadReg rely on:
// a MOV between a GPR and an absolute 64-bit address, sized to the
// register width. They are architecture-specific and supplied by the
// caller through the MoveEncoders field of Builder and cache.Config, or
// the movers argument of engine.New.
type MoveEncoders struct {
	StoreAbs func(reg int, addr uint64, size int) ([]byte, error)
	LoadAbs  func(reg int, addr uint64, size int) ([]byte, error)
	RelJump  func(from, to uint64) ([]byte, error)
}

// GetOperand materialises operand index n of the matched instruction into
// temp, so later generators (or CallHostFunction) can read it as an
// argument.
func GetOperand(n int, temp int, mv MoveEncoders) Generator {
	return GeneratorFunc(func(gc GenContext) (reloc.Seq, error) {
		op, ok := gc.Codec.OperandInfo(gc.Inst, n)
		if !ok {
			return nil, errNoOperand(n)
		}
		switch op.Kind {
		case codec.OperandReg:
			return reloc.Seq{&reloc.LoadReg{Reg: temp, CtxOffset: gc.CtxOffset(op.Reg), Size: int(op.Size), Encode: mv.LoadAbs}}, nil
		case codec.OperandImm, codec.OperandPCRel:
			// bake the immediate directly into temp's Context slot.
			return WriteTemp(temp, uint64(op.Imm), mv).Generate(gc)
		default:
			return nil, errUnsupportedOperand(op.Kind)
		}
	})
}

// WriteTemp writes value into the Context slot backing temp.
func WriteTemp(temp int, value uint64, mv MoveEncoders) Generator {
	return GeneratorFunc(func(gc GenContext) (reloc.Seq, error) {
		return reloc.Seq{
			reloc.DataBlock{Value: value, Size: 8},
			&reloc.SaveReg{Reg: temp, CtxOffset: gc.CtxOffset(temp), Size: 8, Encode: mv.StoreAbs},
		}, nil
	})
}

// SimulateCall rewrites a call instruction as an unconditional BreakToHost
// and emits nothing else (it does not push the guest-visible return
// address) so the engine can look up or
// translate the callee, matching spec.md §4.4's "indirect branch: always
// BreakToHost" and "direct branch leaving the block: BreakToHost" rules.
func SimulateCall(mv MoveEncoders) Generator {
	return breakToHostGenerator(mv)
}

// SimulateRet rewrites a return instruction as a BreakToHost so the guest
// SP-relative return address is resolved by the engine rather than baked
// into the ExecBlock.
func SimulateRet(mv MoveEncoders) Generator {
	return breakToHostGenerator(mv)
}

// CallHostFunction registers cbk in cbkTable, reports its id through
// gc.RecordCallback, and emits a spill of the first integer argument
// register, the id as an 8-byte DataBlock, and a BreakToHost. It emits no
// native call and builds no ABI call frame: ExecBlock.Execute invokes the
// recorded callbacks from Go and aggregates their VMAction. This is the
// generator every user-visible InstrRule ultimately compiles to.
func CallHostFunction(cbk vmstate.InstCallback, data interface{}, cbkTable *CallbackTable, mv MoveEncoders) Generator {
	return GeneratorFunc(func(gc GenContext) (reloc.Seq, error) {
		id := cbkTable.Register(cbk, data)
		if gc.RecordCallback != nil {
			gc.RecordCallback(id)
		}
		var seq reloc.Seq
		// spill the first integer argument register, leave the callback id
		// as a literal in the code, then fall through to BreakToHost; no
		// call instruction is emitted here.
		for _, argReg := range gc.Backend.CallConv().IntArgRegs[:1] {
			seq = append(seq, &reloc.SaveReg{Reg: argReg, CtxOffset: gc.CtxOffset(argReg), Size: 8, Encode: mv.StoreAbs})
		}
		seq = append(seq, reloc.DataBlock{Value: uint64(id), Size: 8})
		bh, err := breakToHostGenerator(mv).Generate(gc)
		if err != nil {
			return nil, err
		}
		return append(seq, bh...), nil
	})
}

// BreakToHost stores selectorPseudoReg into Context.Selector and jumps to
// the epilogue. It does not compute or store the host PC of the code after
// the patch. It's mandatory whenever a callback's VMAction must take effect
// (spec.md §4.3).
func BreakToHost(mv MoveEncoders) Generator {
	return breakToHostGenerator(mv)
}

func breakToHostGenerator(mv MoveEncoders) Generator {
	return GeneratorFunc(func(gc GenContext) (reloc.Seq, error) {
		return reloc.Seq{
			// Context.Selector <- selectorPseudoReg; no later pass
			// rewrites this store with the host PC after this patch.
			&reloc.SaveReg{Reg: selectorPseudoReg, CtxOffset: gc.SelectorOffset, Size: 8, Encode: mv.StoreAbs},
			&reloc.JmpEpilogue{EpilogueOffset: gc.EpilogueOffset, Encode: mv.RelJump},
		}, nil
	})
}

// selectorPseudoReg is not a real architectural register; SaveReg only
// uses Reg to select which value the generated store moves, and the
// generator supplies its own address-baking, so this exists purely to
// satisfy SaveReg's field without inventing an architecture-specific enum.
const selectorPseudoReg = -1

type errNoOperand int

func (e errNoOperand) Error() string { return "operand does not exist on instruction" }

type errUnsupportedOperand codec.OperandKind

func (e errUnsupportedOperand) Error() string { return "generator does not support this operand kind" }
