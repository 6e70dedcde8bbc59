package patch

import (
	"github.com/pkg/errors"

	"github.com/corvid-dbi/corvid/arch"
	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/reloc"
)

// MemAccessInfo records, per patch, whether the original instruction reads
// and/or writes memory. Builder fills only Reads and Writes and leaves Size
// at 0; no effective address is stored here. The engine's
// GetInstMemoryAccess (spec.md §4.8) reads its own access ring instead.
type MemAccessInfo struct {
	Reads, Writes bool
	Size          int
}

// Flags records translation-time decisions about a Patch, for diagnostics
// and for the state-machine invariants in spec.md §4.9.
type Flags struct {
	EndsBasicBlock bool
	IsIndirect     bool
}

// Patch is the rewritten form of one original instruction: the decode,
// the RelocatableInst sequence that replaces it, and metadata. Invariant
// (spec.md §3): executing Rewritten with the prevailing Context yields the
// same GuestContext transition (modulo timing) as executing Decoded at
// GuestAddress.
type Patch struct {
	GuestAddress uint64
	GuestLength  int
	Decoded      codec.Instruction
	Rewritten    reloc.Seq
	MemAccess    MemAccessInfo
	Flags        Flags
	// FiredPre/FiredPost are the CallbackTable ids any PREINST/POSTINST
	// CallHostFunction generator registered while building this Patch, in
	// firing order. A software Executor uses these directly; a hardware
	// one instead recovers the id embedded in the Context page at
	// break-to-host time (see engine.Run).
	FiredPre  []uint32
	FiredPost []uint32
}

// Matcher pairs a Condition with the Generators to splice in when it
// matches, plus which side of the original instruction they land on. It's
// the shape InstrRule reduces to once compiled for one Patch — kept here
// (rather than in package rule) so Patch construction doesn't need to
// import the user-facing rule package.
type Matcher struct {
	Condition Condition
	Pre       []Generator // spliced before the original instruction
	Post      []Generator // spliced after the original instruction
}

// Builder constructs Patches from decoded instructions, applying whichever
// Matchers match and inserting BreakToHost trailers per spec.md §4.4.
type Builder struct {
	Codec       codec.MachineCodec
	Backend     arch.MachineBackend
	MoveEncoders MoveEncoders
	// CtxOffset/EpilogueOffset/SelectorOffset thread ExecBlock layout
	// facts into every Generator invocation.
	CtxOffset      func(reg int) uint64
	EpilogueOffset uint64
	SelectorOffset uint64
}

// Build decodes exactly one instruction at guestPC from code and applies
// every matcher whose Condition matches, in registration order, per
// spec.md §4.2's tie-break rule (PREINST rules fire before the original,
// POSTINST after; within a position, registration order is preserved).
func (b *Builder) Build(code []byte, guestPC uint64, matchers []Matcher, temps TempAlloc) (*Patch, error) {
	inst, n, err := b.Codec.Decode(code, guestPC)
	if err != nil {
		return nil, errors.Wrapf(err, "decode failed at 0x%x", guestPC)
	}

	p := &Patch{
		GuestAddress: guestPC,
		GuestLength:  n,
		Decoded:      inst,
		MemAccess:    MemAccessInfo{Reads: inst.Reads, Writes: inst.Writes},
	}

	gc := GenContext{
		Inst: inst, GuestPC: guestPC, Codec: b.Codec, Backend: b.Backend, Temps: temps,
		CtxOffset: b.CtxOffset, EpilogueOffset: b.EpilogueOffset, SelectorOffset: b.SelectorOffset,
	}

	original, err := b.rewriteOriginal(inst, gc)
	if err != nil {
		return nil, errors.Wrap(err, "rewriting original instruction")
	}

	var seq reloc.Seq
	preGC := gc
	preGC.RecordCallback = func(id uint32) { p.FiredPre = append(p.FiredPre, id) }
	for _, m := range matchers {
		if !m.Condition.Matches(inst, guestPC) {
			continue
		}
		for _, g := range m.Pre {
			s, err := g.Generate(preGC)
			if err != nil {
				return nil, errors.Wrap(err, "PREINST generator failed")
			}
			seq = append(seq, s...)
		}
	}
	seq = append(seq, original...)
	postGC := gc
	postGC.RecordCallback = func(id uint32) { p.FiredPost = append(p.FiredPost, id) }
	for _, m := range matchers {
		if !m.Condition.Matches(inst, guestPC) {
			continue
		}
		for _, g := range m.Post {
			s, err := g.Generate(postGC)
			if err != nil {
				return nil, errors.Wrap(err, "POSTINST generator failed")
			}
			seq = append(seq, s...)
		}
	}

	p.Flags.EndsBasicBlock = b.Backend.IsBasicBlockTerminator(inst)
	if p.Flags.EndsBasicBlock {
		_, direct := b.Backend.BranchTarget(inst)
		p.Flags.IsIndirect = inst.IsBranch && !direct && !inst.IsReturn
		trailer, err := BreakToHost(b.MoveEncoders).Generate(gc)
		if err != nil {
			return nil, errors.Wrap(err, "BreakToHost trailer failed")
		}
		seq = append(seq, trailer...)
	}

	p.Rewritten = seq
	return p, nil
}

// rewriteOriginal implements spec.md §4.4 step 2: select a PC-sensitive
// rewrite recipe for the original instruction.
func (b *Builder) rewriteOriginal(inst codec.Instruction, gc GenContext) (reloc.Seq, error) {
	switch {
	case inst.PCRel && !inst.IsBranch && !inst.IsCall:
		// PC-relative operand: the guest displacement is measured from
		// this instruction's own end, so the absolute target is fully
		// known at translate time — guestPC + guestLen + displacement.
		// HostPCRel doesn't apply here: it bakes a *host* code-page
		// address, which is meaningless to a guest data reference. Bake
		// the resolved guest-absolute constant in directly and load it
		// into the destination register.
		target, dst, ok := pcRelTarget(inst)
		if !ok {
			return nil, errors.Errorf("PC-relative instruction at 0x%x has no destination register operand", inst.Address)
		}
		return reloc.Seq{
			reloc.DataBlock{Value: target, Size: 8},
			&reloc.SaveReg{Reg: dst, CtxOffset: gc.CtxOffset(dst), Size: 8, Encode: b.MoveEncoders.StoreAbs},
		}, nil

	case inst.IsCall:
		return SimulateCall(b.MoveEncoders).Generate(gc)

	case inst.IsReturn:
		return SimulateRet(b.MoveEncoders).Generate(gc)

	case inst.IsBranch:
		if _, ok := b.Backend.BranchTarget(inst); ok {
			// direct branch: emit the original bytes; Build itself appends
			// a BreakToHost trailer whenever Flags.EndsBasicBlock is set.
			return reloc.Seq{reloc.Raw{Bytes: inst.Raw}}, nil
		}
		// indirect branch: always break to host (spec.md §4.4).
		return SimulateRet(b.MoveEncoders).Generate(gc)

	default:
		// ordinary data-processing: emitted unchanged. Register renaming
		// for scratch-register collisions is handled by TempAlloc at the
		// generator level, since the original bytes themselves don't
		// reference engine-owned scratch registers.
		return reloc.Seq{reloc.Raw{Bytes: inst.Raw}}, nil
	}
}

// pcRelTarget resolves the guest-absolute address a decoded PC-relative
// operand refers to (guestPC + guestLen + displacement) and the register
// the rewritten instruction should load it into. Both values are fully
// known the moment the instruction is decoded — they never depend on
// where its rewritten bytes end up living in an ExecBlock's code page.
func pcRelTarget(inst codec.Instruction) (target uint64, dst int, ok bool) {
	var haveDst, havePCRel bool
	var pcRelImm int64
	for _, op := range inst.Operands {
		switch op.Kind {
		case codec.OperandReg:
			if !haveDst {
				dst = op.Reg
				haveDst = true
			}
		case codec.OperandPCRel:
			pcRelImm = op.Imm
			havePCRel = true
		}
	}
	if !haveDst || !havePCRel {
		return 0, 0, false
	}
	return inst.Address + uint64(inst.Len) + uint64(pcRelImm), dst, true
}
