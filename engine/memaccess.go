package engine

import (
	"go.uber.org/zap"

	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/reloc"
	"github.com/corvid-dbi/corvid/rng"
	"github.com/corvid-dbi/corvid/rule"
	"github.com/corvid-dbi/corvid/vmstate"
)

// MemoryAccessType classifies a memory-range callback registration and a
// recorded access (spec.md §3 MemCallbackRegistry, §4.8).
type MemoryAccessType int

const (
	MemRead MemoryAccessType = 1 << iota
	MemWrite
)

// MemReadWrite matches both directions.
const MemReadWrite = MemRead | MemWrite

// MemAccessRecord is one entry of the per-sequence memory-access ring
// (spec.md §3 addition, SPEC_FULL §3): the effective address, width, and
// direction of one memory operand, keyed by the guest PC of the
// instruction that produced it.
type MemAccessRecord struct {
	Address uint64
	Size    int
	Value   uint64
	Type    MemoryAccessType
	InstID  uint64
}

// memEntry is one MemAccessRegistry row: a range-filtered callback plus the
// direction it cares about.
type memEntry struct {
	id   uint32
	typ  MemoryAccessType
	rng  rng.Range
	cbk  vmstate.InstCallback
	data interface{}
}

// MemAccessRegistry is C11: the ordered (id, type, range, callback, data)
// list plus the two gate ids, per spec.md §3's MemCallbackRegistry. A gate
// is installed when an entry first requires it, at most once per direction,
// and stays installed after its last entry is deleted (SPEC_FULL §9.2).
type MemAccessRegistry struct {
	entries []memEntry
	nextID  uint32

	readGateID  uint32
	writeGateID uint32
	hasReadGate bool
	hasWriteGate bool
}

func newMemAccessRegistry() *MemAccessRegistry {
	return &MemAccessRegistry{}
}

func (r *MemAccessRegistry) clone() *MemAccessRegistry {
	out := &MemAccessRegistry{
		nextID: r.nextID, readGateID: r.readGateID, writeGateID: r.writeGateID,
		hasReadGate: r.hasReadGate, hasWriteGate: r.hasWriteGate,
	}
	out.entries = append(out.entries, r.entries...)
	return out
}

func (r *MemAccessRegistry) register(typ MemoryAccessType, a rng.Range, cbk vmstate.InstCallback, data interface{}) uint32 {
	r.nextID++
	r.entries = append(r.entries, memEntry{id: r.nextID, typ: typ, rng: a, cbk: cbk, data: data})
	return r.nextID
}

// delete removes the entry with the given raw (unmasked) id, iterating by
// id with a stable predicate and breaking after the first match — the
// re-implementation of the original's index-based erase loop, resolved per
// spec.md §9's open question and SPEC_FULL §9.4.
func (r *MemAccessRegistry) delete(id uint32) bool {
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *MemAccessRegistry) needsGate(typ MemoryAccessType) bool {
	for _, e := range r.entries {
		if e.typ&typ != 0 {
			return true
		}
	}
	return false
}

// entriesOverlapping returns every entry whose direction includes typ and
// whose range overlaps acc.
func (r *MemAccessRegistry) entriesOverlapping(typ MemoryAccessType, acc rng.Range) []memEntry {
	var out []memEntry
	for _, e := range r.entries {
		if e.typ&typ != 0 && e.rng.Overlaps(acc) {
			out = append(out, e)
		}
	}
	return out
}

// RegisterMemRangeCB registers cbk to fire whenever an access of the given
// type(s) within [lo, hi) is observed on any instrumented instruction,
// installing the matching gate InstrRule(s) lazily on first use of that
// direction (spec.md §4.8, SPEC_FULL §9.2).
func (e *Engine) RegisterMemRangeCB(lo, hi uint64, typ MemoryAccessType, cbk vmstate.InstCallback, data interface{}) EventID {
	if cbk == nil || hi <= lo {
		return InvalidEventID
	}
	id := e.memReg.register(typ, rng.Range{Start: lo, End: hi}, cbk, data)
	e.ensureGates()
	e.ClearAllCache()
	return virtualID(id)
}

// ensureGates installs memReadGate and/or memWriteGate the first time a
// registration needs that direction. Once installed, a gate is never torn
// down even if the last matching entry is later deleted (matching QBDI's
// own "install once" behavior; a stale gate with no matching entries is a
// harmless no-op fan-out).
func (e *Engine) ensureGates() {
	if !e.memReg.hasReadGate && e.memReg.needsGate(MemRead) {
		id := e.installGate(MemRead, rule.PreInst)
		e.memReg.readGateID = id
		e.memReg.hasReadGate = true
	}
	if !e.memReg.hasWriteGate && e.memReg.needsGate(MemWrite) {
		id := e.installGate(MemWrite, rule.PostInst)
		e.memReg.writeGateID = id
		e.memReg.hasWriteGate = true
	}
}

// installGate adds the shadow InstrRule for one direction: PREINST reads
// (captured before the original instruction executes, since a read's value
// is only meaningful pre-mutation for RMW instructions) and POSTINST writes
// (captured after, since MEMORY_READ_WRITE entries route through both
// gates per SPEC_FULL §9.2).
func (e *Engine) installGate(typ MemoryAccessType, pos rule.Position) uint32 {
	condition := patch.DoesReadAccess
	if typ == MemWrite {
		condition = patch.DoesWriteAccess
	}
	gen := e.recorderGenerator(typ)
	id := e.rules.Add(&rule.InstrRule{
		Condition:  condition,
		Generators: []patch.Generator{gen},
		Position:   pos,
	})
	return id
}

// recorderGenerator builds the PatchGenerator behind a gate: a
// CallHostFunction whose callback computes each memory operand's effective
// address from the *live* GPRState (guaranteed current at call time since
// CallHostFunction only ever fires with guest registers already loaded)
// and appends a MemAccessRecord, then invokes any MemAccessRegistry entry
// whose range overlaps.
func (e *Engine) recorderGenerator(typ MemoryAccessType) patch.Generator {
	return patch.GeneratorFunc(func(gc patch.GenContext) (reloc.Seq, error) {
		inst := gc.Inst
		cbk := vmstate.InstCallback(func(vm interface{}, gpr *vmstate.GPRState, fpr *vmstate.FPRState, data interface{}) vmstate.VMAction {
			return e.runGate(typ, inst, gpr, fpr)
		})
		return patch.CallHostFunction(cbk, nil, e.cbkTable, e.movers).Generate(gc)
	})
}

// runGate is the actual gate body: it recomputes this instruction's memory
// accesses against the live GPRState, drops any stale ring entries for this
// instID (spec.md §5's "ring cleared at instruction start"), appends the
// fresh ones, and fans out to overlapping MemAccessRegistry entries.
func (e *Engine) runGate(typ MemoryAccessType, inst codec.Instruction, gpr *vmstate.GPRState, fpr *vmstate.FPRState) vmstate.VMAction {
	e.dropRingEntries(inst.Address)

	action := vmstate.Continue
	for _, op := range inst.Operands {
		if op.Kind != codec.OperandMem {
			continue
		}
		accessType := MemRead
		if inst.Writes && !inst.Reads {
			accessType = MemWrite
		} else if inst.Reads && inst.Writes {
			accessType = MemReadWrite
		}
		if accessType&typ == 0 {
			continue
		}
		// Effective address: base register plus displacement. Index/scale
		// addressing is not modeled by codec.Operand's architecture-neutral
		// shape, so accesses using SIB index scaling record only the base
		// component; callers needing exact addresses on such instructions
		// should consult MachineCodec.OperandInfo directly.
		addr := gpr.Get(op.Reg) + uint64(op.Imm)
		size := int(op.Size)
		// Reads gate PreInst (before the original mutates memory) and writes
		// gate PostInst (after) — see installGate — so a single Read here
		// always observes the value this access actually produced or
		// consumed, once instInterp.Apply has run the instruction.
		value := e.guest.Memory.Read(addr, size)
		rec := MemAccessRecord{Address: addr, Size: size, Value: value, Type: accessType, InstID: inst.Address}
		e.ring = append(e.ring, rec)
		e.recordAccess(rec)

		for _, entry := range e.memReg.entriesOverlapping(typ, rng.Range{Start: addr, End: addr + uint64(size)}) {
			got := entry.cbk(e, gpr, fpr, entry.data)
			action = vmstate.Max(action, got)
		}
	}
	return action
}

// dropRingEntries removes any existing ring entries for instID before it
// fires again, so re-executing the same guest instruction (a loop) doesn't
// accumulate stale accesses under one instID.
func (e *Engine) dropRingEntries(instID uint64) {
	kept := e.ring[:0]
	for _, r := range e.ring {
		if r.InstID != instID {
			kept = append(kept, r)
		}
	}
	e.ring = kept
}

// GetInstMemoryAccess returns every ring entry produced by the instruction
// at pc (spec.md §4.8, testable property 2).
func (e *Engine) GetInstMemoryAccess(pc uint64) []MemAccessRecord {
	var out []MemAccessRecord
	for _, r := range e.ring {
		if r.InstID == pc {
			out = append(out, r)
		}
	}
	return out
}

// GetBBMemoryAccess returns every ring entry produced since the start of
// the current sequence up to and including pc, in execution order —
// re-derived per instruction rather than replayed from a flat log, matching
// the original's getSeqStart..instID walk (SPEC_FULL §9.3).
func (e *Engine) GetBBMemoryAccess(pc uint64) []MemAccessRecord {
	var out []MemAccessRecord
	for _, r := range e.ring {
		if r.InstID >= e.seqStartPC && r.InstID <= pc {
			out = append(out, r)
		}
	}
	return out
}

// clearRingForNewSequence resets the ring's sequence anchor on
// EventSequenceEntry (spec.md §5: cleared at sequence/instruction start).
func (e *Engine) clearRingForNewSequence(seqStartPC uint64) {
	e.seqStartPC = seqStartPC
	e.ring = e.ring[:0]
	e.recordSeqEntry(seqStartPC)
	e.log.Debug("sequence entry", zap.Uint64("pc", seqStartPC))
}
