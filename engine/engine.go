// Package engine implements the top-level orchestrator (C10): translate on
// miss, enter/leave ExecBlocks, dispatch VM events and memory-access
// callbacks. It owns the ExecBlockManager and every rule table exclusively
// (spec.md §3 Ownership, §5 Concurrency).
package engine

import (
	"go.uber.org/zap"

	"github.com/corvid-dbi/corvid/arch"
	"github.com/corvid-dbi/corvid/cache"
	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/execblock"
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/reloc"
	"github.com/corvid-dbi/corvid/rng"
	"github.com/corvid-dbi/corvid/rule"
	"github.com/corvid-dbi/corvid/trace"
	"github.com/corvid-dbi/corvid/vmstate"
)

// vmEventSub is one registered VMCallback and the event mask it subscribes to.
type vmEventSub struct {
	id     EventID
	mask   vmstate.VMEvent
	cbk    vmstate.VMCallback
	data   interface{}
}

// Engine is the confined, single-threaded resource spec.md §5 describes:
// only the thread executing Run may call its mutating methods.
type Engine struct {
	codec   codec.MachineCodec
	backend arch.MachineBackend
	movers  patch.MoveEncoders

	prologue reloc.Seq
	epilogue reloc.Seq
	opts     Options
	log      *zap.Logger

	cacheMgr *cache.Manager
	rules    *rule.Registry
	memReg   *MemAccessRegistry
	cbkTable *patch.CallbackTable

	instrumented *rng.RangeSet

	guest vmstate.GuestContext

	// interp gives ExecBlock.Execute an effect on guest for patches that
	// aren't hit by any InstrRule, since no hardware Executor runs the
	// code page's rewritten bytes yet (spec.md §4.5, §2).
	interp execblock.InstructionInterpreter

	curBlock *execblock.ExecBlock
	curSeqID int

	vmEvents  []vmEventSub
	nextVMID  uint32

	// ring is the per-sequence memory-access log described in spec.md
	// §4.8/§5: entries accumulate across a sequence, keyed by the
	// instruction id (guest PC) that produced them, and are dropped for a
	// given instID immediately before it fires again.
	ring       []MemAccessRecord
	seqStartPC uint64

	// recorder, when attached via SetRecorder, receives a copy of every
	// MemAccessRecord and sequence boundary as it happens.
	recorder *trace.Writer
}

// New constructs an Engine bound to one MachineCodec/MachineBackend pair.
func New(c codec.MachineCodec, b arch.MachineBackend, movers patch.MoveEncoders, prologue, epilogue reloc.Seq, options ...Option) *Engine {
	opts := defaultOptions()
	for _, o := range options {
		o(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		codec:        c,
		backend:      b,
		movers:       movers,
		prologue:     prologue,
		epilogue:     epilogue,
		opts:         opts,
		log:          logger,
		rules:        &rule.Registry{},
		memReg:       newMemAccessRegistry(),
		cbkTable:     &patch.CallbackTable{},
		instrumented: rng.NewRangeSet(),
		interp:       instInterp{sp: b.SP()},
		guest: vmstate.GuestContext{
			GPR:    vmstate.NewGPRState(b.GPRs()),
			FPR:    vmstate.NewFPRState(b.FPRs(), opts.FPRSlotSize),
			Memory: vmstate.NewGuestMemory(),
		},
	}
	e.cacheMgr = cache.New(cache.Config{
		Codec:         c,
		Backend:       b,
		MoveEncoders:  movers,
		CodePageBytes: opts.CodePageBytes,
		PrologueSize:  b.PrologueSize(),
		EpilogueSize:  b.EpilogueSize(),
		Prologue:      prologue,
		Epilogue:      epilogue,
	})
	return e
}

// AddInstrumentedRange adds r to the set of guest ranges the Engine will
// translate (spec.md §4.6). While the set is empty every PC is translated;
// once it is not, translation stops at the first PC outside it, and Run
// returns an error when it reaches a PC outside every instrumented range.
// There is no native execution path for such PCs.
func (e *Engine) AddInstrumentedRange(r rng.Range) {
	e.instrumented.Add(r)
	e.cacheMgr.Clear(r)
}

// AddInstrRule registers r, assigning it an id, and invalidates the cache
// for its overlapping ranges (spec.md §3's InstrRule lifecycle invariant).
func (e *Engine) AddInstrRule(r *rule.InstrRule) EventID {
	id := e.rules.Add(r)
	e.invalidateRuleRanges(r)
	e.log.Debug("instrumentation rule added", zap.Uint32("id", id))
	return EventID(id)
}

// DeleteInstrumentation removes the rule or memory-range callback named by
// id. Virtual ids (MSB set) are resolved against the MemAccessRegistry;
// engine ids against the rule.Registry — the two-branch split ground-truthed
// against the original's deleteInstrumentation (SPEC_FULL §9.1, §9.4).
func (e *Engine) DeleteInstrumentation(id EventID) bool {
	if isVirtual(id) {
		ok := e.memReg.delete(unmask(id))
		if ok {
			e.ClearAllCache()
		}
		return ok
	}
	r, found := e.ruleByID(uint32(id))
	ok := e.rules.Delete(uint32(id))
	if ok && found {
		e.invalidateRuleRanges(r)
	}
	return ok
}

// DeleteAllInstrumentations clears every rule and memory-range callback and
// invalidates the whole cache.
func (e *Engine) DeleteAllInstrumentations() {
	e.rules.DeleteAll()
	e.memReg = newMemAccessRegistry()
	e.ClearAllCache()
}

func (e *Engine) ruleByID(id uint32) (*rule.InstrRule, bool) {
	for _, r := range e.rules.All() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

func (e *Engine) invalidateRuleRanges(r *rule.InstrRule) {
	if r.Ranges == nil || r.Ranges.Empty() {
		e.ClearAllCache()
		return
	}
	for _, rr := range r.Ranges.Ranges() {
		e.cacheMgr.Clear(rr)
	}
}

// ClearAllCache drops every cached ExecBlock (spec.md's clearAllCache).
func (e *Engine) ClearAllCache() { e.cacheMgr.ClearAll() }

// ClearCache drops cached ExecBlocks overlapping r (spec.md's clearCache(range)).
func (e *Engine) ClearCache(r rng.Range) { e.cacheMgr.Clear(r) }

// PrecacheBasicBlock forces translation of the block starting at pc without
// executing it, using code as the guest bytes at pc.
func (e *Engine) PrecacheBasicBlock(pc uint64, code []byte) error {
	_, _, err := e.translate(pc, code)
	return err
}

func (e *Engine) translate(pc uint64, code []byte) (*execblock.ExecBlock, int, error) {
	temps := newScratchPool(e.opts.ScratchSlots)
	block, seqID, err := e.cacheMgr.Translate(code, pc, e.instrumented, e.rules, temps)
	if err != nil {
		e.log.Warn("translation failed", zap.Uint64("pc", pc), zap.Error(err))
		return nil, 0, err
	}
	return block, seqID, nil
}

// GPR returns the live guest general-purpose register state.
func (e *Engine) GPR() *vmstate.GPRState { return e.guest.GPR }

// FPR returns the live guest floating-point register state.
func (e *Engine) FPR() *vmstate.FPRState { return e.guest.FPR }

// SetGPRState replaces the guest GPR file outright — a mutating operation
// only valid from the thread running Run (spec.md §5).
func (e *Engine) SetGPRState(s *vmstate.GPRState) { e.guest.GPR = s }

// SetFPRState replaces the guest FPR file outright.
func (e *Engine) SetFPRState(s *vmstate.FPRState) { e.guest.FPR = s }

// GetCurExecBlock returns the ExecBlock currently (or most recently)
// executing, or nil before the first entry.
func (e *Engine) GetCurExecBlock() *execblock.ExecBlock { return e.curBlock }

// GetInstAnalysis decodes the instruction at pc from code without
// instrumenting or caching it, for introspection callbacks.
func (e *Engine) GetInstAnalysis(pc uint64, code []byte) (codec.Instruction, error) {
	inst, _, err := e.codec.Decode(code, pc)
	return inst, err
}

// RegisterVMCallback subscribes cbk to every event in mask, returning its id.
func (e *Engine) RegisterVMCallback(mask vmstate.VMEvent, cbk vmstate.VMCallback, data interface{}) EventID {
	e.nextVMID++
	id := EventID(e.nextVMID)
	e.vmEvents = append(e.vmEvents, vmEventSub{id: id, mask: mask, cbk: cbk, data: data})
	return id
}

// fireVMEvent invokes every subscriber whose mask includes evt, aggregating
// their VMAction by severity (spec.md §4.7).
func (e *Engine) fireVMEvent(evt vmstate.VMEvent, data interface{}) vmstate.VMAction {
	action := vmstate.Continue
	for _, sub := range e.vmEvents {
		if sub.mask&evt == 0 {
			continue
		}
		got := sub.cbk(e, evt, e.guest.GPR, e.guest.FPR, sub.data)
		action = vmstate.Max(action, got)
	}
	return action
}

// Snapshot duplicates the rule tables, memory-range registry, instrumented
// ranges, GPR state and guest memory but drops the ExecBlock cache — an
// explicit copy operation replacing the original's implicit deep-clone
// (spec.md §9 design note). It returns no error. The FPR state is shared
// with the original, not copied. The clone must re-translate everything on
// first use.
func (e *Engine) Snapshot() *Engine {
	clone := &Engine{
		codec: e.codec, backend: e.backend, movers: e.movers,
		prologue: e.prologue, epilogue: e.epilogue, opts: e.opts, log: e.log,
		rules:        cloneRegistry(e.rules),
		memReg:       e.memReg.clone(),
		cbkTable:     &patch.CallbackTable{},
		instrumented: e.instrumented.Clone(),
		interp:       e.interp,
		guest: vmstate.GuestContext{
			GPR:    e.guest.GPR.Clone(),
			FPR:    e.guest.FPR,
			Memory: e.guest.Memory.Clone(),
		},
	}
	clone.cacheMgr = cache.New(cache.Config{
		Codec: e.codec, Backend: e.backend, MoveEncoders: e.movers,
		CodePageBytes: e.opts.CodePageBytes,
		PrologueSize:  e.backend.PrologueSize(),
		EpilogueSize:  e.backend.EpilogueSize(),
		Prologue:      e.prologue, Epilogue: e.epilogue,
	})
	return clone
}

func cloneRegistry(reg *rule.Registry) *rule.Registry {
	out := &rule.Registry{}
	for _, r := range reg.All() {
		cp := *r
		out.Add(&cp)
	}
	return out
}
