package engine

import (
	"go.uber.org/zap"

	"github.com/corvid-dbi/corvid/execblock"
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/reloc"
	"github.com/corvid-dbi/corvid/rng"
	"github.com/corvid-dbi/corvid/rule"
	"github.com/corvid-dbi/corvid/vmstate"
)

// CodeSource supplies guest instruction bytes on demand, the only
// environment-derived input the dispatcher needs beyond MachineCodec
// itself (spec.md §6: "the only environment-derived inputs to the core are
// the CPU model string and machine-attribute flags"). Reading a target's
// address space is an OS-specific concern the core deliberately doesn't
// own (spec.md §1's ProcessMapEnumerator scoping applies equally here).
type CodeSource interface {
	ReadCode(pc uint64, max int) ([]byte, error)
}

// Executor resolves the actual next guest PC for a control-transfer patch
// whose target isn't statically known (indirect branch, call, return) —
// it needs the live guest register file (and, for a return, the guest
// stack), which only real or emulated hardware can supply. Direct branches
// resolve without one, straight from MachineBackend.BranchTarget.
type Executor interface {
	ResolveTarget(p *patch.Patch, gpr *vmstate.GPRState) (uint64, error)
}

// errControlFlowUnresolved is returned by Run when it reaches an indirect
// branch, call, or return and no Executor was supplied to resolve it.
type errControlFlowUnresolved struct{ pc uint64 }

func (e errControlFlowUnresolved) Error() string {
	return "engine: indirect control transfer requires an Executor to resolve the guest target"
}

// Run installs a one-shot PREINST stop breakpoint at stop, then dispatches
// from start: lookup, walk the cached patches invoking their PRE/POST
// callbacks in order, and follow control flow until a callback returns
// STOP, the stop breakpoint fires, or a fatal error occurs (spec.md §4.7).
// exec resolves indirect control transfers; it may be nil if the guest
// code contains none.
func (e *Engine) Run(start, stop uint64, src CodeSource, exec Executor) (bool, error) {
	stopID := e.installStopBreakpoint(stop)
	defer e.teardownStopBreakpoint(stopID, stop)

	pc := start
	for {
		block, seqID, ok := e.cacheMgr.Lookup(pc)
		if !ok {
			code, err := src.ReadCode(pc, e.opts.CodePageBytes)
			if err != nil {
				return false, err
			}
			block, seqID, err = e.translate(pc, code)
			if err != nil {
				return false, err
			}
		}
		e.clearRingForNewSequence(pc)
		e.fireVMEvent(vmstate.EventSequenceEntry, nil)
		e.curBlock = block
		e.curSeqID = seqID

		action, nextPC, err := e.dispatchBlock(block, seqID, exec)
		if err != nil {
			return false, err
		}
		if action == vmstate.Stop {
			e.fireVMEvent(vmstate.EventSequenceExit, nil)
			return true, nil
		}
		pc = nextPC
	}
}

// dispatchBlock enters block at seqID via ExecBlock.Execute — spec.md
// §4.5's execute() — which applies each patch's instruction semantics to
// guest and fires its PRE/POST callbacks in registration order (spec.md
// §4.2, §5), aggregating their VMAction by severity (spec.md §4.7). Once
// Execute stops (basic block end, or a callback returning STOP),
// dispatchBlock resolves the next guest PC for the patch it stopped at
// (directly, or via exec for an indirect transfer) and returns.
func (e *Engine) dispatchBlock(block *execblock.ExecBlock, seqID int, exec Executor) (vmstate.VMAction, uint64, error) {
	patches := block.Patches()

	stopIndex, action, err := block.Execute(seqID, &e.guest, e.interp, func(id uint32) vmstate.VMAction {
		return e.cbkTable.Invoke(id, e, e.guest.GPR, e.guest.FPR)
	})
	if err != nil {
		return action, 0, err
	}
	if action == vmstate.Stop {
		return action, 0, nil
	}

	p := patches[stopIndex]
	if target, resolved := e.backend.BranchTarget(p.Decoded); resolved {
		return action, target, nil
	}
	if p.Decoded.IsReturn || p.Decoded.IsCall || p.Flags.IsIndirect {
		if exec == nil {
			return action, 0, errControlFlowUnresolved{pc: p.GuestAddress}
		}
		target, err := exec.ResolveTarget(p, e.guest.GPR)
		if err != nil {
			return action, 0, err
		}
		return action, target, nil
	}
	return action, p.GuestAddress + uint64(p.GuestLength), nil
}

// installStopBreakpoint adds a one-shot PREINST rule at stop whose
// generator always returns STOP, matching the original's run(start, stop)
// behavior (spec.md §4.7, SPEC_FULL §9.5).
func (e *Engine) installStopBreakpoint(stop uint64) uint32 {
	cbk := vmstate.InstCallback(func(interface{}, *vmstate.GPRState, *vmstate.FPRState, interface{}) vmstate.VMAction {
		return vmstate.Stop
	})
	gen := patch.GeneratorFunc(func(gc patch.GenContext) (reloc.Seq, error) {
		return patch.CallHostFunction(cbk, nil, e.cbkTable, e.movers).Generate(gc)
	})
	return e.rules.Add(&rule.InstrRule{
		Condition:  patch.AddressIs(stop),
		Generators: []patch.Generator{gen},
		Position:   rule.PreInst,
	})
}

// teardownStopBreakpoint removes the one-shot rule once Run returns, so a
// later Run at the same stop address starts clean (SPEC_FULL §9.5).
func (e *Engine) teardownStopBreakpoint(id uint32, stop uint64) {
	if e.rules.Delete(id) {
		e.log.Debug("stop breakpoint removed", zap.Uint64("pc", stop))
		e.ClearCache(rng.Range{Start: stop, End: stop + 1})
	}
}
