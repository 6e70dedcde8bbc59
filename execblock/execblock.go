// Package execblock implements ExecBlock: a page-pair (code + Context)
// holding a contiguous sequence of patched instructions plus a fixed
// prologue/epilogue, and the per-block state machine of spec.md §4.9.
package execblock

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/execblock/pagealloc"
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/reloc"
	"github.com/corvid-dbi/corvid/vmstate"
)

// State is one node of the per-ExecBlock state machine (spec.md §4.9):
// Empty -> Writing -> Sealed -> Executable -> Invalidated.
type State int

const (
	Empty State = iota
	Writing
	Sealed
	Executable
	Invalidated
)

func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case Writing:
		return "Writing"
	case Sealed:
		return "Sealed"
	case Executable:
		return "Executable"
	case Invalidated:
		return "Invalidated"
	default:
		return "Unknown"
	}
}

// ErrNoSpace is returned by Append when the code page can't fit another
// patch; the caller (cache.Manager) allocates a fresh ExecBlock in
// response (spec.md §4.5).
var ErrNoSpace = errors.New("execblock: no space remaining in code page")

// SeqEntry maps one guest PC to the host byte offset its patch begins at,
// forming the monotonically increasing seq_index of spec.md §3.
type SeqEntry struct {
	GuestPC    uint64
	HostOffset uint64
}

// ExecBlock is a JIT-populated, page-aligned pair holding a contiguous
// rewritten basic-block sequence.
type ExecBlock struct {
	pages   *pagealloc.Pair
	context *Context
	layout  *Layout

	state State

	patches  []*patch.Patch
	seqIndex []SeqEntry

	// writeOffset is where the next Append will land in the code page,
	// measured from the start of the *patch* region (after the fixed
	// prologue).
	writeOffset    uint64
	prologueSize   int
	epilogueOffset uint64
	epilogueSize   int

	// prologue/epilogue are the fixed byte sequences written once at
	// construction (spec.md §4.5): save host regs, load guest regs,
	// indirect-jump to code+Selector; and its mirror.
	prologue reloc.Seq
	epilogue reloc.Seq
}

// Config bundles everything New needs to size and seed a block.
type Config struct {
	CodePageBytes int
	Layout        *Layout
	GPREnums      []int
	FPREnums      []int
	FPRSlotSize   int
	PrologueSize  int
	EpilogueSize  int
	Prologue      reloc.Seq
	Epilogue      reloc.Seq
}

// New allocates the page pair and writes the fixed prologue/epilogue,
// leaving the block in the Writing state ready for Append.
func New(cfg Config) (*ExecBlock, error) {
	pages, err := pagealloc.New(cfg.CodePageBytes, int(cfg.Layout.Size()))
	if err != nil {
		return nil, errors.Wrap(err, "allocating ExecBlock pages")
	}
	eb := &ExecBlock{
		pages:          pages,
		context:        NewContext(cfg.GPREnums, cfg.FPREnums, cfg.FPRSlotSize),
		layout:         cfg.Layout,
		state:          Writing,
		writeOffset:    uint64(cfg.PrologueSize),
		prologueSize:   cfg.PrologueSize,
		epilogueSize:   cfg.EpilogueSize,
		prologue:       cfg.Prologue,
		epilogue:       cfg.Epilogue,
	}
	eb.epilogueOffset = uint64(cfg.CodePageBytes - cfg.EpilogueSize)

	base := eb.baseAddr()
	ctxBase := eb.contextAddr()
	if err := eb.writeAt(0, eb.prologue, base, ctxBase, 0); err != nil {
		return nil, errors.Wrap(err, "writing prologue")
	}
	if err := eb.writeAt(eb.epilogueOffset, eb.epilogue, base, ctxBase, 0); err != nil {
		return nil, errors.Wrap(err, "writing epilogue")
	}
	return eb, nil
}

func (eb *ExecBlock) baseAddr() uint64 {
	if len(eb.pages.Code) == 0 {
		return 0
	}
	return addrOf(eb.pages.Code)
}

func (eb *ExecBlock) contextAddr() uint64 {
	if len(eb.pages.Data) == 0 {
		return 0
	}
	return addrOf(eb.pages.Data)
}

func (eb *ExecBlock) writeAt(offset uint64, seq reloc.Seq, base, ctxBase, guestPC uint64) error {
	b, err := seq.Materialise(reloc.Inputs{ExecBlockBase: base, ContextBase: ctxBase, HostOffset: offset, PatchGuestPC: guestPC})
	if err != nil {
		return err
	}
	copy(eb.pages.Code[offset:], b)
	return nil
}

// Append writes p's rewritten instruction sequence into the code page,
// recording a seq_index entry, and returns the host byte offset it landed
// at. Fails with ErrNoSpace if p doesn't fit before the epilogue.
func (eb *ExecBlock) Append(p *patch.Patch) (uint64, error) {
	if eb.state != Writing {
		return 0, errors.Errorf("execblock: Append called in state %s, want Writing", eb.state)
	}
	need := uint64(p.Rewritten.Len())
	if eb.writeOffset+need > eb.epilogueOffset {
		return 0, ErrNoSpace
	}
	if err := eb.writeAt(eb.writeOffset, p.Rewritten, eb.baseAddr(), eb.contextAddr(), p.GuestAddress); err != nil {
		return 0, errors.Wrap(err, "materialising patch")
	}
	hostOffset := eb.writeOffset
	eb.patches = append(eb.patches, p)
	eb.seqIndex = append(eb.seqIndex, SeqEntry{GuestPC: p.GuestAddress, HostOffset: hostOffset})
	eb.writeOffset += need
	return hostOffset, nil
}

// Finalize moves Writing -> Sealed -> Executable: flips the code page RX
// and issues an icache sync (spec.md §4.5, §4.9).
func (eb *ExecBlock) Finalize() error {
	if eb.state != Writing {
		return errors.Errorf("execblock: Finalize called in state %s, want Writing", eb.state)
	}
	eb.state = Sealed
	if err := eb.pages.Seal(); err != nil {
		return err
	}
	eb.state = Executable
	return nil
}

// Invalidate transitions the block to Invalidated from any state; it is
// only actually deallocated once no frame references it (spec.md §4.9).
// Free performs that deallocation.
func (eb *ExecBlock) Invalidate() {
	eb.state = Invalidated
}

// Free releases the underlying pages. Callers must ensure nothing still
// references this block (i.e. it has already been Invalidated and no
// in-flight execution frame points into it).
func (eb *ExecBlock) Free() error {
	return eb.pages.Free()
}

func (eb *ExecBlock) State() State { return eb.state }

// CodeBase returns the code page's host base address, for computing host
// PCs from seq_index entries.
func (eb *ExecBlock) CodeBase() uint64 { return eb.baseAddr() }

// ContextBase returns the Context page's host base address.
func (eb *ExecBlock) ContextBase() uint64 { return eb.contextAddr() }

// Context returns the live Context this block's generated code reads and
// writes through.
func (eb *ExecBlock) Context() *Context { return eb.context }

// Layout returns the Context field layout this block was built with.
func (eb *ExecBlock) Layout() *Layout { return eb.layout }

// SeqIndex returns the guest-PC -> host-offset table, monotonically
// increasing in both coordinates (spec.md §3 invariant b).
func (eb *ExecBlock) SeqIndex() []SeqEntry { return eb.seqIndex }

// Patches returns every Patch appended so far, in append order.
func (eb *ExecBlock) Patches() []*patch.Patch { return eb.patches }

// InstructionInterpreter applies one decoded instruction's data-processing
// effect directly to the guest register file. Execute calls it once per
// patch in place of actually running the code page's rewritten bytes,
// standing in for a hardware Executor until one is wired in (see
// DESIGN.md's execute() note).
type InstructionInterpreter interface {
	Apply(inst codec.Instruction, guest *vmstate.GuestContext) error
}

// CallbackInvoker fires a previously registered PRE/POST callback id,
// returning its VMAction. Execute never touches the CallbackTable itself
// so this package doesn't need to import patch's callback machinery.
type CallbackInvoker func(id uint32) vmstate.VMAction

// Execute enters the block at seqID — spec.md §4.5's execute() ("enter
// prologue") — and runs forward exactly as the real prologue/epilogue
// pair would: apply each patch's original semantics to guest, fire its
// PRE/POST callbacks in registration order, and keep going until a patch
// ends the basic block or a callback returns Stop. A hardware Executor
// would instead jump directly into the code page and trap out at the
// same two points (a BreakToHost trailer, or the block simply ending);
// interp supplies the equivalent semantic effect in software so ordinary,
// uninstrumented instructions still change guest state (spec.md §2).
//
// Execute returns the index of the patch it stopped at, so the caller can
// resolve that patch's control transfer (direct branch target, or an
// Executor call for an indirect one).
func (eb *ExecBlock) Execute(seqID int, guest *vmstate.GuestContext, interp InstructionInterpreter, invoke CallbackInvoker) (stopIndex int, action vmstate.VMAction, err error) {
	action = vmstate.Continue
	for i := seqID; i < len(eb.patches); i++ {
		p := eb.patches[i]

		for _, id := range p.FiredPre {
			got := invoke(id)
			action = vmstate.Max(action, got)
			if action == vmstate.Stop {
				return i, action, nil
			}
		}

		if interp != nil {
			if err := interp.Apply(p.Decoded, guest); err != nil {
				return i, action, errors.Wrapf(err, "interpreting patch at 0x%x", p.GuestAddress)
			}
		}

		for _, id := range p.FiredPost {
			got := invoke(id)
			action = vmstate.Max(action, got)
			if action == vmstate.Stop {
				return i, action, nil
			}
		}

		if p.Flags.EndsBasicBlock {
			return i, action, nil
		}
	}
	return len(eb.patches) - 1, action, nil
}

// FindByGuestPC returns the seq_index entry for guestPC, if this block has
// translated it.
func (eb *ExecBlock) FindByGuestPC(guestPC uint64) (SeqEntry, bool) {
	for _, e := range eb.seqIndex {
		if e.GuestPC == guestPC {
			return e, true
		}
	}
	return SeqEntry{}, false
}

// GuestPCForHostOffset maps a host PC (relative to CodeBase) back to the
// guest PC whose patch contains it — used for postmortem signal reporting
// (spec.md §4.10).
func (eb *ExecBlock) GuestPCForHostOffset(hostOffset uint64) (uint64, bool) {
	var best uint64
	found := false
	for _, e := range eb.seqIndex {
		if e.HostOffset <= hostOffset {
			best = e.GuestPC
			found = true
		}
	}
	return best, found
}

// addrOf recovers the host address backing a mmap'd slice. Safe here
// because pagealloc.Pair pages are anonymous OS mappings, not
// GC-relocatable Go heap memory.
func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
