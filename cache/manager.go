// Package cache implements ExecBlockManager (C9): the guest-PC ->
// ExecBlock lookup table, a per-block guest coverage range for
// invalidation, and the forward-disassembling translate() that fills a
// cache miss.
package cache

import (
	"github.com/pkg/errors"

	"github.com/corvid-dbi/corvid/arch"
	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/execblock"
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/reloc"
	"github.com/corvid-dbi/corvid/rng"
	"github.com/corvid-dbi/corvid/rule"
)

// entry is one lookup hit: the ExecBlock a guest PC translated into, plus
// the sequence id (index into that block's SeqIndex) execution should
// resume at.
type entry struct {
	block *execblock.ExecBlock
	seqID int
}

// ErrUntranslatable is returned by translate when Decode fails on the
// instruction at pc — spec.md's "Translation" error class. The engine logs
// it and returns it from Run or PrecacheBasicBlock; it emits no VMEvent and
// does not mark pc, so a later miss at pc attempts translation again.
var ErrUntranslatable = errors.New("cache: instruction at pc could not be translated")

// Manager is the ExecBlockManager: guest-PC range -> (ExecBlock, seq_id),
// with each block's guest coverage Range recorded so invalidation by
// address range scans the block list rather than every cached PC
// (spec.md §4.6).
type Manager struct {
	codec   codec.MachineCodec
	backend arch.MachineBackend
	movers  patch.MoveEncoders

	codePageBytes int
	prologueSize  int
	epilogueSize  int
	prologue      reloc.Seq
	epilogue      reloc.Seq

	byPC   map[uint64]entry
	blocks []*execblock.ExecBlock
	// coverage tracks which guest ranges each block was translated from,
	// so clear(range) can find every affected block without walking byPC.
	coverage map[*execblock.ExecBlock]rng.Range
}

// Config bundles the fixed per-block sizing and encoders every translated
// ExecBlock in this Manager shares.
type Config struct {
	Codec         codec.MachineCodec
	Backend       arch.MachineBackend
	MoveEncoders  patch.MoveEncoders
	CodePageBytes int
	PrologueSize  int
	EpilogueSize  int
	Prologue      reloc.Seq
	Epilogue      reloc.Seq
	ScratchSlots  int
	FPRSlotSize   int
}

// New builds an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		codec:         cfg.Codec,
		backend:       cfg.Backend,
		movers:        cfg.MoveEncoders,
		codePageBytes: cfg.CodePageBytes,
		prologueSize:  cfg.PrologueSize,
		epilogueSize:  cfg.EpilogueSize,
		prologue:      cfg.Prologue,
		epilogue:      cfg.Epilogue,
		byPC:          make(map[uint64]entry),
		coverage:      make(map[*execblock.ExecBlock]rng.Range),
	}
}

// Lookup returns the cached block and sequence id for pc, or ok=false on a
// cache miss (spec.md's `lookup(pc) -> (block, seq_id) | miss`).
func (m *Manager) Lookup(pc uint64) (block *execblock.ExecBlock, seqID int, ok bool) {
	e, found := m.byPC[pc]
	if !found || e.block.State() != execblock.Executable {
		return nil, 0, false
	}
	return e.block, e.seqID, true
}

// scratchLayoutFor builds a fresh Context Layout for one new block.
func (m *Manager) scratchLayoutFor(scratchSlots int) *execblock.Layout {
	gprs := m.backend.GPRs()
	return execblock.NewLayout(gprs, scratchSlots)
}

// Translate fills a cache miss at pc: disassembles forward through code
// (bytes starting at pc, already read from the guest's address space by
// the caller) until a basic-block terminator, until codePageBytes worth of
// patches have been emitted, or until instrumented no longer covers the
// next PC — whichever comes first (spec.md §4.6). rules supplies the
// matchers considered at every instruction.
func (m *Manager) Translate(code []byte, pc uint64, instrumented *rng.RangeSet, rules *rule.Registry, temps patch.TempAlloc) (*execblock.ExecBlock, int, error) {
	layout := m.scratchLayoutFor(4)
	block, err := execblock.New(execblock.Config{
		CodePageBytes: m.codePageBytes,
		Layout:        layout,
		GPREnums:      m.backend.GPRs(),
		FPREnums:      m.backend.FPRs(),
		FPRSlotSize:   16,
		PrologueSize:  m.prologueSize,
		EpilogueSize:  m.epilogueSize,
		Prologue:      m.prologue,
		Epilogue:      m.epilogue,
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "allocating ExecBlock")
	}

	builder := &patch.Builder{
		Codec:          m.codec,
		Backend:        m.backend,
		MoveEncoders:   m.movers,
		CtxOffset:      layout.Offset,
		EpilogueOffset: uint64(m.codePageBytes - m.epilogueSize),
		SelectorOffset: layout.SelectorOffset(),
	}

	blockStart := pc
	cur := pc
	offset := 0
	seqStart := 0

	for {
		if instrumented != nil && !instrumented.Empty() && !instrumented.Contains(cur) {
			break
		}
		if offset >= len(code) {
			break
		}

		pre, post := rules.MatchingAt(cur)
		matchers := make([]patch.Matcher, 0, len(pre)+len(post))
		for _, r := range pre {
			matchers = append(matchers, r.ToMatcher())
		}
		for _, r := range post {
			matchers = append(matchers, r.ToMatcher())
		}

		p, err := builder.Build(code[offset:], cur, matchers, temps)
		if err != nil {
			return nil, 0, errors.Wrapf(ErrUntranslatable, "at 0x%x: %v", cur, err)
		}

		if _, err := block.Append(p); err != nil {
			if err == execblock.ErrNoSpace {
				break
			}
			return nil, 0, err
		}

		cur += uint64(p.GuestLength)
		offset += p.GuestLength

		if p.Flags.EndsBasicBlock {
			break
		}
	}

	if len(block.SeqIndex()) == 0 {
		block.Invalidate()
		block.Free()
		return nil, 0, errors.Wrapf(ErrUntranslatable, "no instruction fit at 0x%x", pc)
	}

	if err := block.Finalize(); err != nil {
		return nil, 0, errors.Wrap(err, "finalizing ExecBlock")
	}

	m.blocks = append(m.blocks, block)
	m.coverage[block] = rng.Range{Start: blockStart, End: cur}
	for i, e := range block.SeqIndex() {
		m.byPC[e.GuestPC] = entry{block: block, seqID: i}
	}

	return block, seqStart, nil
}

// ClearAll drops every cached block; subsequent lookups miss and
// re-translate (spec.md's clearAllCache).
func (m *Manager) ClearAll() {
	for _, b := range m.blocks {
		b.Invalidate()
		b.Free()
	}
	m.blocks = nil
	m.byPC = make(map[uint64]entry)
	m.coverage = make(map[*execblock.ExecBlock]rng.Range)
}

// Clear drops every cached block whose source range overlaps r (spec.md's
// clearCache(range)).
func (m *Manager) Clear(r rng.Range) {
	remaining := m.blocks[:0]
	for _, b := range m.blocks {
		cov, ok := m.coverage[b]
		if ok && cov.Overlaps(r) {
			for _, e := range b.SeqIndex() {
				delete(m.byPC, e.GuestPC)
			}
			delete(m.coverage, b)
			b.Invalidate()
			b.Free()
			continue
		}
		remaining = append(remaining, b)
	}
	m.blocks = remaining
}

// Blocks returns every live cached block, for diagnostics.
func (m *Manager) Blocks() []*execblock.ExecBlock {
	out := make([]*execblock.ExecBlock, len(m.blocks))
	copy(out, m.blocks)
	return out
}
