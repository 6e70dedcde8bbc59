package engine

import (
	"testing"

	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/rng"
	"github.com/corvid-dbi/corvid/vmstate"
)

// memCodec decodes 0xA0 as an 8-byte memory read off register 0 and 0xC3 as
// a return, so tests can exercise the memory-access gate without a real
// disassembler.
type memCodec struct{}

func (memCodec) Decode(b []byte, pc uint64) (codec.Instruction, int, error) {
	if b[0] == 0xC3 {
		return codec.Instruction{Mnemonic: "RET", Address: pc, Len: 1, Raw: b[:1], IsReturn: true}, 1, nil
	}
	return codec.Instruction{
		Mnemonic: "MOVR0", Address: pc, Len: 1, Raw: b[:1], Reads: true,
		Operands: []codec.Operand{{Kind: codec.OperandMem, Reg: 0, Imm: 0, Size: 8}},
	}, 1, nil
}
func (memCodec) Encode(inst codec.Instruction) ([]byte, error) { return inst.Raw, nil }
func (memCodec) RegisterInfo(int) (codec.RegisterInfo, bool)   { return codec.RegisterInfo{}, false }
func (memCodec) RegisterUse(codec.Instruction) ([]int, []int)  { return nil, nil }
func (memCodec) OperandInfo(inst codec.Instruction, i int) (codec.Operand, bool) {
	if i < len(inst.Operands) {
		return inst.Operands[i], true
	}
	return codec.Operand{}, false
}

type fixedSource struct{ code []byte }

func (s fixedSource) ReadCode(pc uint64, max int) ([]byte, error) { return s.code, nil }

func TestMemoryGateRecordsAccessAndFiltersByRange(t *testing.T) {
	e := newTestEngineWithCodec(memCodec{})
	e.AddInstrumentedRange(rng.Range{Start: 0x1000, End: 0x1002})
	e.GPR().Set(0, 0x8000)

	var hits, misses int
	e.RegisterMemRangeCB(0x8000, 0x8008, MemRead, func(interface{}, *vmstate.GPRState, *vmstate.FPRState, interface{}) vmstate.VMAction {
		hits++
		return vmstate.Continue
	}, nil)
	e.RegisterMemRangeCB(0x9000, 0x9008, MemRead, func(interface{}, *vmstate.GPRState, *vmstate.FPRState, interface{}) vmstate.VMAction {
		misses++
		return vmstate.Continue
	}, nil)

	src := fixedSource{code: []byte{0xA0, 0xC3}}
	stopped, err := e.Run(0x1000, 0x1001, src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("expected Run to reach the stop breakpoint")
	}
	if hits != 1 {
		t.Fatalf("expected the overlapping range callback to fire once, got %d", hits)
	}
	if misses != 0 {
		t.Fatalf("expected the non-overlapping range callback to never fire, got %d", misses)
	}

	recs := e.GetInstMemoryAccess(0x1000)
	if len(recs) != 1 || recs[0].Address != 0x8000 {
		t.Fatalf("expected one access record at 0x8000, got %+v", recs)
	}

	bb := e.GetBBMemoryAccess(0x1001)
	if len(bb) != 1 {
		t.Fatalf("expected GetBBMemoryAccess to include the sequence's access, got %+v", bb)
	}
}

func TestMemoryGateInstalledOncePerDirection(t *testing.T) {
	e := newTestEngineWithCodec(memCodec{})
	e.RegisterMemRangeCB(0, 0xffffffff, MemRead, func(interface{}, *vmstate.GPRState, *vmstate.FPRState, interface{}) vmstate.VMAction {
		return vmstate.Continue
	}, nil)
	before := len(e.rules.All())
	e.RegisterMemRangeCB(0, 0xffffffff, MemRead, func(interface{}, *vmstate.GPRState, *vmstate.FPRState, interface{}) vmstate.VMAction {
		return vmstate.Continue
	}, nil)
	after := len(e.rules.All())
	if before != after {
		t.Fatalf("expected the read gate to install only once, rule count went from %d to %d", before, after)
	}
}
