package patch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/corvid-dbi/corvid/arch"
	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/reloc"
)

type fakeCodec struct{}

func (fakeCodec) Decode(b []byte, pc uint64) (codec.Instruction, int, error) {
	return codec.Instruction{Mnemonic: "NOP", Address: pc, Len: 1, Raw: b[:1]}, 1, nil
}
func (fakeCodec) Encode(inst codec.Instruction) ([]byte, error) { return inst.Raw, nil }
func (fakeCodec) RegisterInfo(int) (codec.RegisterInfo, bool)   { return codec.RegisterInfo{}, false }
func (fakeCodec) RegisterUse(codec.Instruction) ([]int, []int)  { return nil, nil }
func (fakeCodec) OperandInfo(codec.Instruction, int) (codec.Operand, bool) {
	return codec.Operand{}, false
}

type fakeBackend struct{}

func (fakeBackend) Name() string                                            { return "fake" }
func (fakeBackend) Bits() uint                                               { return 64 }
func (fakeBackend) SP() int                                                  { return 1 }
func (fakeBackend) PC() int                                                  { return 2 }
func (fakeBackend) Flags() int                                               { return 3 }
func (fakeBackend) GPRs() []int                                              { return []int{1, 2, 3} }
func (fakeBackend) FPRs() []int                                              { return nil }
func (fakeBackend) CallConv() arch.CallConv                                  { return arch.CallConv{} }
func (fakeBackend) IsBasicBlockTerminator(codec.Instruction) bool            { return false }
func (fakeBackend) BranchTarget(codec.Instruction) (uint64, bool)            { return 0, false }
func (fakeBackend) PrologueSize() int                                        { return 8 }
func (fakeBackend) EpilogueSize() int                                        { return 8 }

func TestBuilderSplicesPreAndPostAroundOriginal(t *testing.T) {
	b := &Builder{
		Codec:     fakeCodec{},
		Backend:   fakeBackend{},
		CtxOffset: func(reg int) uint64 { return uint64(reg) * 8 },
	}

	pre := GeneratorFunc(func(GenContext) (reloc.Seq, error) {
		return reloc.Seq{reloc.Raw{Bytes: []byte{0xAA}}}, nil
	})
	post := GeneratorFunc(func(GenContext) (reloc.Seq, error) {
		return reloc.Seq{reloc.Raw{Bytes: []byte{0xBB}}}, nil
	})
	matchers := []Matcher{{Condition: True, Pre: []Generator{pre}, Post: []Generator{post}}}

	p, err := b.Build([]byte{0x90}, 0x1000, matchers, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Rewritten.Materialise(reloc.Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xAA, 0x90, 0xBB}
	if !bytes.Equal(got, want) {
		t.Fatalf("Rewritten = % x, want % x", got, want)
	}
	if p.GuestAddress != 0x1000 || p.GuestLength != 1 {
		t.Fatalf("unexpected patch metadata: %+v", p)
	}
}

// pcRelCodec decodes every instruction as a 4-byte LEA reading a
// RIP-relative operand with displacement 8, e.g. "lea r5, [rip+8]".
type pcRelCodec struct{}

func (pcRelCodec) Decode(b []byte, pc uint64) (codec.Instruction, int, error) {
	return codec.Instruction{
		Mnemonic: "LEA", Address: pc, Len: 4, PCRel: true, Raw: b[:4],
		Operands: []codec.Operand{{Kind: codec.OperandReg, Reg: 5}, {Kind: codec.OperandPCRel, Imm: 8}},
	}, 4, nil
}
func (pcRelCodec) Encode(inst codec.Instruction) ([]byte, error) { return inst.Raw, nil }
func (pcRelCodec) RegisterInfo(int) (codec.RegisterInfo, bool)   { return codec.RegisterInfo{}, false }
func (pcRelCodec) RegisterUse(codec.Instruction) ([]int, []int)  { return nil, nil }
func (pcRelCodec) OperandInfo(inst codec.Instruction, i int) (codec.Operand, bool) {
	if i < len(inst.Operands) {
		return inst.Operands[i], true
	}
	return codec.Operand{}, false
}

// TestBuilderRewritesPCRelInstructionToGuestAbsoluteTarget covers spec.md
// §8's S2: the rewritten sequence must bake in the guest-absolute target
// (guestPC + guestLen + displacement), not a host code-page address.
func TestBuilderRewritesPCRelInstructionToGuestAbsoluteTarget(t *testing.T) {
	var storedAddr uint64
	movers := MoveEncoders{
		StoreAbs: func(reg int, addr uint64, size int) ([]byte, error) {
			storedAddr = addr
			return []byte{0x01, 0x02}, nil
		},
	}
	b := &Builder{
		Codec: pcRelCodec{}, Backend: fakeBackend{}, MoveEncoders: movers,
		CtxOffset: func(reg int) uint64 { return uint64(reg) * 8 },
	}

	p, err := b.Build(make([]byte, 4), 0x2000, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Rewritten.Materialise(reloc.Inputs{ContextBase: 0x9000})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) < 8 {
		t.Fatalf("Rewritten too short to contain the baked target: % x", got)
	}
	wantTarget := uint64(0x2000 + 4 + 8)
	if gotTarget := binary.LittleEndian.Uint64(got[:8]); gotTarget != wantTarget {
		t.Fatalf("baked target = 0x%x, want 0x%x (guestPC + guestLen + displacement)", gotTarget, wantTarget)
	}
	if wantAddr := uint64(0x9000 + 5*8); storedAddr != wantAddr {
		t.Fatalf("SaveReg stored to context address 0x%x, want 0x%x", storedAddr, wantAddr)
	}
}

func TestBuilderSkipsNonMatchingRules(t *testing.T) {
	b := &Builder{Codec: fakeCodec{}, Backend: fakeBackend{}, CtxOffset: func(int) uint64 { return 0 }}
	never := ConditionFunc(func(codec.Instruction, uint64) bool { return false })
	pre := GeneratorFunc(func(GenContext) (reloc.Seq, error) {
		return reloc.Seq{reloc.Raw{Bytes: []byte{0xAA}}}, nil
	})
	matchers := []Matcher{{Condition: never, Pre: []Generator{pre}}}

	p, err := b.Build([]byte{0x90}, 0x2000, matchers, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := p.Rewritten.Materialise(reloc.Inputs{})
	if !bytes.Equal(got, []byte{0x90}) {
		t.Fatalf("non-matching rule should not contribute bytes, got % x", got)
	}
}
