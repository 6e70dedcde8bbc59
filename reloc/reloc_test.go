package reloc

import (
	"encoding/binary"
	"testing"
)

func TestRawMaterialiseIsIdentity(t *testing.T) {
	r := Raw{Bytes: []byte{0x90, 0x90}}
	b, err := r.Materialise(Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 2 || b[0] != 0x90 {
		t.Fatalf("Raw.Materialise() = % x", b)
	}
}

func TestHostPCRelBakesAbsoluteAddress(t *testing.T) {
	h := HostPCRel{
		Template:    []byte{0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0}, // movabs rax, imm64
		FieldOffset: 2,
		FieldSize:   8,
		Adjust:      0x10,
	}
	in := Inputs{ExecBlockBase: 0x400000, HostOffset: 0x20}
	b, err := h.Materialise(in)
	if err != nil {
		t.Fatal(err)
	}
	got := binary.LittleEndian.Uint64(b[2:10])
	want := uint64(0x400000 + 0x20 + 0x10)
	if got != want {
		t.Fatalf("baked address = 0x%x, want 0x%x", got, want)
	}
}

func TestSeqMaterialiseThreadsOffset(t *testing.T) {
	seenOffsets := []uint64{}
	mk := func() RelocatableInst {
		return recordingReloc{n: 3, record: &seenOffsets}
	}
	seq := Seq{mk(), mk(), mk()}
	if seq.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", seq.Len())
	}
	if _, err := seq.Materialise(Inputs{HostOffset: 100}); err != nil {
		t.Fatal(err)
	}
	want := []uint64{100, 103, 106}
	for i, w := range want {
		if seenOffsets[i] != w {
			t.Fatalf("offset[%d] = %d, want %d", i, seenOffsets[i], w)
		}
	}
}

type recordingReloc struct {
	n      int
	record *[]uint64
}

func (r recordingReloc) Len() int { return r.n }
func (r recordingReloc) Materialise(in Inputs) ([]byte, error) {
	*r.record = append(*r.record, in.HostOffset)
	return make([]byte, r.n), nil
}

func TestDataBlockSizes(t *testing.T) {
	d := DataBlock{Value: 0xdeadbeef, Size: 4}
	b, err := d.Materialise(Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint32(b) != 0xdeadbeef {
		t.Fatalf("DataBlock 4-byte encode wrong: % x", b)
	}
	d8 := DataBlock{Value: 0x1122334455667788, Size: 8}
	b8, err := d8.Materialise(Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint64(b8) != 0x1122334455667788 {
		t.Fatalf("DataBlock 8-byte encode wrong: % x", b8)
	}
}
