package execblock

import (
	"testing"

	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/reloc"
	"github.com/corvid-dbi/corvid/vmstate"
)

func testConfig(codeBytes int) Config {
	layout := NewLayout([]int{0, 1, 2}, 2)
	return Config{
		CodePageBytes: codeBytes,
		Layout:        layout,
		GPREnums:      []int{0, 1, 2},
		FPREnums:      nil,
		FPRSlotSize:   16,
		PrologueSize:  4,
		EpilogueSize:  4,
		Prologue:      reloc.Seq{reloc.Raw{Bytes: []byte{0x90, 0x90, 0x90, 0x90}}},
		Epilogue:      reloc.Seq{reloc.Raw{Bytes: []byte{0xcc, 0xcc, 0xcc, 0xcc}}},
	}
}

func mkPatch(guestPC uint64, n int) *patch.Patch {
	return &patch.Patch{
		GuestAddress: guestPC,
		GuestLength:  n,
		Rewritten:    reloc.Seq{reloc.Raw{Bytes: make([]byte, n)}},
	}
}

func TestNewStartsInWritingState(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()
	if eb.State() != Writing {
		t.Fatalf("State() = %v, want Writing", eb.State())
	}
}

func TestAppendGrowsSeqIndexInOrder(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	off1, err := eb.Append(mkPatch(0x1000, 8))
	if err != nil {
		t.Fatal(err)
	}
	off2, err := eb.Append(mkPatch(0x1008, 8))
	if err != nil {
		t.Fatal(err)
	}
	if off2 <= off1 {
		t.Fatalf("expected increasing host offsets, got %d then %d", off1, off2)
	}
	idx := eb.SeqIndex()
	if len(idx) != 2 || idx[0].GuestPC != 0x1000 || idx[1].GuestPC != 0x1008 {
		t.Fatalf("unexpected seq index: %+v", idx)
	}
}

func TestAppendFailsWithErrNoSpace(t *testing.T) {
	eb, err := New(testConfig(64))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	for i := 0; i < 20; i++ {
		if _, err := eb.Append(mkPatch(uint64(0x1000+i), 8)); err != nil {
			if err == ErrNoSpace {
				return
			}
			t.Fatal(err)
		}
	}
	t.Fatal("expected ErrNoSpace before filling 20 * 8 bytes into a 64-byte page")
}

func TestFinalizeTransitionsToExecutable(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	if _, err := eb.Append(mkPatch(0x1000, 8)); err != nil {
		t.Fatal(err)
	}
	if err := eb.Finalize(); err != nil {
		t.Fatal(err)
	}
	if eb.State() != Executable {
		t.Fatalf("State() = %v, want Executable", eb.State())
	}
	if !eb.pages.Executable() {
		t.Fatal("expected code page to be RX after Finalize")
	}
}

func TestAppendAfterFinalizeFails(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	if err := eb.Finalize(); err != nil {
		t.Fatal(err)
	}
	if _, err := eb.Append(mkPatch(0x2000, 8)); err == nil {
		t.Fatal("expected Append to fail once Sealed/Executable")
	}
}

func TestFindByGuestPC(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	if _, err := eb.Append(mkPatch(0x3000, 8)); err != nil {
		t.Fatal(err)
	}
	if _, ok := eb.FindByGuestPC(0x3000); !ok {
		t.Fatal("expected to find appended guest PC")
	}
	if _, ok := eb.FindByGuestPC(0x9999); ok {
		t.Fatal("did not expect to find unregistered guest PC")
	}
}

func TestGuestPCForHostOffset(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	off, err := eb.Append(mkPatch(0x4000, 8))
	if err != nil {
		t.Fatal(err)
	}
	guestPC, ok := eb.GuestPCForHostOffset(off + 2)
	if !ok || guestPC != 0x4000 {
		t.Fatalf("GuestPCForHostOffset = (%x, %v), want (0x4000, true)", guestPC, ok)
	}
}

// recordingInterp counts how many patches it was asked to apply, standing
// in for engine's real instInterp.
type recordingInterp struct{ applied []codec.Instruction }

func (r *recordingInterp) Apply(inst codec.Instruction, guest *vmstate.GuestContext) error {
	r.applied = append(r.applied, inst)
	return nil
}

func TestExecuteStopsAtBasicBlockEndAndAppliesInterpreter(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	ordinary := mkPatch(0x1000, 4)
	ordinary.Decoded = codec.Instruction{Mnemonic: "MOV", Address: 0x1000}
	terminator := mkPatch(0x1004, 4)
	terminator.Decoded = codec.Instruction{Mnemonic: "RET", IsReturn: true, Address: 0x1004}
	terminator.Flags.EndsBasicBlock = true

	if _, err := eb.Append(ordinary); err != nil {
		t.Fatal(err)
	}
	if _, err := eb.Append(terminator); err != nil {
		t.Fatal(err)
	}

	interp := &recordingInterp{}
	guest := &vmstate.GuestContext{GPR: vmstate.NewGPRState(nil)}
	stopIndex, action, err := eb.Execute(0, guest, interp, func(uint32) vmstate.VMAction { return vmstate.Continue })
	if err != nil {
		t.Fatal(err)
	}
	if stopIndex != 1 {
		t.Fatalf("stopIndex = %d, want 1 (the basic-block-ending patch)", stopIndex)
	}
	if action != vmstate.Continue {
		t.Fatalf("action = %v, want Continue", action)
	}
	if len(interp.applied) != 2 {
		t.Fatalf("expected both patches interpreted, got %d", len(interp.applied))
	}
}

func TestExecuteStopsEarlyOnCallbackStopAction(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	first := mkPatch(0x2000, 4)
	first.FiredPre = []uint32{7}
	second := mkPatch(0x2004, 4)
	second.Flags.EndsBasicBlock = true

	if _, err := eb.Append(first); err != nil {
		t.Fatal(err)
	}
	if _, err := eb.Append(second); err != nil {
		t.Fatal(err)
	}

	interp := &recordingInterp{}
	guest := &vmstate.GuestContext{GPR: vmstate.NewGPRState(nil)}
	stopIndex, action, err := eb.Execute(0, guest, interp, func(id uint32) vmstate.VMAction {
		if id == 7 {
			return vmstate.Stop
		}
		return vmstate.Continue
	})
	if err != nil {
		t.Fatal(err)
	}
	if stopIndex != 0 {
		t.Fatalf("stopIndex = %d, want 0 (stopped before the second patch)", stopIndex)
	}
	if action != vmstate.Stop {
		t.Fatalf("action = %v, want Stop", action)
	}
	if len(interp.applied) != 0 {
		t.Fatalf("expected the stopped-at patch's instruction not to be interpreted, got %d", len(interp.applied))
	}
}

func TestInvalidateMarksState(t *testing.T) {
	eb, err := New(testConfig(4096))
	if err != nil {
		t.Fatal(err)
	}
	defer eb.Free()

	eb.Invalidate()
	if eb.State() != Invalidated {
		t.Fatalf("State() = %v, want Invalidated", eb.State())
	}
}
