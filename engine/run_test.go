package engine

import (
	"testing"

	"github.com/corvid-dbi/corvid/codec"
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/rule"
	"github.com/corvid-dbi/corvid/vmstate"
)

// dataSeqCodec decodes a fixed four-byte program byte-by-byte: mov rbx,rax;
// mov rcx,rbx; xor rax,rax; ret — spec.md §8's S1, laid out as real guest
// bytes rather than exercised against instInterp directly, so a full
// translate-then-Run cycle is what's under test.
type dataSeqCodec struct{}

const (
	seqRAX = 0
	seqRBX = 1
	seqRCX = 2
)

func (dataSeqCodec) Decode(b []byte, pc uint64) (codec.Instruction, int, error) {
	reg := func(r int) codec.Operand { return codec.Operand{Kind: codec.OperandReg, Reg: r, Size: 8} }
	switch b[0] {
	case 0x01:
		return codec.Instruction{Mnemonic: "MOV", Address: pc, Len: 1, Raw: b[:1],
			Operands: []codec.Operand{reg(seqRBX), reg(seqRAX)}}, 1, nil
	case 0x02:
		return codec.Instruction{Mnemonic: "MOV", Address: pc, Len: 1, Raw: b[:1],
			Operands: []codec.Operand{reg(seqRCX), reg(seqRBX)}}, 1, nil
	case 0x03:
		return codec.Instruction{Mnemonic: "XOR", Address: pc, Len: 1, Raw: b[:1],
			Operands: []codec.Operand{reg(seqRAX), reg(seqRAX)}}, 1, nil
	default:
		return codec.Instruction{Mnemonic: "RET", Address: pc, Len: 1, Raw: b[:1], IsReturn: true}, 1, nil
	}
}
func (dataSeqCodec) Encode(inst codec.Instruction) ([]byte, error) { return inst.Raw, nil }
func (dataSeqCodec) RegisterInfo(int) (codec.RegisterInfo, bool)   { return codec.RegisterInfo{}, false }
func (dataSeqCodec) RegisterUse(codec.Instruction) ([]int, []int)  { return nil, nil }
func (dataSeqCodec) OperandInfo(inst codec.Instruction, i int) (codec.Operand, bool) {
	if i < len(inst.Operands) {
		return inst.Operands[i], true
	}
	return codec.Operand{}, false
}

// TestRunExecutesDataProcessingAcrossFullTranslateCycle drives a full
// translate-then-dispatch cycle through Run (not instInterp directly) over
// more than a bare RET, closing the gap where only instInterp's own unit
// tests exercised S1's semantics. The stop breakpoint sits on the RET
// byte, so Run halts there without needing an Executor.
func TestRunExecutesDataProcessingAcrossFullTranslateCycle(t *testing.T) {
	e := newTestEngineWithCodec(dataSeqCodec{})
	e.GPR().Set(seqRAX, 0xDEADBEEF)

	code := []byte{0x01, 0x02, 0x03, 0xC3}
	stopped, err := e.Run(0x2000, 0x2003, fixedSource{code: code}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("expected Run to reach the stop breakpoint before executing RET")
	}
	if got := e.GPR().Get(seqRBX); got != 0xDEADBEEF {
		t.Fatalf("rbx = 0x%x, want 0xDEADBEEF", got)
	}
	if got := e.GPR().Get(seqRCX); got != 0xDEADBEEF {
		t.Fatalf("rcx = 0x%x, want 0xDEADBEEF", got)
	}
	if got := e.GPR().Get(seqRAX); got != 0 {
		t.Fatalf("rax = 0x%x, want 0", got)
	}
}

func TestRunFiresUserCallbackBeforeStopBreakpoint(t *testing.T) {
	e := newTestEngine()

	var order []string
	cbk := vmstate.InstCallback(func(interface{}, *vmstate.GPRState, *vmstate.FPRState, interface{}) vmstate.VMAction {
		order = append(order, "user")
		return vmstate.Continue
	})
	gen := patch.CallHostFunction(cbk, nil, e.cbkTable, e.movers)
	e.AddInstrRule(&rule.InstrRule{
		Condition:  patch.AddressIs(0x2000),
		Generators: []patch.Generator{gen},
		Position:   rule.PreInst,
	})

	stopped, err := e.Run(0x2000, 0x2000, fixedSource{code: []byte{0xC3}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("expected Run to reach the stop breakpoint")
	}
	if len(order) != 1 || order[0] != "user" {
		t.Fatalf("expected user callback to fire before stop, got %v", order)
	}
}

func TestRunTearsDownStopBreakpointAfterReturning(t *testing.T) {
	e := newTestEngine()
	before := len(e.rules.All())
	if _, err := e.Run(0x2000, 0x2000, fixedSource{code: []byte{0xC3}}, nil); err != nil {
		t.Fatal(err)
	}
	after := len(e.rules.All())
	if before != after {
		t.Fatalf("expected the one-shot stop rule to be removed, rule count went from %d to %d", before, after)
	}
}

func TestRunErrorsOnUnresolvedIndirectControlFlow(t *testing.T) {
	e := newTestEngine()
	// RET at 0x3000 ends the block; stop is a PC never reached, so nothing
	// resolves the return's target and no Executor was supplied.
	_, err := e.Run(0x3000, 0xdead, fixedSource{code: []byte{0xC3}}, nil)
	if err == nil {
		t.Fatal("expected an error resolving the return's target")
	}
}

type fakeExecutor struct{ target uint64 }

func (f fakeExecutor) ResolveTarget(*patch.Patch, *vmstate.GPRState) (uint64, error) {
	return f.target, nil
}

func TestRunUsesExecutorForIndirectControlFlow(t *testing.T) {
	e := newTestEngine()
	// RET at 0x3000 has no direct target; the fake Executor resolves it to
	// 0x4000, a second RET that happens to be the stop address.
	stopped, err := e.Run(0x3000, 0x4000, fixedSource{code: []byte{0xC3}}, fakeExecutor{target: 0x4000})
	if err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Fatal("expected Run to stop once the resolved target matched the breakpoint")
	}
}
