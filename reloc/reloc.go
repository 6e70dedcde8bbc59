// Package reloc implements RelocatableInst: a template for one machine
// instruction whose final bytes depend on values unknown until the owning
// ExecBlock is materialised — the code page's base address, the Context
// page's base address, and the guest PC of the patch it belongs to.
package reloc

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Inputs bundles the late-bound values every RelocatableInst variant
// may consume during Materialise. Each variant documents which of these it
// actually reads.
type Inputs struct {
	// ExecBlockBase is the address the code page was mapped at.
	ExecBlockBase uint64
	// PatchGuestPC is the guest address of the original instruction this
	// relocation belongs to.
	PatchGuestPC uint64
	// ContextBase is the address of the Context page (registers/scratch).
	ContextBase uint64
	// HostOffset is this relocation's own byte offset within the code
	// page, needed by variants that self-reference (e.g. a PC-relative
	// load whose displacement is measured from its own end).
	HostOffset uint64
}

// RelocatableInst materialises into final machine bytes exactly once the
// ExecBlock's addresses are known. Materialise must be pure: calling it
// twice with the same Inputs must produce byte-identical output.
type RelocatableInst interface {
	// Len returns the final encoded length in bytes. It must be exact and
	// stable before Materialise is ever called, since ExecBlock uses it to
	// lay out subsequent relocations.
	Len() int
	Materialise(in Inputs) ([]byte, error)
}

// Seq is a materialised-in-order sequence of RelocatableInst, as produced
// by a PatchGenerator or the rewrite of an original instruction.
type Seq []RelocatableInst

// Len returns the total encoded length of the sequence.
func (s Seq) Len() int {
	n := 0
	for _, r := range s {
		n += r.Len()
	}
	return n
}

// Materialise runs every element of s in order, threading HostOffset
// forward so later relocations see their true position in the code page.
func (s Seq) Materialise(in Inputs) ([]byte, error) {
	out := make([]byte, 0, s.Len())
	offset := in.HostOffset
	for i, r := range s {
		cur := in
		cur.HostOffset = offset
		b, err := r.Materialise(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "materialising relocation %d/%d", i, len(s))
		}
		if len(b) != r.Len() {
			return nil, errors.Errorf("relocation %d/%d produced %d bytes, declared Len()=%d", i, len(s), len(b), r.Len())
		}
		out = append(out, b...)
		offset += uint64(len(b))
	}
	return out, nil
}

// Raw is a fixed byte sequence with no late-bound content — the identity
// relocation, used to carry through instructions the translator doesn't
// need to rewrite at all.
type Raw struct {
	Bytes []byte
}

func (r Raw) Len() int { return len(r.Bytes) }
func (r Raw) Materialise(Inputs) ([]byte, error) {
	return append([]byte(nil), r.Bytes...), nil
}

// HostPCRel bakes the address of ExecBlockBase+HostOffset+Adjust (i.e.
// this instruction's own final host address, offset by Adjust) into a
// larger instruction template at byte offset FieldOffset, as a
// little-endian FieldSize-byte value. This is for fixups that need to
// reach a location on the *host* code page itself (e.g. a self-relative
// jump table); it must not be used to rewrite a guest RIP-relative
// operand, since the guest's absolute target is already fully known at
// translate time from PatchGuestPC and never depends on ExecBlockBase —
// see patch.rewriteOriginal, which bakes that value in via DataBlock
// instead. Template must already have FieldSize placeholder bytes at
// FieldOffset.
type HostPCRel struct {
	Template    []byte
	FieldOffset int
	FieldSize   int
	// Adjust is added to the computed host PC, to reach a host code-page
	// location relative to this instruction.
	Adjust int64
}

func (h HostPCRel) Len() int { return len(h.Template) }

func (h HostPCRel) Materialise(in Inputs) ([]byte, error) {
	if h.FieldOffset+h.FieldSize > len(h.Template) {
		return nil, errors.New("HostPCRel: field does not fit in template")
	}
	out := append([]byte(nil), h.Template...)
	hostPC := int64(in.ExecBlockBase+in.HostOffset) + h.Adjust
	putIntN(out[h.FieldOffset:h.FieldOffset+h.FieldSize], hostPC, h.FieldSize)
	return out, nil
}

// SaveReg emits a store of register Reg into the Context page at byte
// offset CtxOffset, sized Size bytes. Real byte encoding is delegated to
// Encode, which the generator supplies pre-bound to a MachineCodec-derived
// store-to-absolute-address sequence; SaveReg only fixes up the address
// operand once ContextBase is known.
type SaveReg struct {
	Reg       int
	CtxOffset uint64
	Size      int
	// Encode produces the store instruction bytes given the resolved
	// absolute Context slot address.
	Encode func(reg int, addr uint64, size int) ([]byte, error)
	length int
}

func (s *SaveReg) Len() int {
	if s.length == 0 {
		b, err := s.Encode(s.Reg, 0, s.Size)
		if err == nil {
			s.length = len(b)
		}
	}
	return s.length
}

func (s *SaveReg) Materialise(in Inputs) ([]byte, error) {
	b, err := s.Encode(s.Reg, in.ContextBase+s.CtxOffset, s.Size)
	if err != nil {
		return nil, errors.Wrap(err, "SaveReg encode failed")
	}
	return b, nil
}

// LoadReg is SaveReg's mirror image: loads Reg from the Context page.
type LoadReg struct {
	Reg       int
	CtxOffset uint64
	Size      int
	Encode    func(reg int, addr uint64, size int) ([]byte, error)
	length    int
}

func (l *LoadReg) Len() int {
	if l.length == 0 {
		b, err := l.Encode(l.Reg, 0, l.Size)
		if err == nil {
			l.length = len(b)
		}
	}
	return l.length
}

func (l *LoadReg) Materialise(in Inputs) ([]byte, error) {
	b, err := l.Encode(l.Reg, in.ContextBase+l.CtxOffset, l.Size)
	if err != nil {
		return nil, errors.Wrap(err, "LoadReg encode failed")
	}
	return b, nil
}

// JmpEpilogue is an unconditional branch from wherever it's placed to the
// ExecBlock's epilogue, EpilogueOffset bytes into the code page. Every
// BreakToHost path ends with one of these after writing Context.Selector.
type JmpEpilogue struct {
	EpilogueOffset uint64
	// Encode builds a relative-jump instruction from `from` to `to`.
	Encode func(from, to uint64) ([]byte, error)
	length int
}

func (j *JmpEpilogue) Len() int {
	if j.length == 0 {
		b, err := j.Encode(0, 0)
		if err == nil {
			j.length = len(b)
		}
	}
	return j.length
}

func (j *JmpEpilogue) Materialise(in Inputs) ([]byte, error) {
	from := in.ExecBlockBase + in.HostOffset
	to := in.ExecBlockBase + j.EpilogueOffset
	b, err := j.Encode(from, to)
	if err != nil {
		return nil, errors.Wrap(err, "JmpEpilogue encode failed")
	}
	return b, nil
}

// DataBlock emits a literal word into the code page's data region, for
// generators that need to embed a constant (e.g. a callback function
// pointer or user-data pointer) adjacent to the code that reads it.
type DataBlock struct {
	Value uint64
	Size  int // 4 or 8
}

func (d DataBlock) Len() int { return d.Size }

func (d DataBlock) Materialise(Inputs) ([]byte, error) {
	buf := make([]byte, d.Size)
	switch d.Size {
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(d.Value))
	case 8:
		binary.LittleEndian.PutUint64(buf, d.Value)
	default:
		return nil, errors.Errorf("DataBlock: unsupported size %d", d.Size)
	}
	return buf, nil
}

func putIntN(dst []byte, v int64, size int) {
	switch size {
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case 8:
		binary.LittleEndian.PutUint64(dst, uint64(v))
	}
}
