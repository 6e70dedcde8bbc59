package engine

import (
	"github.com/corvid-dbi/corvid/trace"
)

// SetRecorder attaches w so every subsequent MemAccessRecord and sequence
// boundary is packed to it as it happens (spec.md §4.8 addition, SPEC_FULL
// §4.13). Pass nil to detach; detaching does not close a previously
// attached Writer, since the caller owns its lifecycle.
func (e *Engine) SetRecorder(w *trace.Writer) { e.recorder = w }

// recordAccess packs one MemAccessRecord if a recorder is attached.
func (e *Engine) recordAccess(rec MemAccessRecord) {
	if e.recorder == nil {
		return
	}
	e.recorder.Pack(&trace.OpAccess{
		Address: rec.Address,
		Size:    uint32(rec.Size),
		Value:   rec.Value,
		Type:    uint8(rec.Type),
		InstID:  rec.InstID,
	})
}

// recordSeqEntry packs a sequence-boundary marker if a recorder is attached.
func (e *Engine) recordSeqEntry(pc uint64) {
	if e.recorder == nil {
		return
	}
	e.recorder.Pack(&trace.OpSeqEntry{PC: pc})
}
