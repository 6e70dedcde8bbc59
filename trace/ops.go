// Package trace records the memory-access ring engine.MemAccessRegistry
// produces to a compact binary log and replays it back, so a run's memory
// accesses can be inspected after the fact without re-instrumenting
// (spec.md §4.8 addition, SPEC_FULL §4.13).
package trace

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

var order = binary.LittleEndian

const (
	opSeqEntry = iota
	opAccess
	opExit
)

// Op is one packed trace record.
type Op interface {
	Sizeof() int
	Pack(p []byte)
	Unpack(r io.Reader) (int, error)
}

// Unpack reads the next Op's opcode byte and dispatches to its type.
func Unpack(r io.Reader) (Op, int, error) {
	var tmp [1]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, 0, err
	}
	var op Op
	switch tmp[0] {
	case opSeqEntry:
		op = &OpSeqEntry{}
	case opAccess:
		op = &OpAccess{}
	case opExit:
		op = &OpExit{}
	default:
		return nil, 0, errors.Errorf("trace: unknown op %d", tmp[0])
	}
	n, err := op.Unpack(r)
	return op, n + 1, err
}

// OpSeqEntry marks the start of a new instrumented sequence, mirroring
// engine.clearRingForNewSequence's ring reset.
type OpSeqEntry struct {
	PC uint64
}

func (o *OpSeqEntry) Sizeof() int { return 1 + 8 }
func (o *OpSeqEntry) Pack(p []byte) {
	p[0] = opSeqEntry
	order.PutUint64(p[1:], o.PC)
}
func (o *OpSeqEntry) Unpack(r io.Reader) (int, error) {
	var tmp [8]byte
	n, err := io.ReadFull(r, tmp[:])
	o.PC = order.Uint64(tmp[:])
	return n, err
}

// OpAccess is the on-disk shape of one engine.MemAccessRecord.
type OpAccess struct {
	Address uint64
	Size    uint32
	Value   uint64
	Type    uint8
	InstID  uint64
}

func (o *OpAccess) Sizeof() int { return 1 + 8 + 4 + 8 + 1 + 8 }
func (o *OpAccess) Pack(p []byte) {
	p[0] = opAccess
	order.PutUint64(p[1:], o.Address)
	order.PutUint32(p[9:], o.Size)
	order.PutUint64(p[13:], o.Value)
	p[21] = o.Type
	order.PutUint64(p[22:], o.InstID)
}
func (o *OpAccess) Unpack(r io.Reader) (int, error) {
	var tmp [8 + 4 + 8 + 1 + 8]byte
	n, err := io.ReadFull(r, tmp[:])
	if err != nil {
		return n, err
	}
	o.Address = order.Uint64(tmp[:])
	o.Size = order.Uint32(tmp[8:])
	o.Value = order.Uint64(tmp[12:])
	o.Type = tmp[20]
	o.InstID = order.Uint64(tmp[21:])
	return n, nil
}

// OpExit closes a trace, matching the original format's terminal sentinel.
type OpExit struct{}

func (o *OpExit) Sizeof() int                      { return 1 }
func (o *OpExit) Pack(p []byte)                    { p[0] = opExit }
func (o *OpExit) Unpack(r io.Reader) (int, error)  { return 0, nil }
