package x86

import (
	"encoding/hex"
	"sync"

	ks "github.com/keystone-engine/keystone/bindings/go/keystone"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/corvid-dbi/corvid/codec"
)

// assembler wraps a Keystone handle behind a mutex; Keystone contexts are
// not safe for concurrent Assemble calls and the engine is single-threaded
// anyway, but the lock keeps the zero-value Codec safe to share across
// multiple Engine instances the way the teacher's cpu.Keystone was shared
// across usercorn instances.
type assembler struct {
	mu sync.Mutex
	ks *ks.Keystone
}

var x64asm assembler

func (a *assembler) open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ks != nil {
		return nil
	}
	k, err := ks.New(ks.ARCH_X86, ks.MODE_64)
	if err != nil {
		return errors.Wrap(err, "ks.New() failed")
	}
	a.ks = k
	return nil
}

func (a *assembler) assemble(asm string, addr uint64) ([]byte, error) {
	if err := a.open(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out, _, ok := a.ks.Assemble(asm, addr)
	if !ok {
		return nil, errors.Wrap(a.ks.LastError(), "ks.Assemble() failed")
	}
	return out, nil
}

// Encode re-assembles inst's GoSyntax rendering through Keystone. For the
// common case where inst.Raw was produced by this codec's own Decode and
// hasn't been mutated, Raw is returned directly to make materialisation
// idempotent and byte-exact.
func (c Codec) Encode(inst codec.Instruction) ([]byte, error) {
	if raw, ok := inst.Backend.(x86asm.Inst); ok && len(inst.Raw) == raw.Len {
		return append([]byte(nil), inst.Raw...), nil
	}
	asm := x86asm.GoSyntax(inst.Backend.(x86asm.Inst), inst.Address, nil)
	out, err := x64asm.assemble(asm, inst.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %q (raw %s)", asm, hex.EncodeToString(inst.Raw))
	}
	return out, nil
}
