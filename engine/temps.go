package engine

import "github.com/pkg/errors"

// scratchPool is the simplest possible patch.TempAlloc: a free list over the
// negative pseudo-registers execblock.Layout reserves for scratch slots
// (-1..-scratchSlots). One pool is created per Translate call so temporaries
// never leak across patches in different ExecBlocks.
type scratchPool struct {
	free []int
	used map[int]bool
}

func newScratchPool(slots int) *scratchPool {
	p := &scratchPool{used: make(map[int]bool, slots)}
	for i := 1; i <= slots; i++ {
		p.free = append(p.free, -i)
	}
	return p
}

func (p *scratchPool) Alloc() (int, error) {
	if len(p.free) == 0 {
		return 0, errors.New("engine: no scratch registers available")
	}
	reg := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[reg] = true
	return reg, nil
}

func (p *scratchPool) Release(reg int) {
	if !p.used[reg] {
		return
	}
	delete(p.used, reg)
	p.free = append(p.free, reg)
}
