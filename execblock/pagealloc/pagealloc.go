// Package pagealloc allocates the RX/RW page pairs ExecBlock needs,
// using golang.org/x/sys/unix directly rather than going through a heap
// allocator that could hand back non-page-aligned or swapped memory.
package pagealloc

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PageSize is the allocation granularity every ExecBlock rounds up to.
var PageSize = unix.Getpagesize()

// Pair is one ExecBlock's dual-page region: an RX code page and an RW
// context/scratch page, mapped by two separate mmap calls (so not
// necessarily adjacent) and independently protected.
type Pair struct {
	Code    []byte
	Data    []byte
	codeRX  bool
}

// New allocates a fresh Pair with codeSize/dataSize rounded up to whole
// pages. Both pages start out RW so the translator can write into Code;
// call Seal to flip Code to RX once translation for this block is done
// (spec.md §4.9's Writing -> Sealed -> Executable transition).
func New(codeSize, dataSize int) (*Pair, error) {
	code, err := mapAnon(roundUp(codeSize), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		return nil, errors.Wrap(err, "mapping code page")
	}
	data, err := mapAnon(roundUp(dataSize), unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		unmapAnon(code)
		return nil, errors.Wrap(err, "mapping data page")
	}
	return &Pair{Code: code, Data: data}, nil
}

// Seal flips the code page to RX and issues an instruction-cache sync so
// the CPU observes the freshly written bytes (spec.md §4.5's finalize()).
func (p *Pair) Seal() error {
	if err := unix.Mprotect(p.Code, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "mprotect RX failed")
	}
	p.codeRX = true
	syncInstructionCache(p.Code)
	return nil
}

// Reopen flips the code page back to RW so append() may resume writing.
// Nothing in this module calls it; invalidated blocks are freed outright.
func (p *Pair) Reopen() error {
	if err := unix.Mprotect(p.Code, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "mprotect RW failed")
	}
	p.codeRX = false
	return nil
}

// Executable reports whether Code currently carries RX permissions.
func (p *Pair) Executable() bool { return p.codeRX }

// Free releases both pages back to the OS.
func (p *Pair) Free() error {
	if err := unmapAnon(p.Code); err != nil {
		return err
	}
	return unmapAnon(p.Data)
}

func roundUp(n int) int {
	if n <= 0 {
		n = PageSize
	}
	return (n + PageSize - 1) / PageSize * PageSize
}

func mapAnon(size, prot int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func unmapAnon(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}
