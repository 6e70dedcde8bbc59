// Package procmap declares the process memory-map collaborator the core
// deliberately does not implement: OS-specific enumeration of a running
// process's mapped regions (/proc/self/maps, VirtualQueryEx) sits outside
// the DBI core's scope (spec.md §1, §6).
package procmap

import "github.com/corvid-dbi/corvid/rng"

// Permission is a POSIX-style rwx mask over one mapped region.
type Permission uint8

const (
	Read Permission = 1 << iota
	Write
	Exec
)

// Mapping is one row of a process's memory map.
type Mapping struct {
	Range      rng.Range
	Permission Permission
	Name       string
}

// Enumerator lists the current process's (or a debuggee's) mapped memory
// regions. The core consumes this as an interface only; no concrete
// implementation ships here, matching spec.md §1's explicit scoping of
// memory-map enumeration out of the translation/cache/rule core.
type Enumerator interface {
	// Current returns every mapping, resolving symlinked/backing paths to
	// their full path when fullPath is true.
	Current(fullPath bool) ([]Mapping, error)
}
