package engine

import (
	"go.uber.org/zap"
)

// Options configures a new Engine: JIT code page size, the generator
// scratch-slot pool, the FPR slot width and the logger. Memory-access gates
// are always installed lazily on first registration (spec.md §4.8); no
// option installs them eagerly. This follows the teacher's Config-struct
// convention in models/config.go, generalized from "how to load a target"
// to "how to size the JIT cache".
type Options struct {
	CodePageBytes int
	ScratchSlots  int
	FPRSlotSize   int
	Logger        *zap.Logger
}

// Option mutates an Options in place; New applies a sequence of these over
// a set of defaults, mirroring the functional-option style used throughout
// the pack for constructor configuration.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		CodePageBytes: 64 * 1024,
		ScratchSlots:  4,
		FPRSlotSize:   16,
	}
}

// WithCodePageBytes overrides the per-ExecBlock code page size.
func WithCodePageBytes(n int) Option {
	return func(o *Options) { o.CodePageBytes = n }
}

// WithScratchSlots overrides how many Context scratch slots each ExecBlock
// reserves for generator temporaries.
func WithScratchSlots(n int) Option {
	return func(o *Options) { o.ScratchSlots = n }
}

// WithLogger injects a structured logger; a nil logger is replaced with
// zap.NewNop() so call sites never need a nil check.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}
