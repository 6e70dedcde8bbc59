package pagealloc

// syncInstructionCache flushes the instruction cache for a freshly written
// code page. x86-64 guarantees I$/D$ coherency in hardware so this is a
// no-op there; an ARM MachineBackend must supply its own pagealloc variant
// (or extend this one with a build-tagged implementation) before it can be
// used for real, since ARM requires an explicit cache maintenance
// operation after writing executable memory.
func syncInstructionCache(code []byte) {
	_ = code
}
