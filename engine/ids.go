package engine

// EventID is the 32-bit handle returned by every registration operation
// (addInstrRule, memory-range callbacks, VM-event subscriptions). The MSB
// distinguishes a virtual id (a MemAccessRegistry entry, fanned out through
// a gate InstrRule) from an engine id (a direct rule.Registry entry) —
// grounded on the original's EVENTID_VIRTCB_MASK (spec.md §3, SPEC_FULL §9.1).
type EventID uint32

// virtCBMask is the MSB of a 32-bit id space; set on ids that name a
// MemAccessRegistry entry rather than a rule.Registry entry.
const virtCBMask EventID = 1 << 31

// InvalidEventID is the sentinel returned by a failed registration
// (spec.md §3, §7 InvalidArgument).
const InvalidEventID EventID = ^EventID(0)

// isVirtual reports whether id names a MemAccessRegistry entry.
func isVirtual(id EventID) bool { return id&virtCBMask != 0 }

// virtualID tags a raw MemAccessRegistry index as a virtual EventID.
func virtualID(idx uint32) EventID { return EventID(idx) | virtCBMask }

// unmask strips the virtual-callback bit, recovering the raw
// MemAccessRegistry index a virtual id encodes.
func unmask(id EventID) uint32 { return uint32(id &^ virtCBMask) }
