// Package patch implements the matcher/generator halves of the
// instrumentation rule engine: PatchCondition (a side-effect-free predicate
// over a decoded instruction), PatchGenerator (emits RelocatableInst
// sequences), and Patch (the rewritten form of one original instruction).
package patch

import "github.com/corvid-dbi/corvid/codec"

// Condition is a boolean predicate over a decoded instruction. Evaluation
// must be side-effect free (spec.md §4.2).
type Condition interface {
	Matches(inst codec.Instruction, guestPC uint64) bool
}

// ConditionFunc adapts a plain function to Condition.
type ConditionFunc func(inst codec.Instruction, guestPC uint64) bool

func (f ConditionFunc) Matches(inst codec.Instruction, guestPC uint64) bool { return f(inst, guestPC) }

// True always matches.
var True Condition = ConditionFunc(func(codec.Instruction, uint64) bool { return true })

// MnemonicIs matches instructions whose mnemonic equals name.
func MnemonicIs(name string) Condition {
	return ConditionFunc(func(inst codec.Instruction, _ uint64) bool { return inst.Mnemonic == name })
}

// AddressIs matches the single guest address a.
func AddressIs(a uint64) Condition {
	return ConditionFunc(func(_ codec.Instruction, pc uint64) bool { return pc == a })
}

// InstructionInRange matches any guest PC in the half-open range [lo, hi).
func InstructionInRange(lo, hi uint64) Condition {
	return ConditionFunc(func(_ codec.Instruction, pc uint64) bool { return pc >= lo && pc < hi })
}

// DoesReadAccess matches instructions that read memory.
var DoesReadAccess Condition = ConditionFunc(func(inst codec.Instruction, _ uint64) bool { return inst.Reads })

// DoesWriteAccess matches instructions that write memory.
var DoesWriteAccess Condition = ConditionFunc(func(inst codec.Instruction, _ uint64) bool { return inst.Writes })

// Or matches if any child matches.
func Or(children ...Condition) Condition {
	return ConditionFunc(func(inst codec.Instruction, pc uint64) bool {
		for _, c := range children {
			if c.Matches(inst, pc) {
				return true
			}
		}
		return false
	})
}

// And matches only if every child matches.
func And(children ...Condition) Condition {
	return ConditionFunc(func(inst codec.Instruction, pc uint64) bool {
		for _, c := range children {
			if !c.Matches(inst, pc) {
				return false
			}
		}
		return true
	})
}
