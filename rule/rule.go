// Package rule implements InstrRule, the user-visible instrumentation
// rule: a (condition, generators, position, breakToHost?) tuple plus the
// RangeSet it applies to. Adding or deleting a rule invalidates the
// ExecBlock cache for its overlapping ranges (spec.md §3).
package rule

import (
	"github.com/corvid-dbi/corvid/patch"
	"github.com/corvid-dbi/corvid/rng"
)

// Position selects which side of the original instruction a rule's
// generators land on.
type Position int

const (
	PreInst Position = iota
	PostInst
)

// InstrRule is created on user registration and destroyed on
// DeleteInstrumentation(id) (spec.md §3). Id is assigned by whichever
// registry owns the rule (engine.Engine); it is zero until registered.
type InstrRule struct {
	ID           uint32
	Condition    patch.Condition
	Generators   []patch.Generator
	Position     Position
	BreakToHost  bool
	Ranges       *rng.RangeSet
	// registrationOrder is the monotonic counter InstrRule was created
	// under. It is recorded but not read: ties between rules of the same
	// Position (spec.md §4.2) follow the Registry's slice order.
	registrationOrder uint64
}

// Matches reports whether r applies at all to a translation covering pc —
// an empty Ranges means "applies everywhere," matching how spec.md
// describes range-unbounded rules like addCodeAddrCB with a single point
// range.
func (r *InstrRule) Matches(pc uint64) bool {
	if r.Ranges == nil || r.Ranges.Empty() {
		return true
	}
	return r.Ranges.Contains(pc)
}

// ToMatcher compiles r into the patch.Matcher shape the Patch Builder
// consumes, splitting Generators into Pre/Post based on Position.
func (r *InstrRule) ToMatcher() patch.Matcher {
	m := patch.Matcher{Condition: r.Condition}
	switch r.Position {
	case PreInst:
		m.Pre = r.Generators
	case PostInst:
		m.Post = r.Generators
	}
	return m
}

// Registry is an ordered collection of InstrRules, preserving registration
// order for the tie-break rule in spec.md §4.2 and §5.
type Registry struct {
	rules   []*InstrRule
	counter uint64
	nextID  uint32
}

// Add appends rule to the registry, assigns it an id and registration
// order, and returns the id.
func (reg *Registry) Add(r *InstrRule) uint32 {
	reg.nextID++
	r.ID = reg.nextID
	r.registrationOrder = reg.counter
	reg.counter++
	reg.rules = append(reg.rules, r)
	return r.ID
}

// Delete removes the rule with the given id, iterating by id with a stable
// predicate and stopping at the first match — the "one id, one entry"
// contract spec.md's design notes call out explicitly as the correct
// re-implementation of the original's index-based erase. Returns false if
// no rule had that id.
func (reg *Registry) Delete(id uint32) bool {
	for i, r := range reg.rules {
		if r.ID == id {
			reg.rules = append(reg.rules[:i], reg.rules[i+1:]...)
			return true
		}
	}
	return false
}

// DeleteAll clears every registered rule.
func (reg *Registry) DeleteAll() {
	reg.rules = nil
}

// MatchingAt returns every rule whose Ranges cover pc, split into
// PREINST/POSTINST order, each preserving registration order (spec.md
// §4.2, §5). Conditions are not checked here; patch.Builder.Build
// evaluates them per instruction.
func (reg *Registry) MatchingAt(pc uint64) (pre, post []*InstrRule) {
	for _, r := range reg.rules {
		if r.Matches(pc) {
			switch r.Position {
			case PreInst:
				pre = append(pre, r)
			case PostInst:
				post = append(post, r)
			}
		}
	}
	return pre, post
}

// All returns every registered rule, in registration order.
func (reg *Registry) All() []*InstrRule {
	out := make([]*InstrRule, len(reg.rules))
	copy(out, reg.rules)
	return out
}

// OverlappingRanges returns the union of every rule's Ranges (spec.md §3).
func (reg *Registry) OverlappingRanges() *rng.RangeSet {
	out := rng.NewRangeSet()
	for _, r := range reg.rules {
		if r.Ranges == nil {
			continue
		}
		for _, rr := range r.Ranges.Ranges() {
			out.Add(rr)
		}
	}
	return out
}
