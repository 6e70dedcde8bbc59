package patch

import "github.com/corvid-dbi/corvid/vmstate"

// CallbackTable maps the small integer ids baked into generated code by
// CallHostFunction back to the vmstate.InstCallback + user data the engine
// must actually invoke at a BreakToHost. Kept separate from the engine's
// own InstrRule id space (spec.md's engine ids vs virtual ids split) since
// this id only ever needs to resolve a callback pointer, never to be
// deleted independently — deleting the owning InstrRule is what matters.
type CallbackTable struct {
	entries []callbackEntry
}

type callbackEntry struct {
	cbk  vmstate.InstCallback
	data interface{}
}

// Register appends cbk/data and returns its dispatch id.
func (t *CallbackTable) Register(cbk vmstate.InstCallback, data interface{}) uint32 {
	t.entries = append(t.entries, callbackEntry{cbk, data})
	return uint32(len(t.entries) - 1)
}

// Invoke calls the callback registered under id.
func (t *CallbackTable) Invoke(id uint32, vm interface{}, gpr *vmstate.GPRState, fpr *vmstate.FPRState) vmstate.VMAction {
	if int(id) >= len(t.entries) {
		return vmstate.Continue
	}
	e := t.entries[id]
	return e.cbk(vm, gpr, fpr, e.data)
}
