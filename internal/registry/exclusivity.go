package registry

import (
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// triples are event families that must be selected as a whole.
var triples = [][3]protocol.EventType{
	{protocol.TouchBegin, protocol.TouchUpdate, protocol.TouchEnd},
	{protocol.GesturePinchBegin, protocol.GesturePinchUpdate, protocol.GesturePinchEnd},
	{protocol.GestureSwipeBegin, protocol.GestureSwipeUpdate, protocol.GestureSwipeEnd},
}

// exclusiveTypes are the types only one client may select per window and
// device selector.
func exclusiveTypes(gen protocol.Generation) mask.EventMask {
	if gen == protocol.Legacy {
		return mask.Of(protocol.ButtonPress)
	}
	return mask.Of(protocol.TouchBegin, protocol.GesturePinchBegin, protocol.GestureSwipeBegin)
}

// Validate checks one selection against the registry without changing it.
func (r *Registry) Validate(win xproto.Window, client protocol.ClientID, gen protocol.Generation, sel Selection) error {
	const op = "SelectEvents"
	m := sel.Mask

	if gen == protocol.Extended {
		for _, tr := range triples {
			n := 0
			for _, t := range tr {
				if m.Has(t) {
					n++
				}
			}
			if n != 0 && n != len(tr) {
				return protocol.NewError(op, protocol.BadValue, uint32(tr[0]))
			}
		}

		if !r.topo.IsRoot(win) {
			for _, t := range m.Types() {
				if t.IsRaw() {
					return protocol.NewError(op, protocol.BadValue, uint32(t))
				}
			}
		}
	}

	wanted := m.Intersect(exclusiveTypes(gen))
	if wanted.IsZero() {
		return nil
	}
	w := r.windows[win]
	if w == nil {
		return nil
	}
	for _, s := range w.subs {
		if s.Client == client || s.Generation != gen {
			continue
		}
		clash := s.Mask.Intersect(wanted)
		if clash.IsZero() || !protocol.SelectorsIntersect(s.Device, sel.Device, r.topo.IsMaster) {
			continue
		}
		return protocol.NewError(op, protocol.BadAccess, uint32(clash.Types()[0]))
	}
	return nil
}
