// Package mask converts between the wire forms of event selections (legacy
// event classes and variable-length bit masks) and the fixed-size EventMask the
// rest of the core works with.
package mask

import (
	"strings"

	"github.com/bnema/xigrab/internal/protocol"
)

// EventMask is a set of event types, one bit per type up to protocol.LastEvent.
type EventMask [protocol.MaskBytes]byte

// Of returns a mask with the given types set.
func Of(types ...protocol.EventType) EventMask {
	var m EventMask
	for _, t := range types {
		m.Set(t)
	}
	return m
}

// Set adds t to the mask. Types beyond LastEvent are ignored.
func (m *EventMask) Set(t protocol.EventType) {
	if t > protocol.LastEvent {
		return
	}
	m[t>>3] |= 1 << (t & 7)
}

// Clear removes t from the mask.
func (m *EventMask) Clear(t protocol.EventType) {
	if t > protocol.LastEvent {
		return
	}
	m[t>>3] &^= 1 << (t & 7)
}

// Has reports whether t is in the mask.
func (m EventMask) Has(t protocol.EventType) bool {
	if t > protocol.LastEvent {
		return false
	}
	return m[t>>3]&(1<<(t&7)) != 0
}

// IsZero reports whether no bit is set.
func (m EventMask) IsZero() bool {
	return m == EventMask{}
}

// Union returns m | o.
func (m EventMask) Union(o EventMask) EventMask {
	for i := range m {
		m[i] |= o[i]
	}
	return m
}

// Intersect returns m & o.
func (m EventMask) Intersect(o EventMask) EventMask {
	for i := range m {
		m[i] &= o[i]
	}
	return m
}

// Without returns m &^ o.
func (m EventMask) Without(o EventMask) EventMask {
	for i := range m {
		m[i] &^= o[i]
	}
	return m
}

// SubsetOf reports whether every bit of m is also set in o.
func (m EventMask) SubsetOf(o EventMask) bool {
	return m.Without(o).IsZero()
}

// Intersects reports whether m and o share a bit.
func (m EventMask) Intersects(o EventMask) bool {
	return !m.Intersect(o).IsZero()
}

// Types lists the event types in the mask in ascending order.
func (m EventMask) Types() []protocol.EventType {
	var out []protocol.EventType
	for t := protocol.EventType(0); t <= protocol.LastEvent; t++ {
		if m.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

func (m EventMask) String() string {
	types := m.Types()
	if len(types) == 0 {
		return "{}"
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}
