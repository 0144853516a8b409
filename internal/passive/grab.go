// Package passive holds the dormant grab rules clients attach to windows. A
// rule turns into an active grab when a matching trigger event reaches its
// window while the device is ungrabbed.
package passive

import (
	"fmt"
	"slices"

	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// Grab is one passive grab rule.
type Grab struct {
	Client     protocol.ClientID
	Window     xproto.Window
	Generation protocol.Generation

	// Device may be a selector for extended grabs.
	Device         protocol.DeviceID
	ModifierDevice protocol.DeviceID

	Type      protocol.EventType
	Detail    protocol.Detail
	Modifiers protocol.Modifiers

	ModeSelf    protocol.GrabMode
	ModePaired  protocol.GrabMode
	OwnerEvents bool
	Mask        mask.EventMask

	Confine xproto.Window
	Cursor  xproto.Cursor

	detailExcept []protocol.Detail
	modExcept    []protocol.Modifiers
}

func (g *Grab) String() string {
	return fmt.Sprintf("%s grab client=%d win=0x%x dev=%s %s detail=%d mods=0x%x",
		g.Generation, g.Client, uint32(g.Window), g.Device, g.Type, g.Detail, uint32(g.Modifiers))
}

func (g *Grab) anyDetail() bool {
	return g.Detail == protocol.AnyDetail
}

func (g *Grab) anyModifiers() bool {
	return g.Modifiers.IsAny(g.Generation)
}

// DetailExceptions lists the details carved out of an AnyDetail grab.
func (g *Grab) DetailExceptions() []protocol.Detail {
	return slices.Clone(g.detailExcept)
}

// ModifierExceptions lists the modifier states carved out of an AnyModifier grab.
func (g *Grab) ModifierExceptions() []protocol.Modifiers {
	return slices.Clone(g.modExcept)
}

// MatchesDetail reports whether the rule fires for detail d.
func (g *Grab) MatchesDetail(d protocol.Detail) bool {
	if g.anyDetail() {
		return !slices.Contains(g.detailExcept, d)
	}
	return g.Detail == d
}

// MatchesModifiers reports whether the rule fires for modifier state m.
func (g *Grab) MatchesModifiers(m protocol.Modifiers) bool {
	if g.anyModifiers() {
		return !slices.Contains(g.modExcept, m)
	}
	return g.Modifiers == m
}

func (g *Grab) clone() *Grab {
	c := *g
	c.detailExcept = slices.Clone(g.detailExcept)
	c.modExcept = slices.Clone(g.modExcept)
	return &c
}

func (g *Grab) validate() error {
	const op = "PassiveGrab"
	if g.Generation != protocol.Legacy && g.Generation != protocol.Extended {
		return protocol.NewError(op, protocol.BadImplementation, uint32(g.Generation))
	}
	if !g.Type.IsPassiveTrigger() {
		return protocol.NewError(op, protocol.BadValue, uint32(g.Type))
	}
	if !g.Modifiers.ValidFor(g.Generation) {
		return protocol.NewError(op, protocol.BadValue, uint32(g.Modifiers))
	}
	if !g.ModeSelf.Valid() {
		return protocol.NewError(op, protocol.BadValue, uint32(g.ModeSelf))
	}
	if !g.ModePaired.Valid() {
		return protocol.NewError(op, protocol.BadValue, uint32(g.ModePaired))
	}
	if g.Generation == protocol.Legacy && g.Device.IsSelector() {
		return protocol.NewError(op, protocol.BadDevice, uint32(g.Device))
	}
	return nil
}

// overlapsDetail reports whether some detail fires both rules.
func overlapsDetail(a, b *Grab) bool {
	switch {
	case a.anyDetail() && b.anyDetail():
		return true
	case a.anyDetail():
		return a.MatchesDetail(b.Detail)
	case b.anyDetail():
		return b.MatchesDetail(a.Detail)
	}
	return a.Detail == b.Detail
}

func overlapsModifiers(a, b *Grab) bool {
	switch {
	case a.anyModifiers() && b.anyModifiers():
		return true
	case a.anyModifiers():
		return a.MatchesModifiers(b.Modifiers)
	case b.anyModifiers():
		return b.MatchesModifiers(a.Modifiers)
	}
	return a.Modifiers == b.Modifiers
}
