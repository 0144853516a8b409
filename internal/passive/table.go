package passive

import (
	"slices"
	"sort"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// MasterChecker reports whether a device is a master device.
type MasterChecker interface {
	IsMaster(dev protocol.DeviceID) bool
}

// Table holds every window's passive grabs in the order they were added.
type Table struct {
	devices MasterChecker
	windows map[xproto.Window][]*Grab
}

// NewTable creates an empty table.
func NewTable(devices MasterChecker) *Table {
	return &Table{
		devices: devices,
		windows: make(map[xproto.Window][]*Grab),
	}
}

func (t *Table) sameDevices(a, b *Grab) bool {
	if a.Generation == protocol.Extended {
		return protocol.SelectorsIntersect(a.Device, b.Device, t.devices.IsMaster)
	}
	return a.Device == b.Device && a.ModifierDevice == b.ModifierDevice
}

// conflicts reports whether one trigger could fire both rules.
func (t *Table) conflicts(a, b *Grab) bool {
	return a.Generation == b.Generation &&
		a.Type == b.Type &&
		t.sameDevices(a, b) &&
		overlapsDetail(a, b) &&
		overlapsModifiers(a, b)
}

// AddPassiveGrab installs g on g.Window. It fails BadAccess when a rule owned
// by another client could fire on the same trigger. Rules of the same client
// that g covers are removed or narrowed first, so an identical rule is
// replaced.
func (t *Table) AddPassiveGrab(g *Grab) error {
	if err := g.validate(); err != nil {
		return err
	}
	for _, old := range t.windows[g.Window] {
		if old.Client != g.Client && t.conflicts(old, g) {
			logger.Debugf("passive grab refused: %s conflicts with %s", g, old)
			return protocol.NewError("PassiveGrab", protocol.BadAccess, uint32(g.Detail))
		}
	}

	t.RemovePassiveGrab(g.Window, g.Client, Criteria{
		Generation:     g.Generation,
		Device:         g.Device,
		ModifierDevice: g.ModifierDevice,
		Type:           g.Type,
		Detail:         g.Detail,
		Modifiers:      g.Modifiers,
	})
	t.windows[g.Window] = append(t.windows[g.Window], g.clone())
	logger.Debugf("passive grab added: %s", g)
	return nil
}

// Criteria selects the rules a RemovePassiveGrab call releases.
type Criteria struct {
	Generation     protocol.Generation
	Device         protocol.DeviceID
	ModifierDevice protocol.DeviceID
	Type           protocol.EventType
	Detail         protocol.Detail
	Modifiers      protocol.Modifiers
}

func (c Criteria) anyDetail() bool    { return c.Detail == protocol.AnyDetail }
func (c Criteria) anyModifiers() bool { return c.Modifiers.IsAny(c.Generation) }

func (c Criteria) names(g *Grab) bool {
	if g.Generation != c.Generation || g.Type != c.Type || g.Device != c.Device {
		return false
	}
	return c.Generation == protocol.Extended || g.ModifierDevice == c.ModifierDevice
}

// RemovePassiveGrab releases client's rules on win matching c. Removing a
// specific detail or modifier state from a wildcard rule carves an exception
// out of it instead. Nothing matching is not an error. It returns the number
// of rules deleted or narrowed.
func (t *Table) RemovePassiveGrab(win xproto.Window, client protocol.ClientID, c Criteria) int {
	grabs := t.windows[win]
	if len(grabs) == 0 {
		return 0
	}

	var (
		kept    []*Grab
		added   []*Grab
		touched int
	)
	for _, g := range grabs {
		if g.Client != client || !c.names(g) {
			kept = append(kept, g)
			continue
		}

		detailAll := c.anyDetail() || c.Detail == g.Detail
		detailPart := !detailAll && g.anyDetail() && g.MatchesDetail(c.Detail)
		modsAll := c.anyModifiers() || c.Modifiers == g.Modifiers
		modsPart := !modsAll && g.anyModifiers() && g.MatchesModifiers(c.Modifiers)

		switch {
		case detailAll && modsAll:
			touched++
			continue
		case detailAll && modsPart:
			g.modExcept = append(g.modExcept, c.Modifiers)
			touched++
		case detailPart && modsAll:
			g.detailExcept = append(g.detailExcept, c.Detail)
			touched++
		case detailPart && modsPart:
			// keep the detail under every other modifier state
			split := g.clone()
			split.Detail = c.Detail
			split.detailExcept = nil
			split.modExcept = append(split.modExcept, c.Modifiers)
			added = append(added, split)
			g.detailExcept = append(g.detailExcept, c.Detail)
			touched++
		}
		kept = append(kept, g)
	}

	kept = append(kept, added...)
	if len(kept) == 0 {
		delete(t.windows, win)
	} else {
		t.windows[win] = kept
	}
	return touched
}

// Trigger describes an event that may activate a rule.
type Trigger struct {
	Device    protocol.DeviceID
	Type      protocol.EventType
	Detail    protocol.Detail
	Modifiers protocol.Modifiers
}

// MatchTrigger returns the rules on win that tr fires, rules with exact
// modifiers first and then rules with an exact detail. Ties keep insertion
// order.
func (t *Table) MatchTrigger(win xproto.Window, tr Trigger) []*Grab {
	grabs := t.windows[win]
	if len(grabs) == 0 {
		return nil
	}
	isMaster := t.devices.IsMaster(tr.Device)
	mods := tr.Modifiers & protocol.AllModifiersMask

	var out []*Grab
	for _, g := range grabs {
		if g.Type != tr.Type {
			continue
		}
		if g.Generation == protocol.Extended {
			if !protocol.Selects(g.Device, tr.Device, isMaster) {
				continue
			}
		} else if g.Device != tr.Device {
			continue
		}
		if tr.Type.HasDetail() && !g.MatchesDetail(tr.Detail) {
			continue
		}
		if !g.MatchesModifiers(mods) {
			continue
		}
		out = append(out, g)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.anyModifiers() != b.anyModifiers() {
			return !a.anyModifiers()
		}
		return !a.anyDetail() && b.anyDetail()
	})
	return out
}

// Grabs returns win's rules in insertion order.
func (t *Table) Grabs(win xproto.Window) []*Grab {
	return slices.Clone(t.windows[win])
}

// Windows lists windows holding rules.
func (t *Table) Windows() []xproto.Window {
	out := make([]xproto.Window, 0, len(t.windows))
	for w := range t.windows {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

func (t *Table) removeWhere(drop func(*Grab) bool) int {
	n := 0
	for win, grabs := range t.windows {
		kept := slices.DeleteFunc(grabs, drop)
		n += len(grabs) - len(kept)
		if len(kept) == 0 {
			delete(t.windows, win)
		} else {
			t.windows[win] = kept
		}
	}
	return n
}

// ClientGone drops every rule owned by client.
func (t *Table) ClientGone(client protocol.ClientID) int {
	return t.removeWhere(func(g *Grab) bool { return g.Client == client })
}

// WindowGone drops every rule on win.
func (t *Table) WindowGone(win xproto.Window) {
	delete(t.windows, win)
}

// DeviceGone drops rules keyed on dev or on dev as modifier device.
func (t *Table) DeviceGone(dev protocol.DeviceID) int {
	return t.removeWhere(func(g *Grab) bool {
		return g.Device == dev || g.ModifierDevice == dev
	})
}
