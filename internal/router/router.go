// Package router decides who receives each device event: the active grab
// owner, a client whose passive grab the event activates, or the clients
// subscribed along the window's ancestry.
package router

import (
	"slices"

	"github.com/bnema/xigrab/internal/device"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/registry"
	"github.com/jezek/xgb/xproto"
)

// Delivery is one event addressed to one client.
type Delivery struct {
	Client protocol.ClientID
	// Window is the window the event is reported relative to.
	Window  xproto.Window
	Event   protocol.Event
	Grabbed bool
}

// Deliverer hands events to the transport. Delivery is fire-and-forget.
type Deliverer interface {
	DeliverEvent(client protocol.ClientID, d Delivery)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(client protocol.ClientID, d Delivery)

func (f DelivererFunc) DeliverEvent(client protocol.ClientID, d Delivery) { f(client, d) }

// Windows is the part of the window hierarchy routing walks.
type Windows interface {
	// Path returns the window followed by its ancestors up to the root.
	Path(win xproto.Window) []xproto.Window
	Root() xproto.Window
}

// Router routes device events.
type Router struct {
	windows  Windows
	devices  *device.Set
	registry *registry.Registry
	passive  *passive.Table
	out      Deliverer
}

// New creates a router over the given tables.
func New(windows Windows, devices *device.Set, reg *registry.Registry, grabs *passive.Table, out Deliverer) *Router {
	return &Router{
		windows:  windows,
		devices:  devices,
		registry: reg,
		passive:  grabs,
		out:      out,
	}
}

// ProcessEvent feeds one event from the hardware layer through the freeze
// queues and delivers whatever may go out now, including events an earlier
// freeze was holding.
func (r *Router) ProcessEvent(ev protocol.Event) []Delivery {
	if ev.Type.IsRaw() {
		return r.Route(ev)
	}
	var out []Delivery
	if r.devices.Admit(ev) {
		out = r.Route(ev)
	}
	return append(out, r.Pump()...)
}

// Pump delivers held events that freezes no longer block.
func (r *Router) Pump() []Delivery {
	var out []Delivery
	for {
		ev, ok := r.devices.TakeReleased()
		if !ok {
			return out
		}
		out = append(out, r.Route(ev)...)
	}
}

// Replay re-delivers the trigger released by AllowEvents(ReplayThisDevice).
// Passive matching resumes at the windows outside the released grab's window.
func (r *Router) Replay(rep *device.Replay) []Delivery {
	if rep == nil {
		return nil
	}
	out := r.route(rep.Event, &rep.Grab)
	return append(out, r.Pump()...)
}

// Route computes and delivers the recipients of ev without consulting the
// freeze queues. Callers that need freezing go through ProcessEvent.
func (r *Router) Route(ev protocol.Event) []Delivery {
	return r.route(ev, nil)
}

func (r *Router) route(ev protocol.Event, replayed *device.ActiveGrab) []Delivery {
	if ev.Type.IsRaw() {
		return r.deliverAt(r.windows.Root(), ev)
	}

	if d := r.devices.Get(ev.Device); d != nil && replayed == nil {
		if g, ok := d.Grabbed(); ok {
			return r.deliverToGrab(g.ActiveGrab, ev, false)
		}
	}

	path := r.windows.Path(ev.Window)
	if ev.Type.IsPassiveTrigger() {
		scan := path
		if replayed != nil {
			if i := slices.Index(path, replayed.Window); i >= 0 {
				scan = path[i+1:]
			}
		}
		if out, ok := r.activatePassive(ev, scan); ok {
			return out
		}
	}

	for _, win := range path {
		if out := r.deliverAt(win, ev); len(out) > 0 {
			return out
		}
		if r.registry.DontPropagate(win, ev.Device).Has(ev.Type) {
			logger.Debugf("%s stopped at 0x%x by don't-propagate mask", ev, uint32(win))
			return nil
		}
	}
	return nil
}

func (r *Router) activatePassive(ev protocol.Event, scan []xproto.Window) ([]Delivery, bool) {
	d := r.devices.Get(ev.Device)
	if d == nil {
		return nil, false
	}
	tr := passive.Trigger{
		Device:    ev.Device,
		Type:      ev.Type,
		Detail:    ev.Detail,
		Modifiers: ev.Modifiers,
	}

	for _, win := range scan {
		if cands := r.passive.MatchTrigger(win, tr); len(cands) > 0 {
			g := cands[0]
			active := device.ActiveGrab{
				Device:      ev.Device,
				Client:      g.Client,
				Window:      g.Window,
				ModeSelf:    g.ModeSelf,
				ModePaired:  g.ModePaired,
				OwnerEvents: g.OwnerEvents,
				Mask:        g.Mask,
				Confine:     g.Confine,
				Cursor:      g.Cursor,
				Generation:  g.Generation,
			}
			if err := r.devices.Activate(active, ev); err != nil {
				logger.Warnf("passive grab activation failed: %v", err)
				return nil, false
			}
			logger.Debugf("%s activated %s", ev, g)
			return r.deliverToGrab(active, ev, true), true
		}
		if r.registry.DontPropagate(win, ev.Device).Has(ev.Type) {
			break
		}
	}
	return nil, false
}

// deliverToGrab sends ev to the grab owner. The event that activated a
// passive grab is always delivered; anything else must be in the grab mask.
func (r *Router) deliverToGrab(g device.ActiveGrab, ev protocol.Event, trigger bool) []Delivery {
	if !trigger && !g.Mask.IsZero() && !g.Mask.Has(ev.Type) {
		logger.Debugf("%s outside grab mask of client %d, discarded", ev, g.Client)
		return nil
	}

	win := g.Window
	if g.OwnerEvents {
		for _, w := range r.windows.Path(ev.Window) {
			if r.registry.Selects(w, g.Client, ev.Device, ev.Type) {
				win = w
				break
			}
		}
	}
	d := Delivery{Client: g.Client, Window: win, Event: ev, Grabbed: true}
	r.out.DeliverEvent(g.Client, d)
	return []Delivery{d}
}

func (r *Router) deliverAt(win xproto.Window, ev protocol.Event) []Delivery {
	clients := r.registry.Interested(win, ev.Device, ev.Type)
	if len(clients) == 0 {
		return nil
	}
	out := make([]Delivery, 0, len(clients))
	for _, c := range clients {
		d := Delivery{Client: c, Window: win, Event: ev}
		r.out.DeliverEvent(c, d)
		out = append(out, d)
	}
	return out
}
