// Package registry keeps the per-window event selections of every client, plus
// the per-window don't-propagate masks the router consults while bubbling.
package registry

import (
	"sort"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// Topology answers the window and device questions selection rules depend on.
type Topology interface {
	IsRoot(win xproto.Window) bool
	IsMaster(dev protocol.DeviceID) bool
}

// Subscription is one client's selection for one device (or selector) on a window.
type Subscription struct {
	Client     protocol.ClientID
	Device     protocol.DeviceID
	Generation protocol.Generation
	Mask       mask.EventMask
}

// Selection is a requested mask for one device or selector.
type Selection struct {
	Device protocol.DeviceID
	Mask   mask.EventMask
}

type windowMasks struct {
	subs  []Subscription
	union mask.EventMask

	// legacy suppression table, kept apart from the selections
	dontPropagate map[protocol.DeviceID]mask.EventMask
}

func (w *windowMasks) empty() bool {
	return len(w.subs) == 0 && len(w.dontPropagate) == 0
}

func (w *windowMasks) recompute() {
	var u mask.EventMask
	for _, s := range w.subs {
		u = u.Union(s.Mask)
	}
	w.union = u
}

// Registry owns every window's selections.
type Registry struct {
	topo    Topology
	windows map[xproto.Window]*windowMasks
}

// New creates an empty registry.
func New(topo Topology) *Registry {
	return &Registry{
		topo:    topo,
		windows: make(map[xproto.Window]*windowMasks),
	}
}

// SelectEvents sets client's mask for dev on win. A zero mask removes the entry;
// otherwise the previous mask for the same (client, device, generation) is
// replaced, never merged.
func (r *Registry) SelectEvents(win xproto.Window, client protocol.ClientID, gen protocol.Generation, dev protocol.DeviceID, m mask.EventMask) error {
	return r.SelectMany(win, client, gen, []Selection{{Device: dev, Mask: m}})
}

// SelectMany applies several selections as one request. Every selection is
// validated before any is committed.
func (r *Registry) SelectMany(win xproto.Window, client protocol.ClientID, gen protocol.Generation, sels []Selection) error {
	for _, s := range sels {
		if err := r.Validate(win, client, gen, s); err != nil {
			logger.Debugf("select rejected: client=%d win=0x%x dev=%s: %v", client, uint32(win), s.Device, err)
			return err
		}
	}

	w := r.windows[win]
	if w == nil {
		w = &windowMasks{}
		r.windows[win] = w
	}
	for _, s := range sels {
		w.put(client, gen, s)
	}
	w.recompute()
	if w.empty() {
		delete(r.windows, win)
	}
	return nil
}

func (w *windowMasks) put(client protocol.ClientID, gen protocol.Generation, s Selection) {
	for i := range w.subs {
		sub := &w.subs[i]
		if sub.Client != client || sub.Device != s.Device || sub.Generation != gen {
			continue
		}
		if s.Mask.IsZero() {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
		} else {
			sub.Mask = s.Mask
		}
		return
	}
	if s.Mask.IsZero() {
		return
	}
	w.subs = append(w.subs, Subscription{
		Client:     client,
		Device:     s.Device,
		Generation: gen,
		Mask:       s.Mask,
	})
}

// GetSelectedEvents returns client's masks on win by device, and the union of
// every client's masks on win, both restricted to selections made under gen.
func (r *Registry) GetSelectedEvents(win xproto.Window, client protocol.ClientID, gen protocol.Generation) (map[protocol.DeviceID]mask.EventMask, mask.EventMask) {
	mine := make(map[protocol.DeviceID]mask.EventMask)
	var all mask.EventMask
	w := r.windows[win]
	if w == nil {
		return mine, all
	}
	for _, s := range w.subs {
		if s.Generation != gen {
			continue
		}
		all = all.Union(s.Mask)
		if s.Client == client {
			mine[s.Device] = mine[s.Device].Union(s.Mask)
		}
	}
	return mine, all
}

// AllSelected returns every client's masks on win made under gen, by device.
func (r *Registry) AllSelected(win xproto.Window, gen protocol.Generation) map[protocol.DeviceID]mask.EventMask {
	out := make(map[protocol.DeviceID]mask.EventMask)
	if w := r.windows[win]; w != nil {
		for _, s := range w.subs {
			if s.Generation == gen {
				out[s.Device] = out[s.Device].Union(s.Mask)
			}
		}
	}
	return out
}

// UnionMask returns the union of every selection on win.
func (r *Registry) UnionMask(win xproto.Window) mask.EventMask {
	if w := r.windows[win]; w != nil {
		return w.union
	}
	return mask.EventMask{}
}

// Subscriptions returns a copy of win's selections in the order they were made.
func (r *Registry) Subscriptions(win xproto.Window) []Subscription {
	w := r.windows[win]
	if w == nil {
		return nil
	}
	out := make([]Subscription, len(w.subs))
	copy(out, w.subs)
	return out
}

// Windows lists every window holding selections or suppression masks.
func (r *Registry) Windows() []xproto.Window {
	out := make([]xproto.Window, 0, len(r.windows))
	for win := range r.windows {
		out = append(out, win)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Interested lists the clients selecting t from dev on win, each once, in
// selection order.
func (r *Registry) Interested(win xproto.Window, dev protocol.DeviceID, t protocol.EventType) []protocol.ClientID {
	w := r.windows[win]
	if w == nil || !w.union.Has(t) {
		return nil
	}
	isMaster := r.topo.IsMaster(dev)

	var out []protocol.ClientID
	seen := make(map[protocol.ClientID]bool)
	for _, s := range w.subs {
		if seen[s.Client] || !s.Mask.Has(t) || !protocol.Selects(s.Device, dev, isMaster) {
			continue
		}
		seen[s.Client] = true
		out = append(out, s.Client)
	}
	return out
}

// Selects reports whether client selects t from dev on win.
func (r *Registry) Selects(win xproto.Window, client protocol.ClientID, dev protocol.DeviceID, t protocol.EventType) bool {
	for _, c := range r.Interested(win, dev, t) {
		if c == client {
			return true
		}
	}
	return false
}

// SetDontPropagateMask adds bits to, or deletes bits from, the suppression
// mask of dev on win.
func (r *Registry) SetDontPropagateMask(win xproto.Window, dev protocol.DeviceID, m mask.EventMask, mode protocol.ModeFlag) error {
	if mode != protocol.AddToList && mode != protocol.DeleteFromList {
		return protocol.NewError("SetDontPropagateMask", protocol.BadMode, uint32(mode))
	}

	w := r.windows[win]
	if w == nil {
		if mode == protocol.DeleteFromList {
			return nil
		}
		w = &windowMasks{}
		r.windows[win] = w
	}
	if w.dontPropagate == nil {
		w.dontPropagate = make(map[protocol.DeviceID]mask.EventMask)
	}

	cur := w.dontPropagate[dev]
	if mode == protocol.AddToList {
		cur = cur.Union(m)
	} else {
		cur = cur.Without(m)
	}
	if cur.IsZero() {
		delete(w.dontPropagate, dev)
	} else {
		w.dontPropagate[dev] = cur
	}
	if w.empty() {
		delete(r.windows, win)
	}
	return nil
}

// DontPropagate returns the suppression mask for dev on win.
func (r *Registry) DontPropagate(win xproto.Window, dev protocol.DeviceID) mask.EventMask {
	w := r.windows[win]
	if w == nil {
		return mask.EventMask{}
	}
	return w.dontPropagate[dev].Union(w.dontPropagate[protocol.AllDevices])
}

// DontPropagateMasks returns a copy of win's suppression masks.
func (r *Registry) DontPropagateMasks(win xproto.Window) map[protocol.DeviceID]mask.EventMask {
	out := make(map[protocol.DeviceID]mask.EventMask)
	if w := r.windows[win]; w != nil {
		for d, m := range w.dontPropagate {
			out[d] = m
		}
	}
	return out
}

// ClientGone drops every selection client made. It returns the number removed.
func (r *Registry) ClientGone(client protocol.ClientID) int {
	removed := 0
	for win, w := range r.windows {
		kept := w.subs[:0]
		for _, s := range w.subs {
			if s.Client == client {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		w.subs = kept
		w.recompute()
		if w.empty() {
			delete(r.windows, win)
		}
	}
	return removed
}

// WindowGone drops everything recorded for win.
func (r *Registry) WindowGone(win xproto.Window) {
	delete(r.windows, win)
}

// DeviceGone drops selections and suppression masks naming dev.
func (r *Registry) DeviceGone(dev protocol.DeviceID) {
	for win, w := range r.windows {
		kept := w.subs[:0]
		for _, s := range w.subs {
			if s.Device != dev {
				kept = append(kept, s)
			}
		}
		w.subs = kept
		delete(w.dontPropagate, dev)
		w.recompute()
		if w.empty() {
			delete(r.windows, win)
		}
	}
}
