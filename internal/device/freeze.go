package device

import (
	"slices"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// Frozen reports whether events from d are currently held back.
func (s *Set) Frozen(d *Device) bool {
	if g, ok := d.Grabbed(); ok && g.Freeze.freezesSelf() {
		return true
	}
	if len(d.heldBy) > 0 {
		return true
	}
	if p := s.paired(d); p != nil {
		if g, ok := p.Grabbed(); ok && g.Freeze == FreezeBothNext {
			return true
		}
	}
	return false
}

// frozenByOther reports whether a grab owned by someone other than client
// keeps d frozen.
func (s *Set) frozenByOther(d *Device, client protocol.ClientID) bool {
	for _, h := range d.heldBy {
		if hd := s.devices[h]; hd != nil {
			if g, ok := hd.Grabbed(); ok && g.Client != client {
				return true
			}
		}
	}
	if p := s.paired(d); p != nil {
		if g, ok := p.Grabbed(); ok && g.Freeze == FreezeBothNext && g.Client != client {
			return true
		}
	}
	return false
}

func (s *Set) heldByClient(d *Device, client protocol.ClientID) bool {
	for _, h := range d.heldBy {
		if hd := s.devices[h]; hd != nil {
			if g, ok := hd.Grabbed(); ok && g.Client == client {
				return true
			}
		}
	}
	return false
}

func (s *Set) releaseClientHolds(d *Device, client protocol.ClientID) {
	d.heldBy = slices.DeleteFunc(d.heldBy, func(h protocol.DeviceID) bool {
		hd := s.devices[h]
		if hd == nil {
			return true
		}
		g, ok := hd.Grabbed()
		return !ok || g.Client == client
	})
}

// Replay is an event handed back by AllowEvents(ReplayThisDevice) for
// delivery as though the released grab never existed.
type Replay struct {
	Event protocol.Event
	// Grab is the released grab; passive matching resumes outside its window.
	Grab ActiveGrab
}

// AllowEvents applies a release mode to the device's freeze. Invalid modes
// fail BadValue. Calls from clients that neither own nor freeze the device,
// or whose time is outside the grab's lifetime, change nothing.
func (s *Set) AllowEvents(client protocol.ClientID, id protocol.DeviceID, mode protocol.AllowMode, t, now xproto.Timestamp) (*Replay, error) {
	if !mode.Valid() {
		return nil, protocol.NewError("AllowEvents", protocol.BadValue, uint32(mode))
	}
	d, err := s.Lookup(id, ReadAccess)
	if err != nil {
		return nil, err
	}

	g, grabbed := d.Grabbed()
	owns := grabbed && g.Client == client
	if !owns && !s.heldByClient(d, client) {
		return nil, nil
	}
	t = protocol.Resolve(t, now)
	if protocol.Later(t, now) {
		return nil, nil
	}
	if grabbed && protocol.Earlier(t, g.Start) {
		return nil, nil
	}

	logger.Debugf("allow events: client=%d dev=%d mode=%s", client, id, mode)

	switch mode {
	case protocol.ReplayThisDevice:
		if !owns || !g.Passive || !g.withEvent {
			return nil, nil
		}
		r := &Replay{Event: g.trigger, Grab: g.ActiveGrab}
		s.deactivate(d, now)
		return r, nil

	case protocol.SyncThisDevice:
		if owns {
			g.Freeze = FreezeNext
			g.withEvent = false
		}
		d.credit = 1

	case protocol.AsyncThisDevice:
		if owns {
			g.Freeze = Thawed
			g.withEvent = false
		}
		s.releaseClientHolds(d, client)
		d.credit = 0

	case protocol.AsyncOtherDevices:
		// this device keeps its own freeze
		if owns && g.Freeze.freezesSelf() {
			g.Freeze = ThawOthers
			g.withEvent = false
		}
		for _, o := range s.devices {
			if o == d {
				continue
			}
			s.releaseClientHolds(o, client)
			if og, ok := o.Grabbed(); ok && og.Client == client && og.Freeze.freezesSelf() {
				og.Freeze = Thawed
				og.withEvent = false
				o.credit = 0
			}
		}

	case protocol.SyncAll:
		if owns {
			g.Freeze = FreezeBothNext
			g.withEvent = false
		}
		d.credit = 1
		if p := s.paired(d); p != nil {
			p.credit = 1
		}

	case protocol.AsyncAll:
		if owns {
			g.Freeze = ThawedBoth
			g.withEvent = false
		}
		d.credit = 0
		for _, o := range s.devices {
			s.releaseClientHolds(o, client)
		}
		if p := s.paired(d); p != nil {
			if pg, ok := p.Grabbed(); ok && pg.Client == client {
				pg.Freeze = Thawed
				pg.withEvent = false
			}
			p.credit = 0
		}
	}
	return nil, nil
}

// Admit decides whether ev may be delivered now. A frozen device queues the
// event unless a Sync release credit is pending and nothing is queued ahead
// of it. Unfrozen devices still queue behind earlier held events so arrival
// order is kept; TakeReleased hands those back.
func (s *Set) Admit(ev protocol.Event) bool {
	d, ok := s.devices[ev.Device]
	if !ok {
		return true
	}
	if len(d.queue) == 0 {
		if !s.Frozen(d) {
			return true
		}
		if d.credit > 0 {
			d.credit--
			return true
		}
	}
	d.queue = append(d.queue, ev)
	logger.Debugf("device %d frozen, queued %s (%d held)", d.ID, ev, len(d.queue))
	return false
}

// TakeReleased pops the next held event that may now be delivered. Callers
// loop until it reports false, since delivering one event can change the
// freeze state of others.
func (s *Set) TakeReleased() (protocol.Event, bool) {
	for _, id := range s.order {
		d := s.devices[id]
		if len(d.queue) == 0 {
			continue
		}
		if s.Frozen(d) {
			if d.credit == 0 {
				continue
			}
			d.credit--
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		return ev, true
	}
	return protocol.Event{}, false
}
