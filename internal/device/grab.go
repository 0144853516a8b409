package device

import (
	"fmt"
	"slices"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// FreezeState is the flow-control state of a grabbed device.
type FreezeState uint8

const (
	Thawed FreezeState = iota
	FreezeNext
	ThawOthers
	FreezeBothNext
	ThawedBoth
)

func (f FreezeState) String() string {
	switch f {
	case Thawed:
		return "Thawed"
	case FreezeNext:
		return "FreezeNext"
	case ThawOthers:
		return "ThawOthers"
	case FreezeBothNext:
		return "FreezeBothNext"
	case ThawedBoth:
		return "ThawedBoth"
	}
	return fmt.Sprintf("FreezeState(%d)", uint8(f))
}

// freezesSelf reports whether f holds back the grabbed device's own events.
func (f FreezeState) freezesSelf() bool {
	return f == FreezeNext || f == ThawOthers || f == FreezeBothNext
}

// ActiveGrab is a live exclusive ownership of one device.
type ActiveGrab struct {
	Device      protocol.DeviceID
	Client      protocol.ClientID
	Window      xproto.Window
	ModeSelf    protocol.GrabMode
	ModePaired  protocol.GrabMode
	OwnerEvents bool
	Mask        mask.EventMask
	Start       xproto.Timestamp
	Confine     xproto.Window
	Cursor      xproto.Cursor
	Generation  protocol.Generation

	// Passive is set when the grab was activated by a passive rule.
	Passive bool
}

// GrabState is either Ungrabbed or *Grabbed.
type GrabState interface {
	isGrabState()
	fmt.Stringer
}

// Ungrabbed is the state of a device nobody owns.
type Ungrabbed struct{}

func (Ungrabbed) isGrabState()   {}
func (Ungrabbed) String() string { return "ungrabbed" }

// Grabbed is the state of an owned device.
type Grabbed struct {
	ActiveGrab
	Freeze FreezeState

	// trigger is the event that activated a passive grab, kept while the
	// device is frozen holding it so it can be replayed.
	trigger   protocol.Event
	withEvent bool
}

func (*Grabbed) isGrabState() {}

func (g *Grabbed) String() string {
	return fmt.Sprintf("grabbed by %d on 0x%x (%s/%s, %s)",
		g.Client, uint32(g.Window), g.ModeSelf, g.ModePaired, g.Freeze)
}

// HoldingTrigger reports whether the grab is frozen holding the event that
// activated it.
func (g *Grabbed) HoldingTrigger() bool {
	return g.withEvent
}

// GrabRequest is an explicit grab.
type GrabRequest struct {
	Client      protocol.ClientID
	Device      protocol.DeviceID
	Window      xproto.Window
	Viewable    bool
	ModeSelf    protocol.GrabMode
	ModePaired  protocol.GrabMode
	OwnerEvents bool
	Mask        mask.EventMask
	Time        xproto.Timestamp
	Confine     xproto.Window
	Cursor      xproto.Cursor
	Generation  protocol.Generation
}

// GrabDevice makes an explicit grab. Invalid modes fail BadValue; every other
// refusal is reported in the returned status.
func (s *Set) GrabDevice(req GrabRequest, now xproto.Timestamp) (protocol.GrabStatus, error) {
	const op = "GrabDevice"
	if !req.ModeSelf.Valid() {
		return 0, protocol.NewError(op, protocol.BadValue, uint32(req.ModeSelf))
	}
	if !req.ModePaired.Valid() {
		return 0, protocol.NewError(op, protocol.BadValue, uint32(req.ModePaired))
	}
	d, err := s.Lookup(req.Device, GrabAccess)
	if err != nil {
		return 0, err
	}

	cur, grabbed := d.Grabbed()
	if grabbed && (cur.Client != req.Client || cur.Generation != req.Generation) {
		return protocol.GrabAlreadyGrabbed, nil
	}
	if !req.Viewable {
		return protocol.GrabNotViewable, nil
	}
	t := protocol.Resolve(req.Time, now)
	if protocol.Later(t, now) || (d.grabTime != 0 && protocol.Earlier(t, d.grabTime)) {
		return protocol.GrabInvalidTime, nil
	}
	if s.frozenByOther(d, req.Client) {
		return protocol.GrabFrozen, nil
	}

	if grabbed {
		s.releaseHolds(d)
	}
	s.install(d, ActiveGrab{
		Device:      d.ID,
		Client:      req.Client,
		Window:      req.Window,
		ModeSelf:    req.ModeSelf,
		ModePaired:  req.ModePaired,
		OwnerEvents: req.OwnerEvents,
		Mask:        req.Mask,
		Start:       t,
		Confine:     req.Confine,
		Cursor:      req.Cursor,
		Generation:  req.Generation,
	}, nil)
	return protocol.GrabSuccess, nil
}

// Activate turns a matched passive rule into the device's active grab. The
// caller has already checked that the device is ungrabbed.
func (s *Set) Activate(g ActiveGrab, trigger protocol.Event) error {
	d, ok := s.devices[g.Device]
	if !ok {
		return protocol.NewError("ActivateGrab", protocol.BadDevice, uint32(g.Device))
	}
	if _, grabbed := d.Grabbed(); grabbed {
		return protocol.NewError("ActivateGrab", protocol.BadAccess, uint32(g.Device))
	}
	g.Passive = true
	g.Start = trigger.Time
	s.install(d, g, &trigger)
	return nil
}

func (s *Set) install(d *Device, g ActiveGrab, trigger *protocol.Event) {
	st := &Grabbed{ActiveGrab: g}
	if g.ModeSelf == protocol.GrabModeSync {
		st.Freeze = FreezeNext
		if trigger != nil {
			st.trigger = *trigger
			st.withEvent = true
		}
	}
	d.grab = st
	d.grabTime = g.Start
	d.credit = 0

	if p := s.paired(d); p != nil && g.ModePaired == protocol.GrabModeSync && !slices.Contains(p.heldBy, d.ID) {
		p.heldBy = append(p.heldBy, d.ID)
	}
	logger.Debugf("device %d %s", d.ID, st)
}

// releaseHolds drops the freezes d's grab imposes on other devices.
func (s *Set) releaseHolds(d *Device) {
	for _, o := range s.devices {
		o.heldBy = slices.DeleteFunc(o.heldBy, func(h protocol.DeviceID) bool { return h == d.ID })
	}
}

func (s *Set) deactivate(d *Device, now xproto.Timestamp) {
	g, ok := d.Grabbed()
	if !ok {
		return
	}
	s.releaseHolds(d)
	d.grab = Ungrabbed{}
	d.grabTime = now
	d.credit = 0
	logger.Debugf("device %d released by client %d", d.ID, g.Client)
}

// Ungrab releases the grab on id if client owns it under gen and t lies
// between the grab's start and now. Any other call is a silent no-op; the
// result reports whether the grab was released.
func (s *Set) Ungrab(client protocol.ClientID, id protocol.DeviceID, gen protocol.Generation, t, now xproto.Timestamp) bool {
	d, ok := s.devices[id]
	if !ok {
		return false
	}
	g, ok := d.Grabbed()
	if !ok || g.Client != client || g.Generation != gen {
		return false
	}
	t = protocol.Resolve(t, now)
	if protocol.Later(t, now) || protocol.Earlier(t, g.Start) {
		return false
	}
	s.deactivate(d, now)
	return true
}

// Release drops the grab on id whoever owns it and whatever its start time.
// It reports whether there was a grab to drop.
func (s *Set) Release(id protocol.DeviceID, now xproto.Timestamp) bool {
	d, ok := s.devices[id]
	if !ok {
		return false
	}
	if _, grabbed := d.Grabbed(); !grabbed {
		return false
	}
	s.deactivate(d, now)
	return true
}

// ClientGone releases every grab client owns. It returns the devices released.
func (s *Set) ClientGone(client protocol.ClientID, now xproto.Timestamp) []protocol.DeviceID {
	var out []protocol.DeviceID
	for _, d := range s.Devices() {
		if g, ok := d.Grabbed(); ok && g.Client == client {
			s.deactivate(d, now)
			out = append(out, d.ID)
		}
	}
	return out
}

// WindowGone releases grabs on win and clears confinement to it.
func (s *Set) WindowGone(win xproto.Window, now xproto.Timestamp) []protocol.DeviceID {
	var out []protocol.DeviceID
	for _, d := range s.Devices() {
		g, ok := d.Grabbed()
		if !ok {
			continue
		}
		if g.Window == win {
			s.deactivate(d, now)
			out = append(out, d.ID)
			continue
		}
		if g.Confine == win {
			g.Confine = xproto.WindowNone
		}
	}
	return out
}

// ActiveGrabs returns a copy of every live grab by device id.
func (s *Set) ActiveGrabs() []Grabbed {
	var out []Grabbed
	for _, d := range s.Devices() {
		if g, ok := d.Grabbed(); ok {
			out = append(out, *g)
		}
	}
	return out
}
