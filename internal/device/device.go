// Package device tracks input devices, the single active grab each may carry,
// and the freeze queues that hold back events while a grab is synchronous.
package device

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
)

// Use is a device's place in the master/slave hierarchy.
type Use uint8

const (
	MasterPointer Use = iota + 1
	MasterKeyboard
	SlavePointer
	SlaveKeyboard
	FloatingSlave
)

func (u Use) String() string {
	switch u {
	case MasterPointer:
		return "master-pointer"
	case MasterKeyboard:
		return "master-keyboard"
	case SlavePointer:
		return "slave-pointer"
	case SlaveKeyboard:
		return "slave-keyboard"
	case FloatingSlave:
		return "floating"
	}
	return fmt.Sprintf("Use(%d)", uint8(u))
}

// ParseUse resolves a name printed by Use.String.
func ParseUse(s string) (Use, bool) {
	for u := MasterPointer; u <= FloatingSlave; u++ {
		if u.String() == s {
			return u, true
		}
	}
	return 0, false
}

// IsMaster reports whether u is a master device.
func (u Use) IsMaster() bool {
	return u == MasterPointer || u == MasterKeyboard
}

// Caps are the input classes a device reports.
type Caps uint8

const (
	CapPointer Caps = 1 << iota
	CapKeyboard
	CapValuator
	CapTouch
)

var capNames = []struct {
	c    Caps
	name string
}{
	{CapPointer, "pointer"},
	{CapKeyboard, "keyboard"},
	{CapValuator, "valuator"},
	{CapTouch, "touch"},
}

func (c Caps) String() string {
	var parts []string
	for _, n := range capNames {
		if c&n.c != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseCaps resolves capability names such as "pointer" or "keyboard".
func ParseCaps(names []string) (Caps, error) {
	var c Caps
outer:
	for _, name := range names {
		for _, n := range capNames {
			if n.name == name {
				c |= n.c
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown device capability %q", name)
	}
	return c, nil
}

// Access is the kind of use a request intends to make of a device.
type Access uint8

const (
	ReadAccess Access = iota
	GrabAccess
	UseAccess
)

// Device is one input device and its grab state.
type Device struct {
	ID      protocol.DeviceID
	Name    string
	Use     Use
	Caps    Caps
	Enabled bool

	// Paired links a master pointer and its master keyboard.
	Paired protocol.DeviceID
	// Attached is the master a slave device feeds.
	Attached protocol.DeviceID

	grab     GrabState
	grabTime xproto.Timestamp

	// devices whose grab holds this one frozen
	heldBy []protocol.DeviceID

	queue  []protocol.Event
	credit int
}

// Grab returns the device's grab state.
func (d *Device) Grab() GrabState {
	if d.grab == nil {
		return Ungrabbed{}
	}
	return d.grab
}

// Grabbed returns the active grab, if any.
func (d *Device) Grabbed() (*Grabbed, bool) {
	g, ok := d.grab.(*Grabbed)
	return g, ok
}

// Queued returns the number of events held back by a freeze.
func (d *Device) Queued() int {
	return len(d.queue)
}

// Set is the table of live devices.
type Set struct {
	devices map[protocol.DeviceID]*Device
	order   []protocol.DeviceID
}

// NewSet creates an empty device table.
func NewSet() *Set {
	return &Set{devices: make(map[protocol.DeviceID]*Device)}
}

// Add registers d. Ids 0 and 1 are the device selectors and cannot be used.
func (s *Set) Add(d *Device) error {
	if d.ID.IsSelector() {
		return protocol.NewError("AddDevice", protocol.BadDevice, uint32(d.ID))
	}
	if _, ok := s.devices[d.ID]; ok {
		return protocol.NewError("AddDevice", protocol.BadAccess, uint32(d.ID))
	}
	d.grab = Ungrabbed{}
	s.devices[d.ID] = d
	s.order = append(s.order, d.ID)
	slices.Sort(s.order)
	logger.Debugf("device added: %d %q %s caps=%s", d.ID, d.Name, d.Use, d.Caps)
	return nil
}

// Remove drops a device, releasing its grab and any events it was holding.
func (s *Set) Remove(id protocol.DeviceID, now xproto.Timestamp) error {
	d, ok := s.devices[id]
	if !ok {
		return protocol.NewError("RemoveDevice", protocol.BadDevice, uint32(id))
	}
	s.deactivate(d, now)
	for _, o := range s.devices {
		if o.Paired == id {
			o.Paired = 0
		}
		if o.Attached == id {
			o.Attached = 0
			o.Use = FloatingSlave
		}
		o.heldBy = slices.DeleteFunc(o.heldBy, func(h protocol.DeviceID) bool { return h == id })
	}
	delete(s.devices, id)
	s.order = slices.DeleteFunc(s.order, func(x protocol.DeviceID) bool { return x == id })
	logger.Debugf("device removed: %d, dropped %d queued events", id, len(d.queue))
	return nil
}

// Lookup resolves id for a request that needs the given access.
func (s *Set) Lookup(id protocol.DeviceID, access Access) (*Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return nil, protocol.NewError("DeviceLookup", protocol.BadDevice, uint32(id))
	}
	if access != ReadAccess && !d.Enabled {
		return nil, protocol.NewError("DeviceLookup", protocol.BadAccess, uint32(id))
	}
	return d, nil
}

// RequireCaps fails BadMatch unless d reports every class in want.
func RequireCaps(d *Device, want Caps) error {
	if d.Caps&want != want {
		return protocol.NewError("DeviceLookup", protocol.BadMatch, uint32(d.ID))
	}
	return nil
}

// Get returns the device with id, or nil.
func (s *Set) Get(id protocol.DeviceID) *Device {
	return s.devices[id]
}

// Exists reports whether id names a live device.
func (s *Set) Exists(id protocol.DeviceID) bool {
	_, ok := s.devices[id]
	return ok
}

// IsMaster reports whether id names a live master device.
func (s *Set) IsMaster(id protocol.DeviceID) bool {
	d, ok := s.devices[id]
	return ok && d.Use.IsMaster()
}

// Devices lists every device by ascending id.
func (s *Set) Devices() []*Device {
	out := make([]*Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id])
	}
	return out
}

func (s *Set) paired(d *Device) *Device {
	if d.Paired == 0 {
		return nil
	}
	return s.devices[d.Paired]
}
