// Package server ties the window tree, device table, selection registry,
// passive grab table and router into one request-processing core, and keeps
// track of the clients talking to it.
package server

import (
	"slices"

	"github.com/bnema/xigrab/internal/device"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/registry"
	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/window"
	"github.com/jezek/xgb/xproto"
)

// ServerClient is the client number of the server itself. It may create
// windows with any id.
const ServerClient protocol.ClientID = 0

// Core processes extension requests and device events for one screen. It is
// not safe for concurrent use: every call must come from the same goroutine.
type Core struct {
	clock    Clock
	windows  *window.Tree
	devices  *device.Set
	registry *registry.Registry
	passive  *passive.Table
	router   *router.Router
	clients  *ClientManager
	serial   uint64
}

type topology struct {
	windows *window.Tree
	devices *device.Set
}

func (t topology) IsRoot(w xproto.Window) bool       { return t.windows.IsRoot(w) }
func (t topology) IsMaster(d protocol.DeviceID) bool { return t.devices.IsMaster(d) }

// NewCore creates a core with an empty device table and a window tree holding
// only root. Deliveries go to out.
func NewCore(root xproto.Window, clock Clock, clients *ClientManager, out router.Deliverer) *Core {
	c := &Core{
		clock:   clock,
		windows: window.NewTree(root),
		devices: device.NewSet(),
		clients: clients,
	}
	c.registry = registry.New(topology{windows: c.windows, devices: c.devices})
	c.passive = passive.NewTable(c.devices)
	c.router = router.New(c.windows, c.devices, c.registry, c.passive, out)
	return c
}

// Now returns the server time.
func (c *Core) Now() xproto.Timestamp {
	return c.clock.Now()
}

// Clients returns the client manager.
func (c *Core) Clients() *ClientManager {
	return c.clients
}

// Root returns the root window.
func (c *Core) Root() xproto.Window {
	return c.windows.Root()
}

// AddDevice registers d. A master naming an existing partner is paired with it
// both ways.
func (c *Core) AddDevice(d *device.Device) error {
	if err := c.devices.Add(d); err != nil {
		return err
	}
	if p := c.devices.Get(d.Paired); p != nil && p.Paired == 0 {
		p.Paired = d.ID
	}
	if d.Paired == 0 {
		for _, o := range c.devices.Devices() {
			if o.Paired == d.ID && o.ID != d.ID {
				d.Paired = o.ID
				break
			}
		}
	}
	return nil
}

// RemoveDevice unplugs a device and forgets everything keyed on it.
func (c *Core) RemoveDevice(id protocol.DeviceID) error {
	if err := c.devices.Remove(id, c.Now()); err != nil {
		return err
	}
	c.registry.DeviceGone(id)
	n := c.passive.DeviceGone(id)
	logger.Debugf("device %d gone, dropped %d passive grabs", id, n)
	c.router.Pump()
	return nil
}

// SetDeviceEnabled enables or disables a device. Disabled devices cannot be
// grabbed and produce no events.
func (c *Core) SetDeviceEnabled(id protocol.DeviceID, enabled bool) error {
	d, err := c.devices.Lookup(id, device.ReadAccess)
	if err != nil {
		return err
	}
	d.Enabled = enabled
	return nil
}

// CreateWindow creates id under parent. Clients may only use ids from their
// own resource range.
func (c *Core) CreateWindow(client protocol.ClientID, id, parent xproto.Window, mapped bool) error {
	if client != ServerClient && protocol.ClientID(uint32(id)>>ClientIDShift) != client {
		return protocol.NewError("CreateWindow", protocol.BadIDChoice, uint32(id))
	}
	return c.windows.Create(id, parent, mapped)
}

// MapWindow maps or unmaps a window.
func (c *Core) MapWindow(id xproto.Window, mapped bool) error {
	return c.windows.SetMapped(id, mapped)
}

// DestroyWindow destroys id and its subtree. Every selection, suppression
// mask, passive grab and active grab tied to a destroyed window goes with it,
// and events the released grabs were holding are routed.
func (c *Core) DestroyWindow(id xproto.Window) error {
	gone, err := c.windows.Destroy(id)
	if err != nil {
		return err
	}
	now := c.Now()
	for _, w := range gone {
		c.registry.WindowGone(w)
		c.passive.WindowGone(w)
		for _, dev := range c.devices.WindowGone(w, now) {
			logger.Debugf("grab on device %d released with window 0x%x", dev, uint32(w))
		}
	}
	c.router.Pump()
	return nil
}

// WireMask is one per-device mask as an extended request carries it. Len is
// the declared length in 4-byte units.
type WireMask struct {
	Device protocol.DeviceID
	Len    int
	Bytes  []byte
}

func (c *Core) checkSelector(op string, dev protocol.DeviceID) error {
	if dev.IsSelector() || c.devices.Exists(dev) {
		return nil
	}
	return protocol.NewError(op, protocol.BadDevice, uint32(dev))
}

// SelectEvents replaces client's extended selections on win for each listed
// device. The request is applied whole or not at all.
func (c *Core) SelectEvents(client protocol.ClientID, win xproto.Window, masks []WireMask) error {
	if _, err := c.windows.Lookup(win); err != nil {
		return err
	}
	sels := make([]registry.Selection, 0, len(masks))
	for _, wm := range masks {
		if err := c.checkSelector("SelectEvents", wm.Device); err != nil {
			return err
		}
		m, err := mask.FromWire(wm.Bytes, wm.Len)
		if err != nil {
			return err
		}
		sels = append(sels, registry.Selection{Device: wm.Device, Mask: m})
	}
	return c.registry.SelectMany(win, client, protocol.Extended, sels)
}

// GetSelectedEvents returns client's extended selections on win and the union
// of every client's.
func (c *Core) GetSelectedEvents(client protocol.ClientID, win xproto.Window) (map[protocol.DeviceID]mask.EventMask, mask.EventMask, error) {
	if _, err := c.windows.Lookup(win); err != nil {
		return nil, mask.EventMask{}, err
	}
	mine, all := c.registry.GetSelectedEvents(win, client, protocol.Extended)
	return mine, all, nil
}

// SelectExtensionEvent sets client's legacy selections on win from a class
// list. Devices the list does not name keep their selections.
func (c *Core) SelectExtensionEvent(client protocol.ClientID, win xproto.Window, classes []mask.Class) error {
	if _, err := c.windows.Lookup(win); err != nil {
		return err
	}
	masks, err := mask.DecodeClassList(classes, len(classes), c.devices)
	if err != nil {
		return err
	}
	sels := make([]registry.Selection, 0, len(masks))
	for _, dev := range sortedDevices(masks) {
		sels = append(sels, registry.Selection{Device: dev, Mask: masks[dev]})
	}
	return c.registry.SelectMany(win, client, protocol.Legacy, sels)
}

// GetSelectedExtensionEvents returns client's legacy classes on win and the
// classes every client selected there.
func (c *Core) GetSelectedExtensionEvents(client protocol.ClientID, win xproto.Window) (mine, all []mask.Class, err error) {
	if _, err := c.windows.Lookup(win); err != nil {
		return nil, nil, err
	}
	m, _ := c.registry.GetSelectedEvents(win, client, protocol.Legacy)
	return mask.EncodeClassMap(m), mask.EncodeClassMap(c.registry.AllSelected(win, protocol.Legacy)), nil
}

// ChangeDeviceDontPropagateList adds classes to, or removes them from, win's
// suppression masks.
func (c *Core) ChangeDeviceDontPropagateList(win xproto.Window, classes []mask.Class, mode protocol.ModeFlag) error {
	const op = "ChangeDeviceDontPropagateList"
	if mode != protocol.AddToList && mode != protocol.DeleteFromList {
		return protocol.NewError(op, protocol.BadMode, uint32(mode))
	}
	if _, err := c.windows.Lookup(win); err != nil {
		return err
	}
	masks, err := mask.DecodeClassList(classes, len(classes), c.devices)
	if err != nil {
		return err
	}
	for _, dev := range sortedDevices(masks) {
		if err := c.registry.SetDontPropagateMask(win, dev, masks[dev], mode); err != nil {
			return err
		}
	}
	return nil
}

// GetDeviceDontPropagateList returns win's suppression masks as classes.
func (c *Core) GetDeviceDontPropagateList(win xproto.Window) ([]mask.Class, error) {
	if _, err := c.windows.Lookup(win); err != nil {
		return nil, err
	}
	return mask.EncodeClassMap(c.registry.DontPropagateMasks(win)), nil
}

// GrabRequest is an explicit device grab of either generation. Extended grabs
// carry a wire mask, legacy grabs a class list naming only the grabbed device.
type GrabRequest struct {
	Generation  protocol.Generation
	Device      protocol.DeviceID
	Window      xproto.Window
	ModeSelf    protocol.GrabMode
	ModePaired  protocol.GrabMode
	OwnerEvents bool
	Time        xproto.Timestamp
	Confine     xproto.Window
	Cursor      xproto.Cursor

	Mask    []byte
	MaskLen int
	Classes []mask.Class
}

func (c *Core) decodeGrabMask(gen protocol.Generation, dev protocol.DeviceID, wire []byte, wireLen int, classes []mask.Class) (mask.EventMask, error) {
	switch gen {
	case protocol.Extended:
		return mask.FromWire(wire, wireLen)
	case protocol.Legacy:
		masks, err := mask.DecodeClassList(classes, len(classes), c.devices, mask.ConstrainTo(dev))
		if err != nil {
			return mask.EventMask{}, err
		}
		return masks[dev], nil
	}
	return mask.EventMask{}, protocol.NewError("GrabMask", protocol.BadImplementation, uint32(gen))
}

// viewable reports whether the grab window, and the confine window if any,
// are viewable. Both must exist.
func (c *Core) viewable(win, confine xproto.Window) (bool, error) {
	if _, err := c.windows.Lookup(win); err != nil {
		return false, err
	}
	if confine != xproto.WindowNone {
		if _, err := c.windows.Lookup(confine); err != nil {
			return false, err
		}
		if !c.windows.Viewable(confine) {
			return false, nil
		}
	}
	return c.windows.Viewable(win), nil
}

// GrabDevice makes an explicit grab on behalf of client. Refusals that are not
// errors come back as the status.
func (c *Core) GrabDevice(client protocol.ClientID, req GrabRequest) (protocol.GrabStatus, error) {
	ok, err := c.viewable(req.Window, req.Confine)
	if err != nil {
		return 0, err
	}
	m, err := c.decodeGrabMask(req.Generation, req.Device, req.Mask, req.MaskLen, req.Classes)
	if err != nil {
		return 0, err
	}
	status, err := c.devices.GrabDevice(device.GrabRequest{
		Client:      client,
		Device:      req.Device,
		Window:      req.Window,
		Viewable:    ok,
		ModeSelf:    req.ModeSelf,
		ModePaired:  req.ModePaired,
		OwnerEvents: req.OwnerEvents,
		Mask:        m,
		Time:        req.Time,
		Confine:     req.Confine,
		Cursor:      req.Cursor,
		Generation:  req.Generation,
	}, c.Now())
	if err != nil {
		return 0, err
	}
	logger.Debugf("client %d grab of device %d on 0x%x: %s", client, req.Device, uint32(req.Window), status)
	c.router.Pump()
	return status, nil
}

// UngrabDevice releases client's grab of dev made under gen. Stale or foreign
// ungrabs are ignored.
func (c *Core) UngrabDevice(client protocol.ClientID, dev protocol.DeviceID, gen protocol.Generation, t xproto.Timestamp) error {
	if _, err := c.devices.Lookup(dev, device.ReadAccess); err != nil {
		return err
	}
	if c.devices.Ungrab(client, dev, gen, t, c.Now()) {
		c.router.Pump()
	}
	return nil
}

// AllowEvents releases events held by client's frozen grab of dev.
func (c *Core) AllowEvents(client protocol.ClientID, dev protocol.DeviceID, mode protocol.AllowMode, t xproto.Timestamp) error {
	rep, err := c.devices.AllowEvents(client, dev, mode, t, c.Now())
	if err != nil {
		return err
	}
	if rep != nil {
		c.router.Replay(rep)
		return nil
	}
	c.router.Pump()
	return nil
}

// PassiveGrabRequest installs a passive grab of either generation.
type PassiveGrabRequest struct {
	Generation     protocol.Generation
	Device         protocol.DeviceID
	ModifierDevice protocol.DeviceID
	Window         xproto.Window
	Type           protocol.EventType
	Detail         protocol.Detail
	Modifiers      protocol.Modifiers
	ModeSelf       protocol.GrabMode
	ModePaired     protocol.GrabMode
	OwnerEvents    bool
	Confine        xproto.Window
	Cursor         xproto.Cursor

	Mask    []byte
	MaskLen int
	Classes []mask.Class
}

func triggerCaps(t protocol.EventType) device.Caps {
	switch t {
	case protocol.KeyPress, protocol.FocusIn:
		return device.CapKeyboard
	case protocol.ButtonPress, protocol.Enter, protocol.GesturePinchBegin, protocol.GestureSwipeBegin:
		return device.CapPointer
	case protocol.TouchBegin:
		return device.CapTouch
	}
	return 0
}

// PassiveGrab installs a passive grab for client. A concrete device must be
// able to produce the trigger type.
func (c *Core) PassiveGrab(client protocol.ClientID, req PassiveGrabRequest) error {
	const op = "PassiveGrab"
	if _, err := c.windows.Lookup(req.Window); err != nil {
		return err
	}
	if req.Confine != xproto.WindowNone {
		if _, err := c.windows.Lookup(req.Confine); err != nil {
			return err
		}
	}
	if !req.Device.IsSelector() {
		d, err := c.devices.Lookup(req.Device, device.GrabAccess)
		if err != nil {
			return err
		}
		if err := device.RequireCaps(d, triggerCaps(req.Type)); err != nil {
			return err
		}
	} else if req.Generation == protocol.Legacy {
		return protocol.NewError(op, protocol.BadDevice, uint32(req.Device))
	}
	if req.Generation == protocol.Legacy && req.ModifierDevice != 0 {
		md, err := c.devices.Lookup(req.ModifierDevice, device.ReadAccess)
		if err != nil {
			return err
		}
		if err := device.RequireCaps(md, device.CapKeyboard); err != nil {
			return err
		}
	}

	m, err := c.decodeGrabMask(req.Generation, req.Device, req.Mask, req.MaskLen, req.Classes)
	if err != nil {
		return err
	}
	return c.passive.AddPassiveGrab(&passive.Grab{
		Client:         client,
		Window:         req.Window,
		Generation:     req.Generation,
		Device:         req.Device,
		ModifierDevice: req.ModifierDevice,
		Type:           req.Type,
		Detail:         req.Detail,
		Modifiers:      req.Modifiers,
		ModeSelf:       req.ModeSelf,
		ModePaired:     req.ModePaired,
		OwnerEvents:    req.OwnerEvents,
		Mask:           m,
		Confine:        req.Confine,
		Cursor:         req.Cursor,
	})
}

// PassiveUngrab releases client's passive grabs on win matching crit.
func (c *Core) PassiveUngrab(client protocol.ClientID, win xproto.Window, crit passive.Criteria) (int, error) {
	if _, err := c.windows.Lookup(win); err != nil {
		return 0, err
	}
	if err := c.checkSelector("PassiveUngrab", crit.Device); err != nil {
		return 0, err
	}
	if !crit.Type.IsPassiveTrigger() {
		return 0, protocol.NewError("PassiveUngrab", protocol.BadValue, uint32(crit.Type))
	}
	return c.passive.RemovePassiveGrab(win, client, crit), nil
}

// InjectEvent feeds one hardware event into the core. The serial is assigned
// here, and a zero time or window is filled in with now or the root. Times
// after now fail BadValue. It returns the event as stamped.
func (c *Core) InjectEvent(ev protocol.Event) (protocol.Event, error) {
	const op = "InjectEvent"
	if !ev.Type.Valid() {
		return ev, protocol.NewError(op, protocol.BadValue, uint32(ev.Type))
	}
	if _, err := c.devices.Lookup(ev.Device, device.UseAccess); err != nil {
		return ev, err
	}
	if ev.Window == xproto.WindowNone || ev.Type.IsRaw() {
		ev.Window = c.windows.Root()
	}
	if _, err := c.windows.Lookup(ev.Window); err != nil {
		return ev, err
	}
	if ev.Source == 0 {
		ev.Source = ev.Device
	}
	now := c.Now()
	if ev.Time == protocol.CurrentTime {
		ev.Time = now
	} else if protocol.Later(ev.Time, now) {
		return ev, protocol.NewError(op, protocol.BadValue, uint32(ev.Time))
	}
	c.serial++
	ev.Serial = c.serial

	c.router.ProcessEvent(ev)
	return ev, nil
}

// ClientGone releases everything client owned and routes events its grabs
// were holding.
func (c *Core) ClientGone(client protocol.ClientID) {
	sels := c.registry.ClientGone(client)
	grabs := c.passive.ClientGone(client)
	released := c.devices.ClientGone(client, c.Now())
	logger.Debugf("client %d gone: %d selections, %d passive grabs, %d active grabs released",
		client, sels, grabs, len(released))
	if c.clients != nil {
		c.clients.UnregisterClient(client)
	}
	c.router.Pump()
}

// BreakGrabs forcibly releases every active grab, skipping the ownership and
// timestamp checks an UngrabDevice request goes through.
func (c *Core) BreakGrabs() int {
	now := c.Now()
	n := 0
	for _, g := range c.devices.ActiveGrabs() {
		if c.devices.Release(g.Device, now) {
			n++
		}
	}
	if n > 0 {
		logger.Warnf("broke %d active grabs", n)
		c.router.Pump()
	}
	return n
}

func sortedDevices(masks map[protocol.DeviceID]mask.EventMask) []protocol.DeviceID {
	out := make([]protocol.DeviceID, 0, len(masks))
	for d := range masks {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}
