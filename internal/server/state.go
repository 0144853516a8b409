package server

import (
	"github.com/bnema/xigrab/internal/device"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/registry"
	"github.com/jezek/xgb/xproto"
)

// DeviceState describes one device for status displays.
type DeviceState struct {
	ID       protocol.DeviceID
	Name     string
	Use      device.Use
	Caps     device.Caps
	Enabled  bool
	Paired   protocol.DeviceID
	Attached protocol.DeviceID

	Grabbed     bool
	GrabClient  protocol.ClientID
	GrabWindow  xproto.Window
	GrabPassive bool
	Freeze      device.FreezeState
	Frozen      bool
	Queued      int
}

// WindowState describes the input state attached to one window.
type WindowState struct {
	ID            xproto.Window
	Parent        xproto.Window
	Viewable      bool
	Subscriptions []registry.Subscription
	DontPropagate map[protocol.DeviceID]mask.EventMask
	PassiveGrabs  []*passive.Grab
}

// State is a point-in-time dump of the core.
type State struct {
	Time    xproto.Timestamp
	Serial  uint64
	Devices []DeviceState
	Windows []WindowState
	Clients []ConnectedClient
}

// Snapshot dumps the core. Windows with nothing attached are left out.
func (c *Core) Snapshot() State {
	st := State{Time: c.Now(), Serial: c.serial}

	for _, d := range c.devices.Devices() {
		ds := DeviceState{
			ID:       d.ID,
			Name:     d.Name,
			Use:      d.Use,
			Caps:     d.Caps,
			Enabled:  d.Enabled,
			Paired:   d.Paired,
			Attached: d.Attached,
			Frozen:   c.devices.Frozen(d),
			Queued:   d.Queued(),
		}
		if g, ok := d.Grabbed(); ok {
			ds.Grabbed = true
			ds.GrabClient = g.Client
			ds.GrabWindow = g.Window
			ds.GrabPassive = g.Passive
			ds.Freeze = g.Freeze
		}
		st.Devices = append(st.Devices, ds)
	}

	for _, w := range c.windows.Windows() {
		ws := WindowState{
			ID:            w.ID,
			Parent:        w.Parent,
			Viewable:      c.windows.Viewable(w.ID),
			Subscriptions: c.registry.Subscriptions(w.ID),
			DontPropagate: c.registry.DontPropagateMasks(w.ID),
			PassiveGrabs:  c.passive.Grabs(w.ID),
		}
		if len(ws.Subscriptions) == 0 && len(ws.DontPropagate) == 0 && len(ws.PassiveGrabs) == 0 {
			continue
		}
		st.Windows = append(st.Windows, ws)
	}

	if c.clients != nil {
		for _, cl := range c.clients.GetConnectedClients() {
			st.Clients = append(st.Clients, *cl)
		}
	}
	return st
}
