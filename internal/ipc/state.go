package ipc

import (
	"slices"
	"time"

	"github.com/bnema/xigrab/internal/device"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/registry"
	"github.com/bnema/xigrab/internal/server"
	"github.com/jezek/xgb/xproto"
)

func putState(r record, st *server.State) {
	r.setUint("time", uint64(st.Time))
	r.setUint("serial", st.Serial)
	for _, d := range st.Devices {
		putDeviceState(r.add("devices"), d)
	}
	for _, w := range st.Windows {
		putWindowState(r.add("windows"), w)
	}
	for _, c := range st.Clients {
		sub := r.add("clients")
		sub.setUint("id", uint64(c.ID))
		sub.setString("name", c.Name)
		sub.setString("address", c.Address)
		sub.setInt("connected_at", c.ConnectedAt.UnixNano())
	}
}

func putDeviceState(r record, d server.DeviceState) {
	r.setUint("id", uint64(d.ID))
	r.setString("name", d.Name)
	r.setUint("use", uint64(d.Use))
	r.setUint("caps", uint64(d.Caps))
	r.setBool("enabled", d.Enabled)
	r.setUint("paired", uint64(d.Paired))
	r.setUint("attached", uint64(d.Attached))
	r.setBool("grabbed", d.Grabbed)
	r.setUint("grab_client", uint64(d.GrabClient))
	r.setUint("grab_window", uint64(d.GrabWindow))
	r.setBool("grab_passive", d.GrabPassive)
	r.setUint("freeze", uint64(d.Freeze))
	r.setBool("frozen", d.Frozen)
	r.setUint("queued", uint64(d.Queued))
}

func putWindowState(r record, w server.WindowState) {
	r.setUint("id", uint64(w.ID))
	r.setUint("parent", uint64(w.Parent))
	r.setBool("viewable", w.Viewable)
	for _, s := range w.Subscriptions {
		sub := r.add("subscriptions")
		sub.setUint("client", uint64(s.Client))
		sub.setUint("device", uint64(s.Device))
		sub.setUint("generation", uint64(s.Generation))
		sub.setBytes("mask", s.Mask[:])
	}
	for _, dev := range sortedKeys(w.DontPropagate) {
		m := w.DontPropagate[dev]
		sub := r.add("dont_propagate")
		sub.setUint("device", uint64(dev))
		sub.setBytes("mask", m[:])
	}
	for _, g := range w.PassiveGrabs {
		putPassiveGrab(r.add("passive_grabs"), g)
	}
}

func putPassiveGrab(r record, g *passive.Grab) {
	r.setUint("client", uint64(g.Client))
	r.setUint("generation", uint64(g.Generation))
	r.setUint("device", uint64(g.Device))
	r.setUint("modifier_device", uint64(g.ModifierDevice))
	r.setUint("type", uint64(g.Type))
	r.setUint("detail", uint64(g.Detail))
	r.setUint("modifiers", uint64(g.Modifiers))
	r.setUint("mode", uint64(g.ModeSelf))
	r.setUint("paired_mode", uint64(g.ModePaired))
	r.setBool("owner_events", g.OwnerEvents)
	r.setBytes("mask", g.Mask[:])
	r.setUint("confine", uint64(g.Confine))
	r.setUint("cursor", uint64(g.Cursor))
}

func getState(r record) *server.State {
	st := &server.State{
		Time:   xproto.Timestamp(r.uint("time")),
		Serial: r.uint("serial"),
	}
	for _, sub := range r.list("devices") {
		st.Devices = append(st.Devices, getDeviceState(sub))
	}
	for _, sub := range r.list("windows") {
		st.Windows = append(st.Windows, getWindowState(sub))
	}
	for _, sub := range r.list("clients") {
		st.Clients = append(st.Clients, server.ConnectedClient{
			ID:          protocol.ClientID(sub.uint("id")),
			Name:        sub.string("name"),
			Address:     sub.string("address"),
			ConnectedAt: time.Unix(0, sub.int("connected_at")),
		})
	}
	return st
}

func getDeviceState(r record) server.DeviceState {
	return server.DeviceState{
		ID:          protocol.DeviceID(r.uint("id")),
		Name:        r.string("name"),
		Use:         device.Use(r.uint("use")),
		Caps:        device.Caps(r.uint("caps")),
		Enabled:     r.bool("enabled"),
		Paired:      protocol.DeviceID(r.uint("paired")),
		Attached:    protocol.DeviceID(r.uint("attached")),
		Grabbed:     r.bool("grabbed"),
		GrabClient:  protocol.ClientID(r.uint("grab_client")),
		GrabWindow:  xproto.Window(r.uint("grab_window")),
		GrabPassive: r.bool("grab_passive"),
		Freeze:      device.FreezeState(r.uint("freeze")),
		Frozen:      r.bool("frozen"),
		Queued:      int(r.uint("queued")),
	}
}

func getWindowState(r record) server.WindowState {
	w := server.WindowState{
		ID:       xproto.Window(r.uint("id")),
		Parent:   xproto.Window(r.uint("parent")),
		Viewable: r.bool("viewable"),
	}
	for _, sub := range r.list("subscriptions") {
		s := registry.Subscription{
			Client:     protocol.ClientID(sub.uint("client")),
			Device:     protocol.DeviceID(sub.uint("device")),
			Generation: protocol.Generation(sub.uint("generation")),
		}
		copy(s.Mask[:], sub.bytes("mask"))
		w.Subscriptions = append(w.Subscriptions, s)
	}
	for _, sub := range r.list("dont_propagate") {
		var m mask.EventMask
		copy(m[:], sub.bytes("mask"))
		if w.DontPropagate == nil {
			w.DontPropagate = make(map[protocol.DeviceID]mask.EventMask)
		}
		w.DontPropagate[protocol.DeviceID(sub.uint("device"))] = m
	}
	for _, sub := range r.list("passive_grabs") {
		g := getPassiveGrab(sub)
		g.Window = w.ID
		w.PassiveGrabs = append(w.PassiveGrabs, g)
	}
	return w
}

func getPassiveGrab(r record) *passive.Grab {
	g := &passive.Grab{
		Client:         protocol.ClientID(r.uint("client")),
		Generation:     protocol.Generation(r.uint("generation")),
		Device:         protocol.DeviceID(r.uint("device")),
		ModifierDevice: protocol.DeviceID(r.uint("modifier_device")),
		Type:           protocol.EventType(r.uint("type")),
		Detail:         protocol.Detail(r.uint("detail")),
		Modifiers:      protocol.Modifiers(r.uint("modifiers")),
		ModeSelf:       protocol.GrabMode(r.uint("mode")),
		ModePaired:     protocol.GrabMode(r.uint("paired_mode")),
		OwnerEvents:    r.bool("owner_events"),
		Confine:        xproto.Window(r.uint("confine")),
		Cursor:         xproto.Cursor(r.uint("cursor")),
	}
	copy(g.Mask[:], r.bytes("mask"))
	return g
}

func sortedKeys(m map[protocol.DeviceID]mask.EventMask) []protocol.DeviceID {
	keys := make([]protocol.DeviceID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
