package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/bnema/xigrab/internal/device"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/registry"
	"github.com/bnema/xigrab/internal/server"
)

func testState() *server.State {
	return &server.State{
		Time:   1200,
		Serial: 7,
		Devices: []server.DeviceState{
			{ID: 2, Name: "Virtual core pointer", Use: device.MasterPointer, Enabled: true, Paired: 3,
				Grabbed: true, GrabClient: 1, GrabWindow: 0x200001, Freeze: device.FreezeNext, Frozen: true, Queued: 2},
			{ID: 3, Name: "Virtual core keyboard", Use: device.MasterKeyboard, Enabled: true, Paired: 2},
		},
		Windows: []server.WindowState{
			{
				ID:       0x200001,
				Parent:   0x100,
				Viewable: true,
				Subscriptions: []registry.Subscription{
					{Client: 1, Device: 2, Generation: protocol.Extended, Mask: mask.Of(protocol.ButtonPress)},
				},
				DontPropagate: map[protocol.DeviceID]mask.EventMask{3: mask.Of(protocol.KeyPress)},
			},
		},
		Clients: []server.ConnectedClient{
			{ID: 2, Name: "second", ConnectedAt: time.Now()},
			{ID: 1, Name: "first", ConnectedAt: time.Now()},
		},
	}
}

func TestRenderState(t *testing.T) {
	out := RenderState(testState(), 80)

	for _, s := range []string{
		"serial 7",
		"Virtual core pointer",
		"master-keyboard",
		"frozen",
		"FreezeNext",
		"client 1 on 0x200001",
		"first",
		"0x200001 (parent 0x100)",
		"client 1 selects",
		"dont-propagate",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("RenderState output missing %q\n%s", s, out)
		}
	}
}

type allMasters struct{}

func (allMasters) IsMaster(protocol.DeviceID) bool { return true }

func TestWindowPanelShowsGrabExceptions(t *testing.T) {
	tbl := passive.NewTable(allMasters{})
	grab := &passive.Grab{
		Client:     1,
		Window:     0x200001,
		Generation: protocol.Extended,
		Device:     2,
		Type:       protocol.ButtonPress,
		Detail:     protocol.AnyDetail,
		Modifiers:  protocol.ExtendedAnyModifier,
		ModeSelf:   protocol.GrabModeAsync,
		ModePaired: protocol.GrabModeAsync,
	}
	if err := tbl.AddPassiveGrab(grab); err != nil {
		t.Fatalf("AddPassiveGrab: %v", err)
	}
	tbl.RemovePassiveGrab(0x200001, 1, passive.Criteria{
		Generation: protocol.Extended,
		Device:     2,
		Type:       protocol.ButtonPress,
		Detail:     3,
		Modifiers:  protocol.ExtendedAnyModifier,
	})

	view := windowPanel(server.WindowState{ID: 0x200001, Viewable: true, PassiveGrabs: tbl.Grabs(0x200001)}, 0).View()
	if !strings.Contains(view, "except details [3]") {
		t.Errorf("panel should list the carved detail\n%s", view)
	}
}

func TestRenderStateEmpty(t *testing.T) {
	out := RenderState(&server.State{}, 80)
	if !strings.Contains(out, "no clients connected") {
		t.Errorf("expected empty client notice, got\n%s", out)
	}
	if strings.Contains(out, "Windows") {
		t.Errorf("window section should be left out when no window has state\n%s", out)
	}
}

func TestClientTableSorted(t *testing.T) {
	st := testState()
	view := ClientTable(st.Clients, time.Now()).View()

	first, second := strings.Index(view, "first"), strings.Index(view, "second")
	if first < 0 || second < 0 || first > second {
		t.Errorf("clients should be listed by id\n%s", view)
	}
	if !strings.Contains(view, "0x200000") {
		t.Errorf("client 1 resource base missing\n%s", view)
	}
	// The caller's slice keeps its order.
	if st.Clients[0].ID != 2 {
		t.Error("ClientTable reordered its input")
	}
}

func TestDeviceTableDisabled(t *testing.T) {
	view := DeviceTable([]server.DeviceState{
		{ID: 4, Name: "stylus", Use: device.FloatingSlave},
	}).View()

	if !strings.Contains(view, "stylus (disabled)") {
		t.Errorf("disabled device not marked\n%s", view)
	}
	if !strings.Contains(view, "idle") {
		t.Errorf("ungrabbed device should show idle\n%s", view)
	}
}
