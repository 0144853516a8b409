package device

import (
	"testing"

	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/jezek/xgb/xproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const win xproto.Window = 0x500

func newSet(t *testing.T) *Set {
	t.Helper()
	s := NewSet()
	require.NoError(t, s.Add(&Device{ID: 2, Name: "Virtual core pointer", Use: MasterPointer, Caps: CapPointer, Enabled: true, Paired: 3}))
	require.NoError(t, s.Add(&Device{ID: 3, Name: "Virtual core keyboard", Use: MasterKeyboard, Caps: CapKeyboard, Enabled: true, Paired: 2}))
	require.NoError(t, s.Add(&Device{ID: 6, Name: "touchpad", Use: SlavePointer, Caps: CapPointer | CapTouch, Enabled: true, Attached: 2}))
	require.NoError(t, s.Add(&Device{ID: 9, Name: "disabled", Use: FloatingSlave, Caps: CapKeyboard}))
	return s
}

func grabReq(client protocol.ClientID, dev protocol.DeviceID, self, paired protocol.GrabMode) GrabRequest {
	return GrabRequest{
		Client:     client,
		Device:     dev,
		Window:     win,
		Viewable:   true,
		ModeSelf:   self,
		ModePaired: paired,
		Mask:       mask.Of(protocol.ButtonPress, protocol.Motion),
		Time:       protocol.CurrentTime,
		Generation: protocol.Extended,
	}
}

func event(serial uint64, dev protocol.DeviceID, at xproto.Timestamp) protocol.Event {
	return protocol.Event{Serial: serial, Type: protocol.Motion, Device: dev, Source: dev, Window: win, Time: at}
}

func grabCount(s *Set, dev protocol.DeviceID) int {
	if _, ok := s.Get(dev).Grabbed(); ok {
		return 1
	}
	return 0
}

func TestLookup(t *testing.T) {
	s := newSet(t)

	_, err := s.Lookup(42, ReadAccess)
	assert.True(t, protocol.IsCode(err, protocol.BadDevice))

	_, err = s.Lookup(9, ReadAccess)
	assert.NoError(t, err)
	_, err = s.Lookup(9, GrabAccess)
	assert.True(t, protocol.IsCode(err, protocol.BadAccess))

	d, err := s.Lookup(6, UseAccess)
	require.NoError(t, err)
	assert.NoError(t, RequireCaps(d, CapPointer))
	assert.True(t, protocol.IsCode(RequireCaps(d, CapKeyboard), protocol.BadMatch))

	assert.True(t, s.IsMaster(2))
	assert.False(t, s.IsMaster(6))
	assert.True(t, protocol.IsCode(s.Add(&Device{ID: protocol.AllMasterDevices}), protocol.BadDevice))
}

func TestGrabStatusLadder(t *testing.T) {
	s := newSet(t)
	now := xproto.Timestamp(1000)

	st, err := s.GrabDevice(grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeAsync), now)
	require.NoError(t, err)
	assert.Equal(t, protocol.GrabSuccess, st)

	st, err = s.GrabDevice(grabReq(2, 2, protocol.GrabModeAsync, protocol.GrabModeAsync), now)
	require.NoError(t, err)
	assert.Equal(t, protocol.GrabAlreadyGrabbed, st)

	legacy := grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeAsync)
	legacy.Generation = protocol.Legacy
	st, _ = s.GrabDevice(legacy, now)
	assert.Equal(t, protocol.GrabAlreadyGrabbed, st)

	hidden := grabReq(2, 6, protocol.GrabModeAsync, protocol.GrabModeAsync)
	hidden.Viewable = false
	st, _ = s.GrabDevice(hidden, now)
	assert.Equal(t, protocol.GrabNotViewable, st)

	future := grabReq(2, 6, protocol.GrabModeAsync, protocol.GrabModeAsync)
	future.Time = now + 10
	st, _ = s.GrabDevice(future, now)
	assert.Equal(t, protocol.GrabInvalidTime, st)

	_, err = s.GrabDevice(grabReq(2, 6, 7, protocol.GrabModeAsync), now)
	code, val, _ := protocol.CodeOf(err)
	assert.Equal(t, protocol.BadValue, code)
	assert.Equal(t, uint32(7), val)
}

func TestGrabEarlierThanLastGrabIsInvalidTime(t *testing.T) {
	s := newSet(t)
	req := grabReq(1, 6, protocol.GrabModeAsync, protocol.GrabModeAsync)
	st, _ := s.GrabDevice(req, 500)
	require.Equal(t, protocol.GrabSuccess, st)
	require.True(t, s.Ungrab(1, 6, protocol.Extended, protocol.CurrentTime, 600))

	req.Time = 550
	st, _ = s.GrabDevice(req, 700)
	assert.Equal(t, protocol.GrabInvalidTime, st)
}

func TestFrozenByOtherClient(t *testing.T) {
	s := newSet(t)
	st, _ := s.GrabDevice(grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeSync), 100)
	require.Equal(t, protocol.GrabSuccess, st)
	assert.True(t, s.Frozen(s.Get(3)))

	st, _ = s.GrabDevice(grabReq(2, 3, protocol.GrabModeAsync, protocol.GrabModeAsync), 100)
	assert.Equal(t, protocol.GrabFrozen, st)

	// the client holding the freeze may grab the paired device
	st, _ = s.GrabDevice(grabReq(1, 3, protocol.GrabModeAsync, protocol.GrabModeAsync), 100)
	assert.Equal(t, protocol.GrabSuccess, st)
}

func TestAtMostOneGrabPerDevice(t *testing.T) {
	s := newSet(t)
	ops := []func(now xproto.Timestamp){
		func(now xproto.Timestamp) { s.GrabDevice(grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeAsync), now) },
		func(now xproto.Timestamp) { s.GrabDevice(grabReq(2, 2, protocol.GrabModeSync, protocol.GrabModeAsync), now) },
		func(now xproto.Timestamp) { s.Ungrab(2, 2, protocol.Extended, protocol.CurrentTime, now) },
		func(now xproto.Timestamp) { s.GrabDevice(grabReq(1, 2, protocol.GrabModeSync, protocol.GrabModeSync), now) },
		func(now xproto.Timestamp) { s.Ungrab(1, 2, protocol.Extended, now-500, now) },
		func(now xproto.Timestamp) { s.ClientGone(1, now) },
		func(now xproto.Timestamp) { s.GrabDevice(grabReq(2, 2, protocol.GrabModeAsync, protocol.GrabModeAsync), now) },
		func(now xproto.Timestamp) { s.WindowGone(win, now) },
	}

	now := xproto.Timestamp(100)
	for round := 0; round < 3; round++ {
		for _, op := range ops {
			now += 10
			op(now)
			assert.LessOrEqual(t, grabCount(s, 2), 1)
			if g, ok := s.Get(2).Grabbed(); ok {
				assert.Equal(t, protocol.DeviceID(2), g.Device)
			}
		}
	}
}

func TestUngrabRaceTolerance(t *testing.T) {
	s := newSet(t)
	req := grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeAsync)
	req.Time = 1000
	st, _ := s.GrabDevice(req, 1000)
	require.Equal(t, protocol.GrabSuccess, st)
	before, _ := s.Get(2).Grabbed()
	snapshot := *before

	tests := []struct {
		name   string
		client protocol.ClientID
		gen    protocol.Generation
		at     xproto.Timestamp
	}{
		{"earlier than start", 1, protocol.Extended, 999},
		{"later than now", 1, protocol.Extended, 2001},
		{"not the owner", 2, protocol.Extended, protocol.CurrentTime},
		{"other generation", 1, protocol.Legacy, protocol.CurrentTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, s.Ungrab(tt.client, 2, tt.gen, tt.at, 2000))
			after, ok := s.Get(2).Grabbed()
			require.True(t, ok)
			assert.Equal(t, snapshot, *after)
		})
	}

	assert.True(t, s.Ungrab(1, 2, protocol.Extended, 1000, 2000))
	assert.IsType(t, Ungrabbed{}, s.Get(2).Grab())
}

func TestTimestampWrap(t *testing.T) {
	s := newSet(t)
	req := grabReq(1, 6, protocol.GrabModeAsync, protocol.GrabModeAsync)
	req.Time = 0xfffffff0
	st, _ := s.GrabDevice(req, 0xfffffff0)
	require.Equal(t, protocol.GrabSuccess, st)

	// 0x10 is after 0xfffffff0 once the clock wraps
	assert.True(t, s.Ungrab(1, 6, protocol.Extended, 0x10, 0x20))
}

func TestBackpressureGranularity(t *testing.T) {
	s := newSet(t)
	st, _ := s.GrabDevice(grabReq(1, 2, protocol.GrabModeSync, protocol.GrabModeAsync), 100)
	require.Equal(t, protocol.GrabSuccess, st)
	g, _ := s.Get(2).Grabbed()
	assert.Equal(t, FreezeNext, g.Freeze)

	assert.False(t, s.Admit(event(1, 2, 110)), "E1 is held")
	_, ok := s.TakeReleased()
	assert.False(t, ok)

	_, err := s.AllowEvents(1, 2, protocol.AsyncThisDevice, protocol.CurrentTime, 120)
	require.NoError(t, err)
	assert.Equal(t, Thawed, g.Freeze)
	ev, ok := s.TakeReleased()
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.Serial)

	assert.True(t, s.Admit(event(2, 2, 130)))
	assert.True(t, s.Admit(event(3, 2, 131)))

	_, err = s.AllowEvents(1, 2, protocol.SyncThisDevice, protocol.CurrentTime, 140)
	require.NoError(t, err)
	assert.True(t, s.Admit(event(4, 2, 150)), "one event passes after Sync")
	assert.False(t, s.Admit(event(5, 2, 151)), "then the device freezes again")
	assert.False(t, s.Admit(event(6, 2, 152)))

	_, err = s.AllowEvents(1, 2, protocol.SyncThisDevice, protocol.CurrentTime, 160)
	require.NoError(t, err)
	ev, ok = s.TakeReleased()
	require.True(t, ok)
	assert.Equal(t, uint64(5), ev.Serial)
	_, ok = s.TakeReleased()
	assert.False(t, ok)
	assert.Equal(t, 1, s.Get(2).Queued())
}

func TestQueuedEventsKeepOrder(t *testing.T) {
	s := newSet(t)
	st, _ := s.GrabDevice(grabReq(1, 2, protocol.GrabModeSync, protocol.GrabModeAsync), 100)
	require.Equal(t, protocol.GrabSuccess, st)

	for i := uint64(1); i <= 3; i++ {
		assert.False(t, s.Admit(event(i, 2, 100+xproto.Timestamp(i))))
	}
	_, err := s.AllowEvents(1, 2, protocol.AsyncThisDevice, protocol.CurrentTime, 200)
	require.NoError(t, err)

	// a fresh event queues behind the held ones until they drain
	assert.False(t, s.Admit(event(4, 2, 201)))

	var got []uint64
	for {
		ev, ok := s.TakeReleased()
		if !ok {
			break
		}
		got = append(got, ev.Serial)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, got)
}

func TestPairedDeviceFreeze(t *testing.T) {
	s := newSet(t)
	st, _ := s.GrabDevice(grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeSync), 100)
	require.Equal(t, protocol.GrabSuccess, st)

	assert.True(t, s.Admit(event(1, 2, 110)))
	assert.False(t, s.Admit(event(2, 3, 111)), "keyboard is held by the pointer grab")

	// another client cannot release it
	_, err := s.AllowEvents(2, 3, protocol.AsyncThisDevice, protocol.CurrentTime, 120)
	require.NoError(t, err)
	assert.True(t, s.Frozen(s.Get(3)))

	_, err = s.AllowEvents(1, 2, protocol.AsyncOtherDevices, protocol.CurrentTime, 130)
	require.NoError(t, err)
	assert.False(t, s.Frozen(s.Get(3)))
	ev, ok := s.TakeReleased()
	require.True(t, ok)
	assert.Equal(t, uint64(2), ev.Serial)
}

func TestSyncAllFreezesBoth(t *testing.T) {
	s := newSet(t)
	st, _ := s.GrabDevice(grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeAsync), 100)
	require.Equal(t, protocol.GrabSuccess, st)

	_, err := s.AllowEvents(1, 2, protocol.SyncAll, protocol.CurrentTime, 110)
	require.NoError(t, err)
	assert.True(t, s.Admit(event(1, 2, 120)))
	assert.True(t, s.Admit(event(2, 3, 121)))
	assert.False(t, s.Admit(event(3, 2, 122)))
	assert.False(t, s.Admit(event(4, 3, 123)))

	_, err = s.AllowEvents(1, 2, protocol.AsyncAll, protocol.CurrentTime, 130)
	require.NoError(t, err)
	g, _ := s.Get(2).Grabbed()
	assert.Equal(t, ThawedBoth, g.Freeze)

	var got []uint64
	for ev, ok := s.TakeReleased(); ok; ev, ok = s.TakeReleased() {
		got = append(got, ev.Serial)
	}
	assert.Equal(t, []uint64{3, 4}, got)
}

func TestAllowEventsChecks(t *testing.T) {
	s := newSet(t)
	req := grabReq(1, 2, protocol.GrabModeSync, protocol.GrabModeAsync)
	req.Time = 500
	st, _ := s.GrabDevice(req, 500)
	require.Equal(t, protocol.GrabSuccess, st)
	g, _ := s.Get(2).Grabbed()

	_, err := s.AllowEvents(1, 2, protocol.AllowMode(6), protocol.CurrentTime, 600)
	code, val, _ := protocol.CodeOf(err)
	assert.Equal(t, protocol.BadValue, code)
	assert.Equal(t, uint32(6), val)

	_, err = s.AllowEvents(1, 2, protocol.AsyncThisDevice, 400, 600)
	require.NoError(t, err)
	assert.Equal(t, FreezeNext, g.Freeze, "time before grab start is ignored")

	_, err = s.AllowEvents(1, 2, protocol.AsyncThisDevice, 700, 600)
	require.NoError(t, err)
	assert.Equal(t, FreezeNext, g.Freeze, "time after now is ignored")

	_, err = s.AllowEvents(2, 2, protocol.AsyncThisDevice, protocol.CurrentTime, 600)
	require.NoError(t, err)
	assert.Equal(t, FreezeNext, g.Freeze, "non-owner is ignored")

	_, err = s.AllowEvents(1, 42, protocol.AsyncThisDevice, protocol.CurrentTime, 600)
	assert.True(t, protocol.IsCode(err, protocol.BadDevice))
}

func TestReplay(t *testing.T) {
	s := newSet(t)
	trigger := protocol.Event{Serial: 7, Type: protocol.ButtonPress, Device: 2, Window: win, Detail: 1, Time: 300}
	require.NoError(t, s.Activate(ActiveGrab{
		Device:     2,
		Client:     1,
		Window:     win,
		ModeSelf:   protocol.GrabModeSync,
		ModePaired: protocol.GrabModeAsync,
		Generation: protocol.Extended,
	}, trigger))

	g, ok := s.Get(2).Grabbed()
	require.True(t, ok)
	assert.True(t, g.Passive)
	assert.True(t, g.HoldingTrigger())
	assert.Equal(t, xproto.Timestamp(300), g.Start)

	// a second activation on a grabbed device is refused
	assert.Error(t, s.Activate(ActiveGrab{Device: 2, Client: 2, Generation: protocol.Extended}, trigger))

	r, err := s.AllowEvents(1, 2, protocol.ReplayThisDevice, protocol.CurrentTime, 310)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, trigger, r.Event)
	assert.Equal(t, win, r.Grab.Window)
	assert.IsType(t, Ungrabbed{}, s.Get(2).Grab())
}

func TestReplayNeedsHeldTrigger(t *testing.T) {
	s := newSet(t)
	st, _ := s.GrabDevice(grabReq(1, 2, protocol.GrabModeSync, protocol.GrabModeAsync), 100)
	require.Equal(t, protocol.GrabSuccess, st)

	r, err := s.AllowEvents(1, 2, protocol.ReplayThisDevice, protocol.CurrentTime, 110)
	require.NoError(t, err)
	assert.Nil(t, r)
	_, ok := s.Get(2).Grabbed()
	assert.True(t, ok, "explicit grabs are not released by replay")
}

func TestEndToEndFreezeScenario(t *testing.T) {
	s := newSet(t)
	st, err := s.GrabDevice(grabReq(1, 2, protocol.GrabModeSync, protocol.GrabModeAsync), 1000)
	require.NoError(t, err)
	require.Equal(t, protocol.GrabSuccess, st)
	g, _ := s.Get(2).Grabbed()
	require.Equal(t, FreezeNext, g.Freeze)

	assert.False(t, s.Admit(event(1, 2, 1001)))

	_, err = s.AllowEvents(1, 2, protocol.AsyncThisDevice, protocol.CurrentTime, 1002)
	require.NoError(t, err)
	assert.Equal(t, Thawed, g.Freeze)
	ev, ok := s.TakeReleased()
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.Serial)

	for i := uint64(2); i < 6; i++ {
		assert.True(t, s.Admit(event(i, 2, 1000+xproto.Timestamp(i))))
	}
}

func TestReleaseSkipsOwnerAndTime(t *testing.T) {
	s := newSet(t)
	require.NoError(t, s.Activate(ActiveGrab{
		Device:     2,
		Client:     1,
		ModeSelf:   protocol.GrabModeAsync,
		ModePaired: protocol.GrabModeAsync,
		Generation: protocol.Extended,
	}, event(1, 2, 5000)))

	assert.False(t, s.Ungrab(1, 2, protocol.Extended, protocol.CurrentTime, 1000))
	assert.True(t, s.Release(2, 1000))
	assert.IsType(t, Ungrabbed{}, s.Get(2).Grab())
	assert.False(t, s.Release(2, 1000))
	assert.False(t, s.Release(99, 1000))
}

func TestTeardownReleasesGrabs(t *testing.T) {
	s := newSet(t)
	s.GrabDevice(grabReq(1, 2, protocol.GrabModeAsync, protocol.GrabModeSync), 100)
	confined := grabReq(2, 6, protocol.GrabModeAsync, protocol.GrabModeAsync)
	confined.Window = 0x600
	confined.Confine = win
	s.GrabDevice(confined, 100)

	assert.Equal(t, []protocol.DeviceID{2}, s.WindowGone(win, 200))
	assert.False(t, s.Frozen(s.Get(3)))
	g, ok := s.Get(6).Grabbed()
	require.True(t, ok)
	assert.Equal(t, xproto.Window(xproto.WindowNone), g.Confine)

	assert.Equal(t, []protocol.DeviceID{6}, s.ClientGone(2, 300))
	assert.Empty(t, s.ActiveGrabs())

	s.GrabDevice(grabReq(1, 3, protocol.GrabModeSync, protocol.GrabModeAsync), 400)
	s.Admit(event(1, 3, 401))
	require.NoError(t, s.Remove(3, 500))
	assert.Nil(t, s.Get(3))
	assert.Equal(t, protocol.DeviceID(0), s.Get(2).Paired)
	_, ok = s.TakeReleased()
	assert.False(t, ok)
}
