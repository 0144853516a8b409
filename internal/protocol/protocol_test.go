package protocol

import (
	"fmt"
	"testing"

	"github.com/jezek/xgb/xproto"
	"github.com/stretchr/testify/assert"
)

func TestTimestampWrap(t *testing.T) {
	tests := []struct {
		name    string
		a, b    xproto.Timestamp
		earlier bool
		later   bool
	}{
		{name: "plain", a: 10, b: 20, earlier: true},
		{name: "equal", a: 20, b: 20},
		{name: "after", a: 30, b: 20, later: true},
		{name: "across wrap", a: 0xfffffff0, b: 0x10, earlier: true},
		{name: "after wrap", a: 0x10, b: 0xfffffff0, later: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.earlier, Earlier(tt.a, tt.b))
			assert.Equal(t, tt.later, Later(tt.a, tt.b))
		})
	}

	assert.Equal(t, xproto.Timestamp(500), Resolve(CurrentTime, 500))
	assert.Equal(t, xproto.Timestamp(42), Resolve(42, 500))
}

func TestErrorCodes(t *testing.T) {
	err := fmt.Errorf("request 12: %w", NewError("GrabDevice", BadDevice, 9))

	code, value, ok := CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, BadDevice, code)
	assert.Equal(t, uint32(9), value)
	assert.True(t, IsCode(err, BadDevice))
	assert.False(t, IsCode(err, BadAccess))
	assert.Contains(t, err.Error(), "GrabDevice: BadDevice (value 9)")

	_, _, ok = CodeOf(fmt.Errorf("plain"))
	assert.False(t, ok)
	assert.Equal(t, "Error(99)", ErrorCode(99).String())
}

func TestEventTypeNames(t *testing.T) {
	for typ := DeviceChanged; typ <= LastEvent; typ++ {
		got, ok := ParseEventType(typ.String())
		assert.True(t, ok, "type %d", typ)
		assert.Equal(t, typ, got)
	}
	_, ok := ParseEventType("NoSuchEvent")
	assert.False(t, ok)

	assert.True(t, RawMotion.IsRaw())
	assert.False(t, Motion.IsRaw())
	assert.True(t, ButtonPress.IsPassiveTrigger())
	assert.False(t, ButtonRelease.IsPassiveTrigger())
	assert.True(t, KeyPress.HasDetail())
	assert.False(t, Enter.HasDetail())
	assert.False(t, EventType(0).Valid())
}

func TestModifierWildcards(t *testing.T) {
	assert.True(t, AnyModifier.IsAny(Legacy))
	assert.False(t, AnyModifier.IsAny(Extended))
	assert.True(t, ExtendedAnyModifier.ValidFor(Extended))
	assert.False(t, ExtendedAnyModifier.ValidFor(Legacy))
	assert.True(t, Modifiers(0x05).ValidFor(Legacy))
	assert.False(t, Modifiers(0x100).ValidFor(Extended))
}

func TestSelectors(t *testing.T) {
	isMaster := func(d DeviceID) bool { return d == 2 || d == 3 }

	tests := []struct {
		a, b DeviceID
		want bool
	}{
		{AllDevices, 6, true},
		{AllMasterDevices, 2, true},
		{AllMasterDevices, 6, false},
		{6, AllMasterDevices, false},
		{AllMasterDevices, AllMasterDevices, true},
		{2, 3, false},
		{6, 6, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SelectorsIntersect(tt.a, tt.b, isMaster), "%s vs %s", tt.a, tt.b)
	}

	assert.True(t, Selects(AllDevices, 6, false))
	assert.True(t, Selects(AllMasterDevices, 2, true))
	assert.False(t, Selects(AllMasterDevices, 6, false))
	assert.False(t, Selects(2, 3, true))
}
