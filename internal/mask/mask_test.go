package mask

import (
	"testing"

	"github.com/bnema/xigrab/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deviceSet map[protocol.DeviceID]bool

func (d deviceSet) Exists(id protocol.DeviceID) bool { return d[id] }

func TestEventMaskOps(t *testing.T) {
	m := Of(protocol.ButtonPress, protocol.Motion)

	assert.True(t, m.Has(protocol.ButtonPress))
	assert.False(t, m.Has(protocol.KeyPress))
	assert.False(t, m.Has(protocol.LastEvent+1))

	m.Clear(protocol.Motion)
	assert.Equal(t, []protocol.EventType{protocol.ButtonPress}, m.Types())

	other := Of(protocol.ButtonPress, protocol.TouchBegin)
	assert.Equal(t, Of(protocol.ButtonPress, protocol.TouchBegin), m.Union(other))
	assert.Equal(t, Of(protocol.ButtonPress), m.Intersect(other))
	assert.Equal(t, Of(protocol.TouchBegin), other.Without(m))
	assert.True(t, m.SubsetOf(other))
	assert.False(t, other.SubsetOf(m))
	assert.True(t, EventMask{}.IsZero())
	assert.Equal(t, "{ButtonPress}", m.String())
}

func TestCheckMaskRange(t *testing.T) {
	tests := []struct {
		name     string
		wire     []byte
		units    int
		wantCode protocol.ErrorCode
		wantVal  uint32
		wantErr  bool
	}{
		{
			name:  "short mask",
			wire:  []byte{0x10, 0, 0, 0},
			units: 1,
		},
		{
			name:  "exact server size padded",
			wire:  Of(protocol.GestureSwipeEnd).ToWire(),
			units: WireUnits,
		},
		{
			name:  "long mask with clear tail",
			wire:  append(Of(protocol.KeyPress).ToWire(), 0, 0, 0, 0),
			units: WireUnits + 1,
		},
		{
			name:     "bit past last event",
			wire:     []byte{0, 0, 0, 0, 0x02, 0, 0, 0},
			units:    2,
			wantErr:  true,
			wantCode: protocol.BadValue,
			wantVal:  33,
		},
		{
			name:     "declared length beyond payload",
			wire:     []byte{0, 0, 0, 0},
			units:    2,
			wantErr:  true,
			wantCode: protocol.BadLength,
			wantVal:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckMaskRange(tt.wire, tt.units)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			code, val, ok := protocol.CodeOf(err)
			require.True(t, ok, "expected protocol error, got %v", err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantVal, val)
		})
	}
}

func TestFromWirePreservesBits(t *testing.T) {
	t.Run("zero extends short masks", func(t *testing.T) {
		m, err := FromWire([]byte{0x14, 0, 0, 0}, 1)
		require.NoError(t, err)
		assert.Equal(t, Of(protocol.KeyPress, protocol.ButtonPress), m)
	})

	t.Run("truncates long masks", func(t *testing.T) {
		wire := append(Of(protocol.TouchBegin, protocol.TouchUpdate, protocol.TouchEnd).ToWire(), make([]byte, 8)...)
		m, err := FromWire(wire, len(wire)/4)
		require.NoError(t, err)
		assert.Equal(t, Of(protocol.TouchBegin, protocol.TouchUpdate, protocol.TouchEnd), m)
	})

	t.Run("ignores bytes past declared length", func(t *testing.T) {
		m, err := FromWire([]byte{0x04, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}, 1)
		require.NoError(t, err)
		assert.Equal(t, Of(protocol.KeyPress), m)
	})

	t.Run("round trips every known bit", func(t *testing.T) {
		var all EventMask
		for ty := protocol.DeviceChanged; ty <= protocol.LastEvent; ty++ {
			all.Set(ty)
		}
		m, err := FromWire(all.ToWire(), WireUnits)
		require.NoError(t, err)
		assert.Equal(t, all, m)
	})
}

func TestDecodeClassList(t *testing.T) {
	devices := deviceSet{2: true, 3: true, 6: true}

	t.Run("ors classes for one device", func(t *testing.T) {
		list := []Class{
			MakeClass(2, protocol.ButtonPress),
			MakeClass(2, protocol.ButtonRelease),
			MakeClass(3, protocol.KeyPress),
		}
		got, err := DecodeClassList(list, len(list), devices)
		require.NoError(t, err)
		assert.Equal(t, map[protocol.DeviceID]EventMask{
			2: Of(protocol.ButtonPress, protocol.ButtonRelease),
			3: Of(protocol.KeyPress),
		}, got)
	})

	t.Run("count limits the list", func(t *testing.T) {
		list := []Class{MakeClass(2, protocol.Motion), MakeClass(9, protocol.Motion)}
		got, err := DecodeClassList(list, 1, devices)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("count past list is BadLength", func(t *testing.T) {
		_, err := DecodeClassList([]Class{MakeClass(2, protocol.Motion)}, 2, devices)
		assert.True(t, protocol.IsCode(err, protocol.BadLength))
	})

	t.Run("unknown device is BadClass", func(t *testing.T) {
		c := MakeClass(9, protocol.Motion)
		_, err := DecodeClassList([]Class{c}, 1, devices)
		code, val, _ := protocol.CodeOf(err)
		assert.Equal(t, protocol.BadClass, code)
		assert.Equal(t, uint32(c), val)
	})

	t.Run("high bits are BadClass", func(t *testing.T) {
		c := MakeClass(2, protocol.ButtonPress) | 0xff000000
		_, err := DecodeClassList([]Class{c}, 1, devices)
		code, val, _ := protocol.CodeOf(err)
		assert.Equal(t, protocol.BadClass, code)
		assert.Equal(t, uint32(0xff000204), val)
	})

	t.Run("unknown type is BadClass", func(t *testing.T) {
		_, err := DecodeClassList([]Class{MakeClass(2, protocol.LastEvent+1)}, 1, devices)
		assert.True(t, protocol.IsCode(err, protocol.BadClass))
	})

	t.Run("constrained device", func(t *testing.T) {
		list := []Class{MakeClass(2, protocol.Motion), MakeClass(3, protocol.KeyPress)}
		_, err := DecodeClassList(list, 2, devices, ConstrainTo(2))
		assert.True(t, protocol.IsCode(err, protocol.BadClass))

		got, err := DecodeClassList(list[:1], 1, devices, ConstrainTo(2))
		require.NoError(t, err)
		assert.Equal(t, Of(protocol.Motion), got[2])
	})
}

func TestClassListRoundTrip(t *testing.T) {
	devices := deviceSet{2: true, 3: true, 6: true}
	lists := [][]Class{
		nil,
		{MakeClass(2, protocol.ButtonPress)},
		{MakeClass(6, protocol.TouchEnd), MakeClass(2, protocol.Motion), MakeClass(6, protocol.TouchBegin), MakeClass(2, protocol.Motion)},
		{MakeClass(3, protocol.KeyPress), MakeClass(3, protocol.KeyRelease), MakeClass(2, protocol.GestureSwipeEnd)},
	}

	for _, list := range lists {
		first, err := DecodeClassList(list, len(list), devices)
		require.NoError(t, err)

		encoded := EncodeClassMap(first)
		second, err := DecodeClassList(encoded, len(encoded), devices)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}
