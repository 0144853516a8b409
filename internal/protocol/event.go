package protocol

import (
	"fmt"

	"github.com/jezek/xgb/xproto"
)

// Event is a device event produced by the hardware layer, already resolved to
// the window under the sprite (or the focus window for key events).
type Event struct {
	Serial    uint64
	Type      EventType
	Device    DeviceID
	Source    DeviceID
	Window    xproto.Window
	Detail    Detail
	Modifiers Modifiers
	Time      xproto.Timestamp
	RootX     int16
	RootY     int16
}

func (e Event) String() string {
	return fmt.Sprintf("#%d %s dev=%d win=0x%x detail=%d mods=0x%x t=%d",
		e.Serial, e.Type, e.Device, uint32(e.Window), e.Detail, uint32(e.Modifiers), e.Time)
}
