// Package protocol holds the identifiers, constants and error taxonomy shared by
// the input ownership core. Window, timestamp and grab constants come from the X
// core protocol bindings so values match what real clients put on the wire.
package protocol

import (
	"fmt"

	"github.com/jezek/xgb/xproto"
)

// ClientID identifies a connected protocol client.
type ClientID uint32

// DeviceID identifies an input device or one of the two device selectors.
type DeviceID uint16

const (
	// AllDevices selects every device, master or slave.
	AllDevices DeviceID = 0
	// AllMasterDevices selects every master device.
	AllMasterDevices DeviceID = 1
)

// IsSelector reports whether d is a wildcard selector rather than a device.
func (d DeviceID) IsSelector() bool {
	return d == AllDevices || d == AllMasterDevices
}

func (d DeviceID) String() string {
	switch d {
	case AllDevices:
		return "all"
	case AllMasterDevices:
		return "all-master"
	}
	return fmt.Sprintf("%d", uint16(d))
}

// EventType is an extension event type.
type EventType uint8

const (
	DeviceChanged EventType = 1 + iota
	KeyPress
	KeyRelease
	ButtonPress
	ButtonRelease
	Motion
	Enter
	Leave
	FocusIn
	FocusOut
	HierarchyChanged
	PropertyEvent
	RawKeyPress
	RawKeyRelease
	RawButtonPress
	RawButtonRelease
	RawMotion
	TouchBegin
	TouchUpdate
	TouchEnd
	TouchOwnership
	RawTouchBegin
	RawTouchUpdate
	RawTouchEnd
	BarrierHit
	BarrierLeave
	GesturePinchBegin
	GesturePinchUpdate
	GesturePinchEnd
	GestureSwipeBegin
	GestureSwipeUpdate
	GestureSwipeEnd
)

// LastEvent is the highest event type this server knows about.
const LastEvent = GestureSwipeEnd

// MaskBytes is the number of bytes needed to hold one bit per known event type.
const MaskBytes = int(LastEvent>>3) + 1

var eventNames = map[EventType]string{
	DeviceChanged:      "DeviceChanged",
	KeyPress:           "KeyPress",
	KeyRelease:         "KeyRelease",
	ButtonPress:        "ButtonPress",
	ButtonRelease:      "ButtonRelease",
	Motion:             "Motion",
	Enter:              "Enter",
	Leave:              "Leave",
	FocusIn:            "FocusIn",
	FocusOut:           "FocusOut",
	HierarchyChanged:   "HierarchyChanged",
	PropertyEvent:      "Property",
	RawKeyPress:        "RawKeyPress",
	RawKeyRelease:      "RawKeyRelease",
	RawButtonPress:     "RawButtonPress",
	RawButtonRelease:   "RawButtonRelease",
	RawMotion:          "RawMotion",
	TouchBegin:         "TouchBegin",
	TouchUpdate:        "TouchUpdate",
	TouchEnd:           "TouchEnd",
	TouchOwnership:     "TouchOwnership",
	RawTouchBegin:      "RawTouchBegin",
	RawTouchUpdate:     "RawTouchUpdate",
	RawTouchEnd:        "RawTouchEnd",
	BarrierHit:         "BarrierHit",
	BarrierLeave:       "BarrierLeave",
	GesturePinchBegin:  "GesturePinchBegin",
	GesturePinchUpdate: "GesturePinchUpdate",
	GesturePinchEnd:    "GesturePinchEnd",
	GestureSwipeBegin:  "GestureSwipeBegin",
	GestureSwipeUpdate: "GestureSwipeUpdate",
	GestureSwipeEnd:    "GestureSwipeEnd",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// ParseEventType resolves an event name as printed by String.
func ParseEventType(name string) (EventType, bool) {
	for t, n := range eventNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t >= DeviceChanged && t <= LastEvent
}

// IsRaw reports whether t is one of the raw event types, which may only be
// selected on a root window.
func (t EventType) IsRaw() bool {
	switch t {
	case RawKeyPress, RawKeyRelease, RawButtonPress, RawButtonRelease, RawMotion,
		RawTouchBegin, RawTouchUpdate, RawTouchEnd:
		return true
	}
	return false
}

// IsPassiveTrigger reports whether a passive grab may be keyed on t.
func (t EventType) IsPassiveTrigger() bool {
	switch t {
	case ButtonPress, KeyPress, Enter, FocusIn, TouchBegin, GesturePinchBegin, GestureSwipeBegin:
		return true
	}
	return false
}

// HasDetail reports whether passive grabs on t are keyed by a button or keycode.
func (t EventType) HasDetail() bool {
	return t == ButtonPress || t == KeyPress
}

// Generation distinguishes first-generation extension requests from the
// extended (per-device mask) request family. Grabs and selections made under one
// generation are never matched or released by requests of the other.
type Generation uint8

const (
	Legacy Generation = iota + 1
	Extended
)

func (g Generation) String() string {
	switch g {
	case Legacy:
		return "legacy"
	case Extended:
		return "extended"
	}
	return fmt.Sprintf("Generation(%d)", uint8(g))
}

// GrabMode is the per-device delivery mode of a grab.
type GrabMode uint8

const (
	GrabModeSync  GrabMode = xproto.GrabModeSync
	GrabModeAsync GrabMode = xproto.GrabModeAsync
)

func (m GrabMode) Valid() bool {
	return m == GrabModeSync || m == GrabModeAsync
}

func (m GrabMode) String() string {
	switch m {
	case GrabModeSync:
		return "sync"
	case GrabModeAsync:
		return "async"
	}
	return fmt.Sprintf("GrabMode(%d)", uint8(m))
}

// GrabStatus is the in-band result of an explicit grab. Anything other than
// GrabSuccess is reported inside an otherwise successful reply.
type GrabStatus uint8

const (
	GrabSuccess        GrabStatus = xproto.GrabStatusSuccess
	GrabAlreadyGrabbed GrabStatus = xproto.GrabStatusAlreadyGrabbed
	GrabInvalidTime    GrabStatus = xproto.GrabStatusInvalidTime
	GrabNotViewable    GrabStatus = xproto.GrabStatusNotViewable
	GrabFrozen         GrabStatus = xproto.GrabStatusFrozen
)

func (s GrabStatus) String() string {
	switch s {
	case GrabSuccess:
		return "Success"
	case GrabAlreadyGrabbed:
		return "AlreadyGrabbed"
	case GrabInvalidTime:
		return "InvalidTime"
	case GrabNotViewable:
		return "NotViewable"
	case GrabFrozen:
		return "Frozen"
	}
	return fmt.Sprintf("GrabStatus(%d)", uint8(s))
}

// AllowMode is the event-release mode of an AllowEvents request.
type AllowMode uint8

const (
	AsyncThisDevice AllowMode = iota
	SyncThisDevice
	ReplayThisDevice
	AsyncOtherDevices
	AsyncAll
	SyncAll
)

func (m AllowMode) Valid() bool {
	return m <= SyncAll
}

func (m AllowMode) String() string {
	switch m {
	case AsyncThisDevice:
		return "AsyncThisDevice"
	case SyncThisDevice:
		return "SyncThisDevice"
	case ReplayThisDevice:
		return "ReplayThisDevice"
	case AsyncOtherDevices:
		return "AsyncOtherDevices"
	case AsyncAll:
		return "AsyncAll"
	case SyncAll:
		return "SyncAll"
	}
	return fmt.Sprintf("AllowMode(%d)", uint8(m))
}

// Detail is the button number or keycode a passive grab is keyed on.
type Detail uint32

// AnyDetail matches every button or key.
const AnyDetail Detail = xproto.GrabAny

// Modifiers is a core modifier state.
type Modifiers uint32

const (
	// AnyModifier is the wildcard used by first-generation grabs.
	AnyModifier Modifiers = xproto.ModMaskAny
	// ExtendedAnyModifier is the wildcard used by extended grabs.
	ExtendedAnyModifier Modifiers = 1 << 31
	// AllModifiersMask covers the eight core modifier bits.
	AllModifiersMask Modifiers = 0xff
)

// AnyFor returns the modifier wildcard of generation g.
func AnyFor(g Generation) Modifiers {
	if g == Extended {
		return ExtendedAnyModifier
	}
	return AnyModifier
}

// IsAny reports whether m is the modifier wildcard of generation g.
func (m Modifiers) IsAny(g Generation) bool {
	return m == AnyFor(g)
}

// ValidFor reports whether m may be used in a grab of generation g.
func (m Modifiers) ValidFor(g Generation) bool {
	return m.IsAny(g) || m&^AllModifiersMask == 0
}

// ModeFlag selects whether a mask change adds or removes bits.
type ModeFlag uint8

const (
	AddToList ModeFlag = iota
	DeleteFromList
)

// SelectorsIntersect reports whether selections made for a and b can both
// cover some device. AllDevices covers everything, AllMasterDevices covers
// every master, and a concrete id covers only itself.
func SelectorsIntersect(a, b DeviceID, isMaster func(DeviceID) bool) bool {
	if a == b || a == AllDevices || b == AllDevices {
		return true
	}
	if a == AllMasterDevices {
		return isMaster(b)
	}
	if b == AllMasterDevices {
		return isMaster(a)
	}
	return false
}

// Selects reports whether a selection made for sel covers events of dev.
func Selects(sel, dev DeviceID, isMaster bool) bool {
	switch sel {
	case AllDevices:
		return true
	case AllMasterDevices:
		return isMaster
	}
	return sel == dev
}
