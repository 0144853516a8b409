package mask

import (
	"sort"

	"github.com/bnema/xigrab/internal/protocol"
)

// Class is a legacy event class: the device id in bits 8-23 and the event type
// in the low byte. Bits 24-31 must be clear.
type Class uint32

const classReservedBits Class = 0xff000000

// MakeClass packs a device and event type into a class.
func MakeClass(dev protocol.DeviceID, t protocol.EventType) Class {
	return Class(uint32(dev)<<8 | uint32(t))
}

// Device returns the device the class names.
func (c Class) Device() protocol.DeviceID {
	return protocol.DeviceID(uint32(c) >> 8)
}

// Type returns the event type the class names.
func (c Class) Type() protocol.EventType {
	return protocol.EventType(uint32(c) & 0xff)
}

// DeviceChecker reports whether a device id names a live device.
type DeviceChecker interface {
	Exists(id protocol.DeviceID) bool
}

type decodeOptions struct {
	constrained bool
	device      protocol.DeviceID
}

// DecodeOption tunes DecodeClassList.
type DecodeOption func(*decodeOptions)

// ConstrainTo rejects classes naming any device other than dev.
func ConstrainTo(dev protocol.DeviceID) DecodeOption {
	return func(o *decodeOptions) {
		o.constrained = true
		o.device = dev
	}
}

// DecodeClassList folds count classes into one mask per device. Classes naming
// the same device are OR-ed together.
func DecodeClassList(list []Class, count int, devices DeviceChecker, opts ...DecodeOption) (map[protocol.DeviceID]EventMask, error) {
	var o decodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if count < 0 || count > len(list) {
		return nil, protocol.NewError("DecodeClassList", protocol.BadLength, uint32(count))
	}

	out := make(map[protocol.DeviceID]EventMask)
	for _, c := range list[:count] {
		if c&classReservedBits != 0 {
			return nil, protocol.NewError("DecodeClassList", protocol.BadClass, uint32(c))
		}
		dev := c.Device()
		if o.constrained && dev != o.device {
			return nil, protocol.NewError("DecodeClassList", protocol.BadClass, uint32(c))
		}
		if !c.Type().Valid() {
			return nil, protocol.NewError("DecodeClassList", protocol.BadClass, uint32(c))
		}
		if dev.IsSelector() || !devices.Exists(dev) {
			return nil, protocol.NewError("DecodeClassList", protocol.BadClass, uint32(c))
		}
		m := out[dev]
		m.Set(c.Type())
		out[dev] = m
	}
	return out, nil
}

// EncodeClassList lists the classes for one device's mask, lowest type first.
func EncodeClassList(dev protocol.DeviceID, m EventMask) []Class {
	var out []Class
	for _, t := range m.Types() {
		if !t.Valid() {
			continue
		}
		out = append(out, MakeClass(dev, t))
	}
	return out
}

// EncodeClassMap lists the classes for every device in masks, ordered by device.
func EncodeClassMap(masks map[protocol.DeviceID]EventMask) []Class {
	devs := make([]protocol.DeviceID, 0, len(masks))
	for d := range masks {
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })

	var out []Class
	for _, d := range devs {
		out = append(out, EncodeClassList(d, masks[d])...)
	}
	return out
}
