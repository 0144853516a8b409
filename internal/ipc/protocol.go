package ipc

import (
	"errors"
	"fmt"

	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/server"
	"github.com/jezek/xgb/xproto"
)

// MessageType identifies what a frame carries.
type MessageType uint32

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeReply
	MessageTypeEvent
	MessageTypeHello
	MessageTypeSelect
	MessageTypeSelectClasses
	MessageTypeGetSelected
	MessageTypeGetSelectedClasses
	MessageTypeDontPropagate
	MessageTypeGetDontPropagate
	MessageTypeGrabDevice
	MessageTypeUngrabDevice
	MessageTypeAllowEvents
	MessageTypeGrabPassive
	MessageTypeUngrabPassive
	MessageTypeInject
	MessageTypeCreateWindow
	MessageTypeMapWindow
	MessageTypeDestroyWindow
	MessageTypeState
	MessageTypeBreakGrabs
)

var messageTypeNames = map[MessageType]string{
	MessageTypeReply:              "reply",
	MessageTypeEvent:              "event",
	MessageTypeHello:              "hello",
	MessageTypeSelect:             "select",
	MessageTypeSelectClasses:      "select_classes",
	MessageTypeGetSelected:        "get_selected",
	MessageTypeGetSelectedClasses: "get_selected_classes",
	MessageTypeDontPropagate:      "dont_propagate",
	MessageTypeGetDontPropagate:   "get_dont_propagate",
	MessageTypeGrabDevice:         "grab_device",
	MessageTypeUngrabDevice:       "ungrab_device",
	MessageTypeAllowEvents:        "allow_events",
	MessageTypeGrabPassive:        "grab_passive",
	MessageTypeUngrabPassive:      "ungrab_passive",
	MessageTypeInject:             "inject",
	MessageTypeCreateWindow:       "create_window",
	MessageTypeMapWindow:          "map_window",
	MessageTypeDestroyWindow:      "destroy_window",
	MessageTypeState:              "state",
	MessageTypeBreakGrabs:         "break_grabs",
}

func (t MessageType) String() string {
	if n, ok := messageTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MessageType(%d)", uint32(t))
}

// DeviceMask is one device's extended event mask on the wire.
type DeviceMask struct {
	Device uint32
	Len    uint32
	Mask   []byte
}

// Message is a request, a reply or a pushed event. Only the fields the type
// uses are set.
type Message struct {
	Type MessageType
	Seq  uint32

	Window         uint32
	Device         uint32
	Generation     uint32
	Masks          []DeviceMask
	Classes        []uint32
	Mode           uint32
	PairedMode     uint32
	OwnerEvents    bool
	Time           uint32
	Confine        uint32
	Cursor         uint32
	EventType      uint32
	Detail         uint32
	Modifiers      uint32
	ModifierDevice uint32
	Parent         uint32
	Mapped         bool
	Name           string

	Status     uint32
	ErrorCode  uint32
	ErrorValue uint32
	Error      string
	Count      uint32
	Client     uint32
	AllClasses []uint32
	Union      []byte
	Delivery   *router.Delivery
	State      *server.State
}

// Marshal encodes msg as a proto3 Message.
func (msg *Message) Marshal() ([]byte, error) {
	r := newRecord(messageDesc)
	r.setUint("type", uint64(msg.Type))
	r.setUint("seq", uint64(msg.Seq))
	r.setUint("window", uint64(msg.Window))
	r.setUint("device", uint64(msg.Device))
	r.setUint("generation", uint64(msg.Generation))
	for _, m := range msg.Masks {
		sub := r.add("masks")
		sub.setUint("device", uint64(m.Device))
		sub.setUint("len", uint64(m.Len))
		sub.setBytes("mask", m.Mask)
	}
	r.setUints("classes", msg.Classes)
	r.setUint("mode", uint64(msg.Mode))
	r.setUint("paired_mode", uint64(msg.PairedMode))
	r.setBool("owner_events", msg.OwnerEvents)
	r.setUint("time", uint64(msg.Time))
	r.setUint("confine", uint64(msg.Confine))
	r.setUint("cursor", uint64(msg.Cursor))
	r.setUint("event_type", uint64(msg.EventType))
	r.setUint("detail", uint64(msg.Detail))
	r.setUint("modifiers", uint64(msg.Modifiers))
	r.setUint("modifier_device", uint64(msg.ModifierDevice))
	r.setUint("parent", uint64(msg.Parent))
	r.setBool("mapped", msg.Mapped)
	r.setString("name", msg.Name)

	r.setUint("status", uint64(msg.Status))
	r.setUint("error_code", uint64(msg.ErrorCode))
	r.setUint("error_value", uint64(msg.ErrorValue))
	r.setString("error", msg.Error)
	r.setUint("count", uint64(msg.Count))
	r.setUint("client", uint64(msg.Client))
	r.setUints("all_classes", msg.AllClasses)
	r.setBytes("union", msg.Union)
	if msg.Delivery != nil {
		putDelivery(r.sub("delivery"), msg.Delivery)
	}
	if msg.State != nil {
		putState(r.sub("state"), msg.State)
	}

	b, err := r.marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return b, nil
}

// Unmarshal decodes a message. Unknown fields are ignored.
func Unmarshal(b []byte) (*Message, error) {
	r, err := unmarshalRecord(b, messageDesc)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	msg := &Message{
		Type:           MessageType(r.uint("type")),
		Seq:            uint32(r.uint("seq")),
		Window:         uint32(r.uint("window")),
		Device:         uint32(r.uint("device")),
		Generation:     uint32(r.uint("generation")),
		Classes:        r.uints("classes"),
		Mode:           uint32(r.uint("mode")),
		PairedMode:     uint32(r.uint("paired_mode")),
		OwnerEvents:    r.bool("owner_events"),
		Time:           uint32(r.uint("time")),
		Confine:        uint32(r.uint("confine")),
		Cursor:         uint32(r.uint("cursor")),
		EventType:      uint32(r.uint("event_type")),
		Detail:         uint32(r.uint("detail")),
		Modifiers:      uint32(r.uint("modifiers")),
		ModifierDevice: uint32(r.uint("modifier_device")),
		Parent:         uint32(r.uint("parent")),
		Mapped:         r.bool("mapped"),
		Name:           r.string("name"),

		Status:     uint32(r.uint("status")),
		ErrorCode:  uint32(r.uint("error_code")),
		ErrorValue: uint32(r.uint("error_value")),
		Error:      r.string("error"),
		Count:      uint32(r.uint("count")),
		Client:     uint32(r.uint("client")),
		AllClasses: r.uints("all_classes"),
		Union:      r.bytes("union"),
	}
	for _, sub := range r.list("masks") {
		msg.Masks = append(msg.Masks, DeviceMask{
			Device: uint32(sub.uint("device")),
			Len:    uint32(sub.uint("len")),
			Mask:   sub.bytes("mask"),
		})
	}
	if sub, ok := r.lookup("delivery"); ok {
		msg.Delivery = getDelivery(sub)
	}
	if sub, ok := r.lookup("state"); ok {
		msg.State = getState(sub)
	}
	return msg, nil
}

func putDelivery(r record, d *router.Delivery) {
	r.setUint("client", uint64(d.Client))
	r.setUint("window", uint64(d.Window))
	r.setBool("grabbed", d.Grabbed)

	ev := d.Event
	r.setUint("serial", ev.Serial)
	r.setUint("type", uint64(ev.Type))
	r.setUint("device", uint64(ev.Device))
	r.setUint("source", uint64(ev.Source))
	r.setUint("event_window", uint64(ev.Window))
	r.setUint("detail", uint64(ev.Detail))
	r.setUint("modifiers", uint64(ev.Modifiers))
	r.setUint("time", uint64(ev.Time))
	r.setInt("root_x", int64(ev.RootX))
	r.setInt("root_y", int64(ev.RootY))
}

func getDelivery(r record) *router.Delivery {
	return &router.Delivery{
		Client:  protocol.ClientID(r.uint("client")),
		Window:  xproto.Window(r.uint("window")),
		Grabbed: r.bool("grabbed"),
		Event: protocol.Event{
			Serial:    r.uint("serial"),
			Type:      protocol.EventType(r.uint("type")),
			Device:    protocol.DeviceID(r.uint("device")),
			Source:    protocol.DeviceID(r.uint("source")),
			Window:    xproto.Window(r.uint("event_window")),
			Detail:    protocol.Detail(r.uint("detail")),
			Modifiers: protocol.Modifiers(r.uint("modifiers")),
			Time:      xproto.Timestamp(r.uint("time")),
			RootX:     int16(r.int("root_x")),
			RootY:     int16(r.int("root_y")),
		},
	}
}

// ErrWrongType is returned by the Get* extractors for a message of another type.
var ErrWrongType = errors.New("unexpected message type")

func expect(msg *Message, t MessageType) error {
	if msg.Type != t {
		return fmt.Errorf("%w: want %s, got %s", ErrWrongType, t, msg.Type)
	}
	return nil
}

func toClasses(cs []mask.Class) []uint32 {
	out := make([]uint32, len(cs))
	for i, c := range cs {
		out[i] = uint32(c)
	}
	return out
}

func fromClasses(vs []uint32) []mask.Class {
	if len(vs) == 0 {
		return nil
	}
	out := make([]mask.Class, len(vs))
	for i, v := range vs {
		out[i] = mask.Class(v)
	}
	return out
}

// NewHelloMessage announces a client by name.
func NewHelloMessage(name string) *Message {
	return &Message{Type: MessageTypeHello, Name: name}
}

// NewSelectMessage selects extended events on a window.
func NewSelectMessage(win xproto.Window, masks []server.WireMask) *Message {
	msg := &Message{Type: MessageTypeSelect, Window: uint32(win)}
	for _, m := range masks {
		msg.Masks = append(msg.Masks, DeviceMask{Device: uint32(m.Device), Len: uint32(m.Len), Mask: m.Bytes})
	}
	return msg
}

// GetSelect extracts a select request.
func GetSelect(msg *Message) (xproto.Window, []server.WireMask, error) {
	if err := expect(msg, MessageTypeSelect); err != nil {
		return 0, nil, err
	}
	masks := make([]server.WireMask, 0, len(msg.Masks))
	for _, m := range msg.Masks {
		masks = append(masks, server.WireMask{Device: protocol.DeviceID(m.Device), Len: int(m.Len), Bytes: m.Mask})
	}
	return xproto.Window(msg.Window), masks, nil
}

// NewSelectClassesMessage selects legacy events on a window.
func NewSelectClassesMessage(win xproto.Window, classes []mask.Class) *Message {
	return &Message{Type: MessageTypeSelectClasses, Window: uint32(win), Classes: toClasses(classes)}
}

// GetSelectClasses extracts a legacy select request.
func GetSelectClasses(msg *Message) (xproto.Window, []mask.Class, error) {
	if err := expect(msg, MessageTypeSelectClasses); err != nil {
		return 0, nil, err
	}
	return xproto.Window(msg.Window), fromClasses(msg.Classes), nil
}

// NewGetSelectedMessage queries extended selections on a window.
func NewGetSelectedMessage(win xproto.Window) *Message {
	return &Message{Type: MessageTypeGetSelected, Window: uint32(win)}
}

// NewGetSelectedClassesMessage queries legacy selections on a window.
func NewGetSelectedClassesMessage(win xproto.Window) *Message {
	return &Message{Type: MessageTypeGetSelectedClasses, Window: uint32(win)}
}

// NewDontPropagateMessage changes a window's suppression list.
func NewDontPropagateMessage(win xproto.Window, classes []mask.Class, mode protocol.ModeFlag) *Message {
	return &Message{Type: MessageTypeDontPropagate, Window: uint32(win), Classes: toClasses(classes), Mode: uint32(mode)}
}

// NewGetDontPropagateMessage queries a window's suppression list.
func NewGetDontPropagateMessage(win xproto.Window) *Message {
	return &Message{Type: MessageTypeGetDontPropagate, Window: uint32(win)}
}

// NewGrabDeviceMessage requests an explicit grab.
func NewGrabDeviceMessage(req server.GrabRequest) *Message {
	msg := &Message{
		Type:        MessageTypeGrabDevice,
		Generation:  uint32(req.Generation),
		Device:      uint32(req.Device),
		Window:      uint32(req.Window),
		Mode:        uint32(req.ModeSelf),
		PairedMode:  uint32(req.ModePaired),
		OwnerEvents: req.OwnerEvents,
		Time:        uint32(req.Time),
		Confine:     uint32(req.Confine),
		Cursor:      uint32(req.Cursor),
		Classes:     toClasses(req.Classes),
	}
	if req.Generation == protocol.Extended {
		msg.Masks = []DeviceMask{{Device: uint32(req.Device), Len: uint32(req.MaskLen), Mask: req.Mask}}
	}
	return msg
}

func singleMask(msg *Message) ([]byte, int) {
	if len(msg.Masks) == 0 {
		return nil, 0
	}
	return msg.Masks[0].Mask, int(msg.Masks[0].Len)
}

// GetGrabDevice extracts an explicit grab request.
func GetGrabDevice(msg *Message) (server.GrabRequest, error) {
	if err := expect(msg, MessageTypeGrabDevice); err != nil {
		return server.GrabRequest{}, err
	}
	wire, n := singleMask(msg)
	return server.GrabRequest{
		Generation:  protocol.Generation(msg.Generation),
		Device:      protocol.DeviceID(msg.Device),
		Window:      xproto.Window(msg.Window),
		ModeSelf:    protocol.GrabMode(msg.Mode),
		ModePaired:  protocol.GrabMode(msg.PairedMode),
		OwnerEvents: msg.OwnerEvents,
		Time:        xproto.Timestamp(msg.Time),
		Confine:     xproto.Window(msg.Confine),
		Cursor:      xproto.Cursor(msg.Cursor),
		Mask:        wire,
		MaskLen:     n,
		Classes:     fromClasses(msg.Classes),
	}, nil
}

// NewUngrabDeviceMessage releases an explicit grab.
func NewUngrabDeviceMessage(dev protocol.DeviceID, gen protocol.Generation, t xproto.Timestamp) *Message {
	return &Message{Type: MessageTypeUngrabDevice, Device: uint32(dev), Generation: uint32(gen), Time: uint32(t)}
}

// NewAllowEventsMessage releases frozen events.
func NewAllowEventsMessage(dev protocol.DeviceID, mode protocol.AllowMode, t xproto.Timestamp) *Message {
	return &Message{Type: MessageTypeAllowEvents, Device: uint32(dev), Mode: uint32(mode), Time: uint32(t)}
}

// NewGrabPassiveMessage installs a passive grab.
func NewGrabPassiveMessage(req server.PassiveGrabRequest) *Message {
	msg := &Message{
		Type:           MessageTypeGrabPassive,
		Generation:     uint32(req.Generation),
		Device:         uint32(req.Device),
		ModifierDevice: uint32(req.ModifierDevice),
		Window:         uint32(req.Window),
		EventType:      uint32(req.Type),
		Detail:         uint32(req.Detail),
		Modifiers:      uint32(req.Modifiers),
		Mode:           uint32(req.ModeSelf),
		PairedMode:     uint32(req.ModePaired),
		OwnerEvents:    req.OwnerEvents,
		Confine:        uint32(req.Confine),
		Cursor:         uint32(req.Cursor),
		Classes:        toClasses(req.Classes),
	}
	if req.Generation == protocol.Extended {
		msg.Masks = []DeviceMask{{Device: uint32(req.Device), Len: uint32(req.MaskLen), Mask: req.Mask}}
	}
	return msg
}

// GetGrabPassive extracts a passive grab request.
func GetGrabPassive(msg *Message) (server.PassiveGrabRequest, error) {
	if err := expect(msg, MessageTypeGrabPassive); err != nil {
		return server.PassiveGrabRequest{}, err
	}
	wire, n := singleMask(msg)
	return server.PassiveGrabRequest{
		Generation:     protocol.Generation(msg.Generation),
		Device:         protocol.DeviceID(msg.Device),
		ModifierDevice: protocol.DeviceID(msg.ModifierDevice),
		Window:         xproto.Window(msg.Window),
		Type:           protocol.EventType(msg.EventType),
		Detail:         protocol.Detail(msg.Detail),
		Modifiers:      protocol.Modifiers(msg.Modifiers),
		ModeSelf:       protocol.GrabMode(msg.Mode),
		ModePaired:     protocol.GrabMode(msg.PairedMode),
		OwnerEvents:    msg.OwnerEvents,
		Confine:        xproto.Window(msg.Confine),
		Cursor:         xproto.Cursor(msg.Cursor),
		Mask:           wire,
		MaskLen:        n,
		Classes:        fromClasses(msg.Classes),
	}, nil
}

// NewUngrabPassiveMessage releases passive grabs.
func NewUngrabPassiveMessage(win xproto.Window, c passive.Criteria) *Message {
	return &Message{
		Type:           MessageTypeUngrabPassive,
		Window:         uint32(win),
		Generation:     uint32(c.Generation),
		Device:         uint32(c.Device),
		ModifierDevice: uint32(c.ModifierDevice),
		EventType:      uint32(c.Type),
		Detail:         uint32(c.Detail),
		Modifiers:      uint32(c.Modifiers),
	}
}

// GetUngrabPassive extracts a passive ungrab request.
func GetUngrabPassive(msg *Message) (xproto.Window, passive.Criteria, error) {
	if err := expect(msg, MessageTypeUngrabPassive); err != nil {
		return 0, passive.Criteria{}, err
	}
	return xproto.Window(msg.Window), passive.Criteria{
		Generation:     protocol.Generation(msg.Generation),
		Device:         protocol.DeviceID(msg.Device),
		ModifierDevice: protocol.DeviceID(msg.ModifierDevice),
		Type:           protocol.EventType(msg.EventType),
		Detail:         protocol.Detail(msg.Detail),
		Modifiers:      protocol.Modifiers(msg.Modifiers),
	}, nil
}

// NewInjectMessage feeds a synthetic hardware event.
func NewInjectMessage(ev protocol.Event) *Message {
	return &Message{Type: MessageTypeInject, Delivery: &router.Delivery{Event: ev}}
}

// GetInject extracts the event of an inject request.
func GetInject(msg *Message) (protocol.Event, error) {
	if err := expect(msg, MessageTypeInject); err != nil {
		return protocol.Event{}, err
	}
	if msg.Delivery == nil {
		return protocol.Event{}, fmt.Errorf("inject without an event")
	}
	return msg.Delivery.Event, nil
}

// NewCreateWindowMessage creates a window.
func NewCreateWindowMessage(id, parent xproto.Window, mapped bool) *Message {
	return &Message{Type: MessageTypeCreateWindow, Window: uint32(id), Parent: uint32(parent), Mapped: mapped}
}

// NewMapWindowMessage maps or unmaps a window.
func NewMapWindowMessage(id xproto.Window, mapped bool) *Message {
	return &Message{Type: MessageTypeMapWindow, Window: uint32(id), Mapped: mapped}
}

// NewDestroyWindowMessage destroys a window.
func NewDestroyWindowMessage(id xproto.Window) *Message {
	return &Message{Type: MessageTypeDestroyWindow, Window: uint32(id)}
}

// NewStateMessage requests a state dump.
func NewStateMessage() *Message {
	return &Message{Type: MessageTypeState}
}

// NewBreakGrabsMessage releases every active grab.
func NewBreakGrabsMessage() *Message {
	return &Message{Type: MessageTypeBreakGrabs}
}

// NewEventMessage pushes a delivery to its client.
func NewEventMessage(d router.Delivery) *Message {
	return &Message{Type: MessageTypeEvent, Delivery: &d}
}

// GetEvent extracts a pushed delivery.
func GetEvent(msg *Message) (router.Delivery, error) {
	if err := expect(msg, MessageTypeEvent); err != nil {
		return router.Delivery{}, err
	}
	if msg.Delivery == nil {
		return router.Delivery{}, fmt.Errorf("event frame without a delivery")
	}
	return *msg.Delivery, nil
}

// NewReply creates the reply to req.
func NewReply(req *Message) *Message {
	return &Message{Type: MessageTypeReply, Seq: req.Seq}
}

// NewErrorReply creates a reply carrying err. Protocol errors keep their code
// and value.
func NewErrorReply(req *Message, err error) *Message {
	reply := NewReply(req)
	reply.Error = err.Error()
	if code, value, ok := protocol.CodeOf(err); ok {
		reply.ErrorCode = uint32(code)
		reply.ErrorValue = value
	}
	return reply
}

// ReplyError turns an error reply back into an error. Protocol errors come
// back as *protocol.Error.
func ReplyError(reply *Message) error {
	if reply.ErrorCode != 0 {
		return &protocol.Error{Code: protocol.ErrorCode(reply.ErrorCode), Value: reply.ErrorValue, Op: "server"}
	}
	if reply.Error != "" {
		return fmt.Errorf("server error: %s", reply.Error)
	}
	return nil
}
