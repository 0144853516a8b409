package ipc

import (
	"fmt"
	"slices"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

const schemaPackage = "xigrab.ipc"

// The IPC schema. Messages are built from these descriptors at startup and
// marshalled with proto.Marshal, so the wire format is plain proto3.
// Embedded messages are reached through their parent's fields, so only the
// top-level descriptor is kept.
var (
	ipcFile     = mustBuildSchema()
	messageDesc = ipcFile.Messages().ByName("Message")
)

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	tUint32 = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	tUint64 = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	tSint32 = descriptorpb.FieldDescriptorProto_TYPE_SINT32
	tSint64 = descriptorpb.FieldDescriptorProto_TYPE_SINT64
	tBool   = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tString = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBytes  = descriptorpb.FieldDescriptorProto_TYPE_BYTES
)

func scalar(name string, num int32, typ fieldType) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func nested(name string, num int32, msg string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, num, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = proto.String("." + schemaPackage + "." + msg)
	return f
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func schemaProto() *descriptorpb.FileDescriptorProto {
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("xigrab/ipc.proto"),
		Package: proto.String(schemaPackage),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			message("Message",
				scalar("type", 1, tUint32),
				scalar("seq", 2, tUint32),
				scalar("window", 3, tUint32),
				scalar("device", 4, tUint32),
				scalar("generation", 5, tUint32),
				repeated(nested("masks", 6, "DeviceMask")),
				repeated(scalar("classes", 7, tUint32)),
				scalar("mode", 8, tUint32),
				scalar("paired_mode", 9, tUint32),
				scalar("owner_events", 10, tBool),
				scalar("time", 11, tUint32),
				scalar("confine", 12, tUint32),
				scalar("cursor", 13, tUint32),
				scalar("event_type", 14, tUint32),
				scalar("detail", 15, tUint32),
				scalar("modifiers", 16, tUint32),
				scalar("modifier_device", 17, tUint32),
				scalar("parent", 18, tUint32),
				scalar("mapped", 19, tBool),
				scalar("name", 20, tString),

				scalar("status", 30, tUint32),
				scalar("error_code", 31, tUint32),
				scalar("error_value", 32, tUint32),
				scalar("error", 33, tString),
				scalar("count", 34, tUint32),
				scalar("client", 35, tUint32),
				repeated(scalar("all_classes", 36, tUint32)),
				scalar("union", 37, tBytes),
				nested("delivery", 38, "Delivery"),
				nested("state", 39, "State"),
			),
			message("DeviceMask",
				scalar("device", 1, tUint32),
				scalar("len", 2, tUint32),
				scalar("mask", 3, tBytes),
			),
			message("Delivery",
				scalar("client", 1, tUint32),
				scalar("window", 2, tUint32),
				scalar("grabbed", 3, tBool),
				scalar("serial", 4, tUint64),
				scalar("type", 5, tUint32),
				scalar("device", 6, tUint32),
				scalar("source", 7, tUint32),
				scalar("event_window", 8, tUint32),
				scalar("detail", 9, tUint32),
				scalar("modifiers", 10, tUint32),
				scalar("time", 11, tUint32),
				scalar("root_x", 12, tSint32),
				scalar("root_y", 13, tSint32),
			),
			message("State",
				scalar("time", 1, tUint32),
				scalar("serial", 2, tUint64),
				repeated(nested("devices", 3, "DeviceState")),
				repeated(nested("windows", 4, "WindowState")),
				repeated(nested("clients", 5, "Client")),
			),
			message("DeviceState",
				scalar("id", 1, tUint32),
				scalar("name", 2, tString),
				scalar("use", 3, tUint32),
				scalar("caps", 4, tUint32),
				scalar("enabled", 5, tBool),
				scalar("paired", 6, tUint32),
				scalar("attached", 7, tUint32),
				scalar("grabbed", 8, tBool),
				scalar("grab_client", 9, tUint32),
				scalar("grab_window", 10, tUint32),
				scalar("grab_passive", 11, tBool),
				scalar("freeze", 12, tUint32),
				scalar("frozen", 13, tBool),
				scalar("queued", 14, tUint32),
			),
			message("WindowState",
				scalar("id", 1, tUint32),
				scalar("parent", 2, tUint32),
				scalar("viewable", 3, tBool),
				repeated(nested("subscriptions", 4, "Subscription")),
				repeated(nested("dont_propagate", 5, "DeviceMask")),
				repeated(nested("passive_grabs", 6, "PassiveGrab")),
			),
			message("Subscription",
				scalar("client", 1, tUint32),
				scalar("device", 2, tUint32),
				scalar("generation", 3, tUint32),
				scalar("mask", 4, tBytes),
			),
			message("PassiveGrab",
				scalar("client", 1, tUint32),
				scalar("generation", 2, tUint32),
				scalar("device", 3, tUint32),
				scalar("modifier_device", 4, tUint32),
				scalar("type", 5, tUint32),
				scalar("detail", 6, tUint32),
				scalar("modifiers", 7, tUint32),
				scalar("mode", 8, tUint32),
				scalar("paired_mode", 9, tUint32),
				scalar("owner_events", 10, tBool),
				scalar("mask", 11, tBytes),
				scalar("confine", 12, tUint32),
				scalar("cursor", 13, tUint32),
			),
			message("Client",
				scalar("id", 1, tUint32),
				scalar("name", 2, tString),
				scalar("address", 3, tString),
				scalar("connected_at", 4, tSint64), // unix nanoseconds
			),
		},
	}
}

func mustBuildSchema() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(schemaProto(), nil)
	if err != nil {
		panic(fmt.Sprintf("ipc: invalid schema: %v", err))
	}
	return fd
}

// record gives name-based access to a dynamic message. Unknown names panic:
// they can only come from a typo against the schema above.
type record struct {
	m protoreflect.Message
}

func newRecord(md protoreflect.MessageDescriptor) record {
	return record{m: dynamicpb.NewMessage(md)}
}

func (r record) field(name string) protoreflect.FieldDescriptor {
	fd := r.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("ipc: %s has no field %q", r.m.Descriptor().FullName(), name))
	}
	return fd
}

func (r record) setUint(name string, v uint64) {
	fd := r.field(name)
	if fd.Kind() == protoreflect.Uint64Kind {
		r.m.Set(fd, protoreflect.ValueOfUint64(v))
		return
	}
	r.m.Set(fd, protoreflect.ValueOfUint32(uint32(v)))
}

func (r record) setInt(name string, v int64) {
	fd := r.field(name)
	if fd.Kind() == protoreflect.Sint64Kind {
		r.m.Set(fd, protoreflect.ValueOfInt64(v))
		return
	}
	r.m.Set(fd, protoreflect.ValueOfInt32(int32(v)))
}

func (r record) setBool(name string, v bool) {
	r.m.Set(r.field(name), protoreflect.ValueOfBool(v))
}

func (r record) setString(name, v string) {
	r.m.Set(r.field(name), protoreflect.ValueOfString(v))
}

func (r record) setBytes(name string, v []byte) {
	if len(v) == 0 {
		return
	}
	r.m.Set(r.field(name), protoreflect.ValueOfBytes(v))
}

func (r record) setUints(name string, vs []uint32) {
	if len(vs) == 0 {
		return
	}
	list := r.m.Mutable(r.field(name)).List()
	for _, v := range vs {
		list.Append(protoreflect.ValueOfUint32(v))
	}
}

// sub returns the embedded message name, creating it.
func (r record) sub(name string) record {
	return record{m: r.m.Mutable(r.field(name)).Message()}
}

// add appends a new element to the repeated message name and returns it.
func (r record) add(name string) record {
	list := r.m.Mutable(r.field(name)).List()
	elem := list.NewElement()
	list.Append(elem)
	return record{m: elem.Message()}
}

func (r record) uint(name string) uint64 {
	return r.m.Get(r.field(name)).Uint()
}

func (r record) int(name string) int64 {
	return r.m.Get(r.field(name)).Int()
}

func (r record) bool(name string) bool {
	return r.m.Get(r.field(name)).Bool()
}

func (r record) string(name string) string {
	return r.m.Get(r.field(name)).String()
}

func (r record) bytes(name string) []byte {
	b := r.m.Get(r.field(name)).Bytes()
	if len(b) == 0 {
		return nil
	}
	return slices.Clone(b)
}

func (r record) uints(name string) []uint32 {
	list := r.m.Get(r.field(name)).List()
	if list.Len() == 0 {
		return nil
	}
	out := make([]uint32, list.Len())
	for i := range out {
		out[i] = uint32(list.Get(i).Uint())
	}
	return out
}

// lookup returns the embedded message name if it is set.
func (r record) lookup(name string) (record, bool) {
	fd := r.field(name)
	if !r.m.Has(fd) {
		return record{}, false
	}
	return record{m: r.m.Get(fd).Message()}, true
}

// list returns the elements of the repeated message name.
func (r record) list(name string) []record {
	l := r.m.Get(r.field(name)).List()
	out := make([]record, l.Len())
	for i := range out {
		out[i] = record{m: l.Get(i).Message()}
	}
	return out
}

func (r record) marshal() ([]byte, error) {
	return proto.Marshal(r.m.Interface())
}

func unmarshalRecord(b []byte, md protoreflect.MessageDescriptor) (record, error) {
	r := newRecord(md)
	if err := proto.Unmarshal(b, r.m.Interface()); err != nil {
		return record{}, err
	}
	return r, nil
}
