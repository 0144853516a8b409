// Package scenario runs scripted request and event sequences against an
// in-process core and checks what gets delivered.
package scenario

import (
	"fmt"
	"os"

	"github.com/bnema/xigrab/internal/config"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted session. Devices default to the core pointer and
// keyboard pair; windows are created by the server before the first step.
type Scenario struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Root        uint32                `yaml:"root"`
	Start       uint32                `yaml:"start"`
	Devices     []config.DeviceConfig `yaml:"devices"`
	Windows     []config.WindowConfig `yaml:"windows"`
	Steps       []Step                `yaml:"steps"`
}

// Step is one action followed by the checks made after it. Every field but
// Client is optional; a step without an action only checks.
type Step struct {
	Client  uint32 `yaml:"client"`
	Comment string `yaml:"comment"`
	Advance uint32 `yaml:"advance"`

	Create        *WindowSpec    `yaml:"create"`
	Map           *MapSpec       `yaml:"map"`
	Destroy       uint32         `yaml:"destroy"`
	Select        *SelectSpec    `yaml:"select"`
	DontPropagate *PropagateSpec `yaml:"dont_propagate"`
	Grab          *GrabSpec      `yaml:"grab"`
	Ungrab        *UngrabSpec    `yaml:"ungrab"`
	Allow         *AllowSpec     `yaml:"allow"`
	PassiveGrab   *PassiveSpec   `yaml:"passive_grab"`
	PassiveUngrab *PassiveSpec   `yaml:"passive_ungrab"`
	Inject        *EventSpec     `yaml:"inject"`
	Disconnect    bool           `yaml:"disconnect"`
	RemoveDevice  uint16         `yaml:"remove_device"`
	BreakGrabs    bool           `yaml:"break_grabs"`

	// Status is the expected grab status name, e.g. AlreadyGrabbed.
	Status string `yaml:"status"`
	// Error is the expected protocol error name, e.g. BadAccess.
	Error string `yaml:"error"`
	// Expect lists the deliveries made since the previous expect, in order.
	// An empty list asserts nothing was delivered.
	Expect *[]DeliverySpec `yaml:"expect"`
	State  []DeviceCheck   `yaml:"state"`
}

// WindowSpec creates a window owned by the step's client.
type WindowSpec struct {
	ID     uint32 `yaml:"id"`
	Parent uint32 `yaml:"parent"`
	Mapped bool   `yaml:"mapped"`
}

type MapSpec struct {
	Window uint32 `yaml:"window"`
	Mapped bool   `yaml:"mapped"`
}

// SelectSpec selects events on a window. Legacy selections are sent as a
// class list for Device.
type SelectSpec struct {
	Window uint32   `yaml:"window"`
	Device uint16   `yaml:"device"`
	Events []string `yaml:"events"`
	Legacy bool     `yaml:"legacy"`
}

type PropagateSpec struct {
	Window uint32   `yaml:"window"`
	Device uint16   `yaml:"device"`
	Events []string `yaml:"events"`
	Delete bool     `yaml:"delete"`
}

// GrabSpec describes an explicit grab. Modes are "sync" or "async" and
// default to async.
type GrabSpec struct {
	Device      uint16   `yaml:"device"`
	Window      uint32   `yaml:"window"`
	Legacy      bool     `yaml:"legacy"`
	Mode        string   `yaml:"mode"`
	PairedMode  string   `yaml:"paired_mode"`
	OwnerEvents bool     `yaml:"owner_events"`
	Time        uint32   `yaml:"time"`
	Confine     uint32   `yaml:"confine"`
	Events      []string `yaml:"events"`
}

type UngrabSpec struct {
	Device uint16 `yaml:"device"`
	Legacy bool   `yaml:"legacy"`
	Time   uint32 `yaml:"time"`
}

// AllowSpec releases frozen events. Mode is an AllowEvents mode name such as
// ReplayThisDevice.
type AllowSpec struct {
	Device uint16 `yaml:"device"`
	Mode   string `yaml:"mode"`
	Time   uint32 `yaml:"time"`
}

// PassiveSpec describes a passive grab. A missing Modifiers means any
// modifiers; a zero Detail means any detail.
type PassiveSpec struct {
	GrabSpec       `yaml:",inline"`
	Type           string  `yaml:"type"`
	Detail         uint32  `yaml:"detail"`
	Modifiers      *uint32 `yaml:"modifiers"`
	ModifierDevice uint16  `yaml:"modifier_device"`
}

// EventSpec is a synthetic hardware event. A zero window means the root.
type EventSpec struct {
	Type      string `yaml:"type"`
	Device    uint16 `yaml:"device"`
	Source    uint16 `yaml:"source"`
	Window    uint32 `yaml:"window"`
	Detail    uint32 `yaml:"detail"`
	Modifiers uint32 `yaml:"modifiers"`
	X         int16  `yaml:"x"`
	Y         int16  `yaml:"y"`
}

// DeliverySpec matches one delivery. Zero fields other than Client and Type
// match anything.
type DeliverySpec struct {
	Client  uint32 `yaml:"client"`
	Type    string `yaml:"type"`
	Window  uint32 `yaml:"window"`
	Device  uint16 `yaml:"device"`
	Detail  uint32 `yaml:"detail"`
	Grabbed *bool  `yaml:"grabbed"`
}

// DeviceCheck asserts a device's grab state.
type DeviceCheck struct {
	Device  uint16 `yaml:"device"`
	Grabbed *bool  `yaml:"grabbed"`
	Owner   uint32 `yaml:"owner"`
	Passive *bool  `yaml:"passive"`
	Frozen  *bool  `yaml:"frozen"`
	Freeze  string `yaml:"freeze"`
	Queued  *int   `yaml:"queued"`
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and checks a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if sc.Root == 0 {
		sc.Root = config.DefaultConfig.Server.RootWindow
	}
	if sc.Start == 0 {
		sc.Start = 1000
	}
	if len(sc.Devices) == 0 {
		sc.Devices = config.DefaultConfig.Devices
	}
	for i, st := range sc.Steps {
		if n := st.actions(); n > 1 {
			return nil, fmt.Errorf("step %d: %d actions, at most one allowed", i+1, n)
		}
	}
	return &sc, nil
}

func (s *Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Create != nil, s.Map != nil, s.Destroy != 0, s.Select != nil,
		s.DontPropagate != nil, s.Grab != nil, s.Ungrab != nil, s.Allow != nil,
		s.PassiveGrab != nil, s.PassiveUngrab != nil, s.Inject != nil,
		s.Disconnect, s.RemoveDevice != 0, s.BreakGrabs,
	} {
		if set {
			n++
		}
	}
	return n
}
