// Package setup runs the interactive prompts for editing the startup device
// table.
package setup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/device"
	"github.com/bnema/xigrab/internal/server"
	"github.com/charmbracelet/huh"
)

// DeviceSetup builds a new device entry against the configured devices.
type DeviceSetup struct {
	existing []config.DeviceConfig

	id       string
	name     string
	use      string
	caps     []string
	paired   uint16
	attached uint16
}

// NewDeviceSetup creates a setup for devices next to existing.
func NewDeviceSetup(existing []config.DeviceConfig) *DeviceSetup {
	return &DeviceSetup{
		existing: existing,
		id:       strconv.Itoa(int(nextID(existing))),
		use:      device.SlavePointer.String(),
	}
}

// nextID returns the lowest id above every configured device.
func nextID(devices []config.DeviceConfig) uint16 {
	id := uint16(2)
	for _, d := range devices {
		if d.ID >= id {
			id = d.ID + 1
		}
	}
	return id
}

// validateID checks s is a free device id.
func (ds *DeviceSetup) validateID(s string) error {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return fmt.Errorf("not a device id")
	}
	if n < 2 {
		return fmt.Errorf("ids 0 and 1 are reserved")
	}
	for _, d := range ds.existing {
		if uint64(d.ID) == n {
			return fmt.Errorf("device %d already exists", n)
		}
	}
	return nil
}

// masterOptions lists configured masters of the given use, plus none.
func (ds *DeviceSetup) masterOptions(use device.Use) []huh.Option[uint16] {
	opts := []huh.Option[uint16]{huh.NewOption("none", uint16(0))}
	for _, d := range ds.existing {
		if d.Use == use.String() {
			opts = append(opts, huh.NewOption(fmt.Sprintf("%d %s", d.ID, d.Name), d.ID))
		}
	}
	return opts
}

func useOptions() []huh.Option[string] {
	var opts []huh.Option[string]
	for u := device.MasterPointer; u <= device.FloatingSlave; u++ {
		opts = append(opts, huh.NewOption(u.String(), u.String()))
	}
	return opts
}

// Form returns the prompts. The second group only shows for slaves, the
// third only for masters.
func (ds *DeviceSetup) Form() *huh.Form {
	isMaster := func() bool {
		u, ok := device.ParseUse(ds.use)
		return ok && u.IsMaster()
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Device ID").
				Value(&ds.id).
				Validate(ds.validateID),
			huh.NewInput().
				Title("Name").
				Value(&ds.name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("name is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Use").
				Options(useOptions()...).
				Value(&ds.use),
			huh.NewMultiSelect[string]().
				Title("Capabilities").
				Options(huh.NewOptions("pointer", "keyboard", "valuator", "touch")...).
				Value(&ds.caps),
		),
		huh.NewGroup(
			huh.NewSelect[uint16]().
				Title("Attach to master").
				OptionsFunc(func() []huh.Option[uint16] {
					if ds.use == device.SlaveKeyboard.String() {
						return ds.masterOptions(device.MasterKeyboard)
					}
					return ds.masterOptions(device.MasterPointer)
				}, &ds.use).
				Value(&ds.attached),
		).WithHideFunc(func() bool { return isMaster() || ds.use == device.FloatingSlave.String() }),
		huh.NewGroup(
			huh.NewSelect[uint16]().
				Title("Paired master").
				OptionsFunc(func() []huh.Option[uint16] {
					if ds.use == device.MasterKeyboard.String() {
						return ds.masterOptions(device.MasterPointer)
					}
					return ds.masterOptions(device.MasterKeyboard)
				}, &ds.use).
				Value(&ds.paired),
		).WithHideFunc(func() bool { return !isMaster() }),
	)
}

// Device returns the entry built from the answers.
func (ds *DeviceSetup) Device() (config.DeviceConfig, error) {
	if err := ds.validateID(ds.id); err != nil {
		return config.DeviceConfig{}, err
	}
	id, _ := strconv.ParseUint(strings.TrimSpace(ds.id), 10, 16)

	dc := config.DeviceConfig{
		ID:   uint16(id),
		Name: strings.TrimSpace(ds.name),
		Use:  ds.use,
		Caps: ds.caps,
	}
	u, _ := device.ParseUse(ds.use)
	switch {
	case u.IsMaster():
		dc.Paired = ds.paired
	case u != device.FloatingSlave:
		dc.Attached = ds.attached
	}

	if _, err := server.DeviceFromConfig(dc); err != nil {
		return config.DeviceConfig{}, err
	}
	return dc, nil
}

// Run prompts for a device and returns it.
func (ds *DeviceSetup) Run() (config.DeviceConfig, error) {
	if err := ds.Form().Run(); err != nil {
		return config.DeviceConfig{}, fmt.Errorf("device setup cancelled: %w", err)
	}
	return ds.Device()
}
