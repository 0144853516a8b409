package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/xigrab/internal/config"
	"github.com/bnema/xigrab/internal/logger"
	"github.com/bnema/xigrab/internal/mask"
	"github.com/bnema/xigrab/internal/passive"
	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/router"
	"github.com/bnema/xigrab/internal/server"
	"github.com/jezek/xgb/xproto"
)

// Failure is one unmet expectation.
type Failure struct {
	Step    int
	Message string
}

func (f Failure) String() string {
	return fmt.Sprintf("step %d: %s", f.Step, f.Message)
}

// Result summarizes a run.
type Result struct {
	Name       string
	Steps      int
	Deliveries []router.Delivery
	Failures   []Failure
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool {
	return len(r.Failures) == 0
}

type runner struct {
	clock     *server.ManualClock
	core      *server.Core
	pending   []router.Delivery
	result    *Result
	step      int
	onDeliver func(router.Delivery)
}

// Run executes sc against a fresh core. onDeliver, if set, sees every
// delivery as it is made. Malformed steps abort the run with an error; unmet
// expectations are collected in the result.
func Run(sc *Scenario, onDeliver func(router.Delivery)) (*Result, error) {
	r := &runner{
		clock:     server.NewManualClock(xproto.Timestamp(sc.Start)),
		result:    &Result{Name: sc.Name},
		onDeliver: onDeliver,
	}
	r.core = server.NewCore(xproto.Window(sc.Root), r.clock, server.NewClientManager(0), router.DelivererFunc(r.deliver))

	if err := server.Seed(r.core, &config.Config{Devices: sc.Devices, Windows: sc.Windows}); err != nil {
		return nil, fmt.Errorf("failed to set up scenario %q: %w", sc.Name, err)
	}

	for i := range sc.Steps {
		r.step = i + 1
		if err := r.run(&sc.Steps[i]); err != nil {
			return r.result, fmt.Errorf("step %d: %w", r.step, err)
		}
		r.result.Steps++
	}
	return r.result, nil
}

func (r *runner) deliver(_ protocol.ClientID, d router.Delivery) {
	r.pending = append(r.pending, d)
	r.result.Deliveries = append(r.result.Deliveries, d)
	if r.onDeliver != nil {
		r.onDeliver(d)
	}
}

func (r *runner) failf(format string, args ...any) {
	f := Failure{Step: r.step, Message: fmt.Sprintf(format, args...)}
	logger.Debugf("scenario %s", f)
	r.result.Failures = append(r.result.Failures, f)
}

func (r *runner) run(st *Step) error {
	r.clock.Advance(st.Advance)

	out, err := r.act(st)
	if err != nil {
		return err
	}

	r.checkError(st, out.err)
	if st.Status != "" {
		status := out.status
		if status == nil {
			return fmt.Errorf("status expectation on a step without a grab")
		}
		if status.String() != st.Status {
			r.failf("grab status %s, want %s", status, st.Status)
		}
	}
	if st.Expect != nil {
		r.checkDeliveries(*st.Expect)
	}
	return r.checkState(st.State)
}

// outcome is what the core answered to a step's action.
type outcome struct {
	status *protocol.GrabStatus
	err    error
}

// act performs the step's action. The error is for malformed steps only.
func (r *runner) act(st *Step) (outcome, error) {
	var out outcome
	client := protocol.ClientID(st.Client)

	switch {
	case st.Create != nil:
		parent := xproto.Window(st.Create.Parent)
		if parent == xproto.WindowNone {
			parent = r.core.Root()
		}
		out.err = r.core.CreateWindow(client, xproto.Window(st.Create.ID), parent, st.Create.Mapped)

	case st.Map != nil:
		out.err = r.core.MapWindow(xproto.Window(st.Map.Window), st.Map.Mapped)

	case st.Destroy != 0:
		out.err = r.core.DestroyWindow(xproto.Window(st.Destroy))

	case st.Select != nil:
		s := st.Select
		m, err := parseMask(s.Events)
		if err != nil {
			return out, err
		}
		dev := protocol.DeviceID(s.Device)
		if s.Legacy {
			out.err = r.core.SelectExtensionEvent(client, xproto.Window(s.Window), mask.EncodeClassList(dev, m))
		} else {
			out.err = r.core.SelectEvents(client, xproto.Window(s.Window), []server.WireMask{{Device: dev, Len: mask.WireUnits, Bytes: m.ToWire()}})
		}

	case st.DontPropagate != nil:
		p := st.DontPropagate
		m, err := parseMask(p.Events)
		if err != nil {
			return out, err
		}
		mode := protocol.AddToList
		if p.Delete {
			mode = protocol.DeleteFromList
		}
		out.err = r.core.ChangeDeviceDontPropagateList(xproto.Window(p.Window), mask.EncodeClassList(protocol.DeviceID(p.Device), m), mode)

	case st.Grab != nil:
		req, err := grabRequest(st.Grab)
		if err != nil {
			return out, err
		}
		s, e := r.core.GrabDevice(client, req)
		out.status, out.err = &s, e

	case st.Ungrab != nil:
		out.err = r.core.UngrabDevice(client, protocol.DeviceID(st.Ungrab.Device), generation(st.Ungrab.Legacy), xproto.Timestamp(st.Ungrab.Time))

	case st.Allow != nil:
		mode, err := parseAllowMode(st.Allow.Mode)
		if err != nil {
			return out, err
		}
		out.err = r.core.AllowEvents(client, protocol.DeviceID(st.Allow.Device), mode, xproto.Timestamp(st.Allow.Time))

	case st.PassiveGrab != nil:
		req, err := passiveRequest(st.PassiveGrab)
		if err != nil {
			return out, err
		}
		out.err = r.core.PassiveGrab(client, req)

	case st.PassiveUngrab != nil:
		req, err := passiveRequest(st.PassiveUngrab)
		if err != nil {
			return out, err
		}
		_, out.err = r.core.PassiveUngrab(client, req.Window, passive.Criteria{
			Generation:     req.Generation,
			Device:         req.Device,
			ModifierDevice: req.ModifierDevice,
			Type:           req.Type,
			Detail:         req.Detail,
			Modifiers:      req.Modifiers,
		})

	case st.Inject != nil:
		ev, err := event(st.Inject)
		if err != nil {
			return out, err
		}
		_, out.err = r.core.InjectEvent(ev)

	case st.Disconnect:
		r.core.ClientGone(client)

	case st.RemoveDevice != 0:
		out.err = r.core.RemoveDevice(protocol.DeviceID(st.RemoveDevice))

	case st.BreakGrabs:
		r.core.BreakGrabs()
	}
	return out, nil
}

func (r *runner) checkError(st *Step, err error) {
	if st.Error == "" {
		if err != nil {
			r.failf("unexpected error: %v", err)
		}
		return
	}
	if err == nil {
		r.failf("no error, want %s", st.Error)
		return
	}
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		r.failf("error %v, want %s", err, st.Error)
		return
	}
	if perr.Code.String() != st.Error {
		r.failf("error %s, want %s", perr.Code, st.Error)
	}
}

func (r *runner) checkDeliveries(want []DeliverySpec) {
	got := r.pending
	r.pending = nil

	if len(got) != len(want) {
		r.failf("%d deliveries, want %d: %s", len(got), len(want), describe(got))
		return
	}
	for i, w := range want {
		if msg := w.mismatch(got[i]); msg != "" {
			r.failf("delivery %d: %s", i+1, msg)
		}
	}
}

func (w DeliverySpec) mismatch(d router.Delivery) string {
	var diffs []string
	if protocol.ClientID(w.Client) != d.Client {
		diffs = append(diffs, fmt.Sprintf("client %d, want %d", d.Client, w.Client))
	}
	if d.Event.Type.String() != w.Type {
		diffs = append(diffs, fmt.Sprintf("type %s, want %s", d.Event.Type, w.Type))
	}
	if w.Window != 0 && xproto.Window(w.Window) != d.Window {
		diffs = append(diffs, fmt.Sprintf("window 0x%x, want 0x%x", uint32(d.Window), w.Window))
	}
	if w.Device != 0 && protocol.DeviceID(w.Device) != d.Event.Device {
		diffs = append(diffs, fmt.Sprintf("device %d, want %d", d.Event.Device, w.Device))
	}
	if w.Detail != 0 && protocol.Detail(w.Detail) != d.Event.Detail {
		diffs = append(diffs, fmt.Sprintf("detail %d, want %d", d.Event.Detail, w.Detail))
	}
	if w.Grabbed != nil && *w.Grabbed != d.Grabbed {
		diffs = append(diffs, fmt.Sprintf("grabbed %v, want %v", d.Grabbed, *w.Grabbed))
	}
	return strings.Join(diffs, ", ")
}

func (r *runner) checkState(checks []DeviceCheck) error {
	if len(checks) == 0 {
		return nil
	}
	st := r.core.Snapshot()
	for _, c := range checks {
		var ds *server.DeviceState
		for i := range st.Devices {
			if st.Devices[i].ID == protocol.DeviceID(c.Device) {
				ds = &st.Devices[i]
			}
		}
		if ds == nil {
			return fmt.Errorf("state check names unknown device %d", c.Device)
		}
		if c.Grabbed != nil && *c.Grabbed != ds.Grabbed {
			r.failf("device %d grabbed %v, want %v", c.Device, ds.Grabbed, *c.Grabbed)
		}
		if c.Owner != 0 && protocol.ClientID(c.Owner) != ds.GrabClient {
			r.failf("device %d owned by %d, want %d", c.Device, ds.GrabClient, c.Owner)
		}
		if c.Passive != nil && *c.Passive != ds.GrabPassive {
			r.failf("device %d passive %v, want %v", c.Device, ds.GrabPassive, *c.Passive)
		}
		if c.Frozen != nil && *c.Frozen != ds.Frozen {
			r.failf("device %d frozen %v, want %v", c.Device, ds.Frozen, *c.Frozen)
		}
		if c.Freeze != "" && ds.Freeze.String() != c.Freeze {
			r.failf("device %d freeze state %s, want %s", c.Device, ds.Freeze, c.Freeze)
		}
		if c.Queued != nil && *c.Queued != ds.Queued {
			r.failf("device %d has %d queued, want %d", c.Device, ds.Queued, *c.Queued)
		}
	}
	return nil
}

func describe(ds []router.Delivery) string {
	if len(ds) == 0 {
		return "none"
	}
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = fmt.Sprintf("%s to %d on 0x%x", d.Event.Type, d.Client, uint32(d.Window))
	}
	return strings.Join(parts, "; ")
}

func generation(legacy bool) protocol.Generation {
	if legacy {
		return protocol.Legacy
	}
	return protocol.Extended
}

func parseMask(names []string) (mask.EventMask, error) {
	var m mask.EventMask
	for _, n := range names {
		t, ok := protocol.ParseEventType(n)
		if !ok {
			return m, fmt.Errorf("unknown event type %q", n)
		}
		m.Set(t)
	}
	return m, nil
}

func parseGrabMode(s string) (protocol.GrabMode, error) {
	switch strings.ToLower(s) {
	case "", "async":
		return protocol.GrabModeAsync, nil
	case "sync":
		return protocol.GrabModeSync, nil
	}
	return 0, fmt.Errorf("unknown grab mode %q", s)
}

func parseAllowMode(s string) (protocol.AllowMode, error) {
	for m := protocol.AsyncThisDevice; m.Valid(); m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown allow mode %q", s)
}

func grabRequest(g *GrabSpec) (server.GrabRequest, error) {
	self, err := parseGrabMode(g.Mode)
	if err != nil {
		return server.GrabRequest{}, err
	}
	paired, err := parseGrabMode(g.PairedMode)
	if err != nil {
		return server.GrabRequest{}, err
	}
	m, err := parseMask(g.Events)
	if err != nil {
		return server.GrabRequest{}, err
	}

	req := server.GrabRequest{
		Generation:  generation(g.Legacy),
		Device:      protocol.DeviceID(g.Device),
		Window:      xproto.Window(g.Window),
		ModeSelf:    self,
		ModePaired:  paired,
		OwnerEvents: g.OwnerEvents,
		Time:        xproto.Timestamp(g.Time),
		Confine:     xproto.Window(g.Confine),
	}
	if g.Legacy {
		req.Classes = mask.EncodeClassList(req.Device, m)
	} else {
		req.Mask = m.ToWire()
		req.MaskLen = mask.WireUnits
	}
	return req, nil
}

func passiveRequest(p *PassiveSpec) (server.PassiveGrabRequest, error) {
	base, err := grabRequest(&p.GrabSpec)
	if err != nil {
		return server.PassiveGrabRequest{}, err
	}
	t, ok := protocol.ParseEventType(p.Type)
	if !ok {
		return server.PassiveGrabRequest{}, fmt.Errorf("unknown event type %q", p.Type)
	}
	mods := protocol.AnyFor(base.Generation)
	if p.Modifiers != nil {
		mods = protocol.Modifiers(*p.Modifiers)
	}
	modDev := protocol.DeviceID(p.ModifierDevice)
	if modDev == 0 && base.Generation == protocol.Legacy {
		modDev = base.Device
	}

	return server.PassiveGrabRequest{
		Generation:     base.Generation,
		Device:         base.Device,
		ModifierDevice: modDev,
		Window:         base.Window,
		Type:           t,
		Detail:         protocol.Detail(p.Detail),
		Modifiers:      mods,
		ModeSelf:       base.ModeSelf,
		ModePaired:     base.ModePaired,
		OwnerEvents:    base.OwnerEvents,
		Confine:        base.Confine,
		Mask:           base.Mask,
		MaskLen:        base.MaskLen,
		Classes:        base.Classes,
	}, nil
}

func event(e *EventSpec) (protocol.Event, error) {
	t, ok := protocol.ParseEventType(e.Type)
	if !ok {
		return protocol.Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	return protocol.Event{
		Type:      t,
		Device:    protocol.DeviceID(e.Device),
		Source:    protocol.DeviceID(e.Source),
		Window:    xproto.Window(e.Window),
		Detail:    protocol.Detail(e.Detail),
		Modifiers: protocol.Modifiers(e.Modifiers),
		RootX:     e.X,
		RootY:     e.Y,
	}, nil
}
