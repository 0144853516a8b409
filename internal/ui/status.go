package ui

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bnema/xigrab/internal/protocol"
	"github.com/bnema/xigrab/internal/server"
)

// RenderState renders a state dump as the devices, clients and windows
// sections shown by `xigrab status`.
func RenderState(st *server.State, width int) string {
	var b strings.Builder

	b.WriteString(HeaderStyle.Render(fmt.Sprintf("xigrab  time %d  serial %d", st.Time, st.Serial)))
	b.WriteString("\n")
	b.WriteString(CreateSeparator(width, ""))
	b.WriteString("\n")

	b.WriteString(SubheaderStyle.Render("Devices"))
	b.WriteString("\n")
	b.WriteString(DeviceTable(st.Devices).View())
	b.WriteString("\n\n")

	b.WriteString(SubheaderStyle.Render("Clients"))
	b.WriteString("\n")
	if len(st.Clients) == 0 {
		b.WriteString(MutedStyle.Render("no clients connected"))
	} else {
		b.WriteString(ClientTable(st.Clients, time.Now()).View())
	}

	if len(st.Windows) > 0 {
		b.WriteString("\n\n")
		b.WriteString(SubheaderStyle.Render("Windows"))
		for _, w := range st.Windows {
			b.WriteString("\n")
			b.WriteString(windowPanel(w, width).View())
		}
	}
	return b.String()
}

// DeviceTable lists devices with their grab state.
func DeviceTable(devices []server.DeviceState) *Table {
	t := &Table{Headers: []string{"ID", "NAME", "USE", "GRAB", "OWNER", "FREEZE", "QUEUED"}}
	for _, d := range devices {
		owner, freeze := "-", "-"
		if d.Grabbed {
			owner = fmt.Sprintf("client %d on 0x%x", d.GrabClient, d.GrabWindow)
			if d.GrabPassive {
				owner += " (passive)"
			}
			freeze = d.Freeze.String()
		}
		name := d.Name
		if !d.Enabled {
			name += " (disabled)"
		}
		t.Rows = append(t.Rows, []string{
			fmt.Sprintf("%d", d.ID),
			name,
			d.Use.String(),
			FormatGrab(d.Grabbed, d.Frozen),
			owner,
			freeze,
			fmt.Sprintf("%d", d.Queued),
		})
	}
	return t
}

// ClientTable lists connected clients by id.
func ClientTable(clients []server.ConnectedClient, now time.Time) *Table {
	sorted := make([]server.ConnectedClient, len(clients))
	copy(sorted, clients)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	t := &Table{Headers: []string{"ID", "NAME", "RESOURCES", "CONNECTED"}}
	for _, c := range sorted {
		t.Rows = append(t.Rows, []string{
			fmt.Sprintf("%d", c.ID),
			c.Name,
			fmt.Sprintf("0x%x", c.ResourceBase()),
			now.Sub(c.ConnectedAt).Truncate(time.Second).String(),
		})
	}
	return t
}

func windowPanel(w server.WindowState, width int) *InfoPanel {
	title := fmt.Sprintf("0x%x", w.ID)
	if w.Parent != 0 {
		title += fmt.Sprintf(" (parent 0x%x)", w.Parent)
	}
	if !w.Viewable {
		title += " unmapped"
	}

	var lines []string
	for _, s := range w.Subscriptions {
		lines = append(lines, fmt.Sprintf("client %d selects %s on device %d", s.Client, s.Mask, s.Device))
	}

	devs := make([]protocol.DeviceID, 0, len(w.DontPropagate))
	for id := range w.DontPropagate {
		devs = append(devs, id)
	}
	slices.Sort(devs)
	for _, id := range devs {
		lines = append(lines, fmt.Sprintf("dont-propagate %s on device %d", w.DontPropagate[id], id))
	}

	for _, g := range w.PassiveGrabs {
		line := "passive " + g.String()
		if ex := g.DetailExceptions(); len(ex) > 0 {
			line += fmt.Sprintf(" except details %v", ex)
		}
		if ex := g.ModifierExceptions(); len(ex) > 0 {
			line += fmt.Sprintf(" except mods %#x", ex)
		}
		lines = append(lines, line)
	}
	return &InfoPanel{Title: title, Content: lines, Width: width}
}
