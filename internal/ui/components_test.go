package ui

import (
	"strings"
	"testing"
)

func TestStatusBar(t *testing.T) {
	t.Run("creates new status bar", func(t *testing.T) {
		sb := NewStatusBar("xigrab top")

		if sb.Title != "xigrab top" {
			t.Errorf("Expected title 'xigrab top', got %q", sb.Title)
		}
		if !sb.ShowSpinner {
			t.Error("Expected ShowSpinner to be true by default")
		}
	})

	t.Run("renders status bar", func(t *testing.T) {
		sb := NewStatusBar("xigrab top")
		sb.Width = 80
		sb.Status = "2 clients"
		sb.Healthy = true

		view := sb.View()

		if !strings.Contains(view, "xigrab top") {
			t.Error("Status bar should contain title")
		}
		if !strings.Contains(view, "2 clients") {
			t.Error("Status bar should contain status")
		}
	})
}

func TestInfoPanel(t *testing.T) {
	tests := []struct {
		name     string
		panel    InfoPanel
		mustHave []string
	}{
		{
			name: "with title",
			panel: InfoPanel{
				Title:   "0x200001",
				Content: []string{"line one", "line two"},
				Width:   50,
			},
			mustHave: []string{"0x200001", "line one", "line two"},
		},
		{
			name: "without title",
			panel: InfoPanel{
				Content: []string{"just content"},
			},
			mustHave: []string{"just content"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := tt.panel.View()
			for _, s := range tt.mustHave {
				if !strings.Contains(view, s) {
					t.Errorf("InfoPanel view missing %q", s)
				}
			}
		})
	}
}

func TestTable(t *testing.T) {
	tbl := &Table{
		Headers: []string{"ID", "NAME"},
		Rows: [][]string{
			{"2", "Virtual core pointer"},
			{"3", "Virtual core keyboard", "extra cell"},
		},
	}

	view := tbl.View()
	lines := strings.Split(view, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "NAME") {
		t.Errorf("header line missing NAME: %q", lines[0])
	}
	if strings.Contains(view, "extra cell") {
		t.Error("cells past the header count should be dropped")
	}

	// Columns line up with the widest cell.
	if strings.Index(lines[1], "Virtual") != strings.Index(lines[2], "Virtual") {
		t.Errorf("columns not aligned:\n%s", view)
	}
}

func TestControlsHelp(t *testing.T) {
	help := &ControlsHelp{Controls: []Control{
		{Key: "q", Desc: "quit"},
		{Key: "b", Desc: "break grabs"},
	}}

	view := help.View()
	for _, s := range []string{"q", "quit", "b", "break grabs"} {
		if !strings.Contains(view, s) {
			t.Errorf("controls help missing %q", s)
		}
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		icon string
	}{
		{name: "info", msg: Message{Type: MessageInfo, Content: "polling"}, icon: IconInfo},
		{name: "success", msg: Message{Type: MessageSuccess, Content: "released"}, icon: IconSuccess},
		{name: "warning", msg: Message{Type: MessageWarning, Content: "frozen"}, icon: IconWarning},
		{name: "error", msg: Message{Type: MessageError, Content: "refused"}, icon: IconError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := tt.msg.View()
			if !strings.Contains(view, tt.icon) {
				t.Errorf("message view %q missing icon %q", view, tt.icon)
			}
			if !strings.Contains(view, tt.msg.Content) {
				t.Errorf("message view %q missing content", view)
			}
		})
	}
}
