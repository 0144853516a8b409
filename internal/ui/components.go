package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// StatusBar represents a reusable status bar component
type StatusBar struct {
	Width       int
	Title       string
	Status      string
	Healthy     bool
	ShowSpinner bool
	spinner     spinner.Model
}

// NewStatusBar creates a new status bar
func NewStatusBar(title string) *StatusBar {
	s := spinner.New()
	s.Spinner = spinner.Spinner{
		Frames: SpinnerDot,
		FPS:    time.Second / 10,
	}
	s.Style = SpinnerStyle

	return &StatusBar{
		Title:       title,
		ShowSpinner: true,
		spinner:     s,
	}
}

// Init implements tea.Model
func (s *StatusBar) Init() tea.Cmd {
	return s.spinner.Tick
}

// Update implements tea.Model
func (s *StatusBar) Update(msg tea.Msg) (*StatusBar, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		s.spinner, cmd = s.spinner.Update(msg)
		return s, cmd
	case tea.WindowSizeMsg:
		s.Width = msg.Width
	}
	return s, nil
}

// View renders the status bar
func (s *StatusBar) View() string {
	title := TitleStyle.Render(s.Title)

	status := s.Status
	if s.ShowSpinner {
		status = s.spinner.View() + " " + status
	}
	indicator := ErrorStyle.Render(IconIdle)
	if s.Healthy {
		indicator = SuccessStyle.Render(IconGrabbed)
	}
	status = indicator + " " + status

	gap := s.Width - lipgloss.Width(title) - lipgloss.Width(status) - 4
	if gap < 1 {
		gap = 1
	}

	return title + strings.Repeat(" ", gap) + status
}

// InfoPanel represents a panel with information
type InfoPanel struct {
	Title   string
	Content []string
	Width   int
}

// View renders the info panel
func (p *InfoPanel) View() string {
	var b strings.Builder

	if p.Title != "" {
		b.WriteString(SubheaderStyle.Render(p.Title))
		b.WriteString("\n")
	}

	for i, line := range p.Content {
		b.WriteString(TextStyle.Render(line))
		if i < len(p.Content)-1 {
			b.WriteString("\n")
		}
	}

	style := BoxStyle
	if p.Width > 0 {
		style = style.Width(p.Width)
	}
	return style.Render(b.String())
}

// Table renders rows in aligned columns under a header.
type Table struct {
	Headers []string
	Rows    [][]string
}

// View renders the table
func (t *Table) View() string {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	for i, h := range t.Headers {
		b.WriteString(TableCellStyle.Render(TableHeaderStyle.Width(widths[i]).Render(h)))
	}
	for _, row := range t.Rows {
		b.WriteString("\n")
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			b.WriteString(TableCellStyle.Render(lipgloss.NewStyle().Width(widths[i]).Render(cell)))
		}
	}
	return b.String()
}

// ControlsHelp displays keyboard controls
type ControlsHelp struct {
	Controls []Control
}

// Control represents a keyboard control
type Control struct {
	Key  string
	Desc string
}

// View renders the controls on one line
func (c *ControlsHelp) View() string {
	parts := make([]string, 0, len(c.Controls))
	for _, ctrl := range c.Controls {
		parts = append(parts, FormatControl(ctrl.Key, ctrl.Desc))
	}
	return SubtleStyle.Render(strings.Join(parts, "  "))
}

// Message displays a styled message
type Message struct {
	Type    MessageType
	Content string
}

// MessageType represents the type of message
type MessageType int

const (
	MessageInfo MessageType = iota
	MessageSuccess
	MessageWarning
	MessageError
)

// View renders the message
func (m *Message) View() string {
	var style lipgloss.Style
	var prefix string

	switch m.Type {
	case MessageSuccess:
		style = SuccessStyle
		prefix = IconSuccess
	case MessageWarning:
		style = WarningStyle
		prefix = IconWarning
	case MessageError:
		style = ErrorStyle
		prefix = IconError
	default:
		style = InfoStyle
		prefix = IconInfo
	}

	return style.Render(fmt.Sprintf("%s %s", prefix, m.Content))
}
