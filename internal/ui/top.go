package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/xigrab/internal/server"
)

// DefaultRefresh is how often the top view polls the server.
const DefaultRefresh = 500 * time.Millisecond

// StateFunc fetches a fresh state dump.
type StateFunc func() (*server.State, error)

// BreakFunc breaks every active grab and returns how many were released.
type BreakFunc func() (int, error)

// StateMsg carries the result of a poll.
type StateMsg struct {
	State *server.State
	Err   error
}

// BrokeMsg carries the result of a break-grabs request.
type BrokeMsg struct {
	Count int
	Err   error
}

type tickMsg time.Time

// TopModel is a live view of devices and clients.
type TopModel struct {
	fetch    StateFunc
	breaker  BreakFunc
	refresh  time.Duration
	status   *StatusBar
	controls *ControlsHelp

	state   *server.State
	err     error
	message *Message
	width   int
	height  int
}

// NewTopModel creates a top view polling fetch every refresh. A nil breaker
// disables the break key.
func NewTopModel(fetch StateFunc, breaker BreakFunc, refresh time.Duration) *TopModel {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	controls := []Control{{Key: "q", Desc: "quit"}, {Key: "r", Desc: "refresh"}}
	if breaker != nil {
		controls = append(controls, Control{Key: "b", Desc: "break grabs"})
	}
	return &TopModel{
		fetch:    fetch,
		breaker:  breaker,
		refresh:  refresh,
		status:   NewStatusBar("xigrab top"),
		controls: &ControlsHelp{Controls: controls},
	}
}

// Init implements tea.Model
func (m *TopModel) Init() tea.Cmd {
	return tea.Batch(m.status.Init(), m.poll())
}

func (m *TopModel) poll() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		st, err := fetch()
		return StateMsg{State: st, Err: err}
	}
}

func (m *TopModel) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model
func (m *TopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		case "b":
			if m.breaker == nil {
				return m, nil
			}
			breaker := m.breaker
			return m, func() tea.Msg {
				n, err := breaker()
				return BrokeMsg{Count: n, Err: err}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.status, _ = m.status.Update(msg)

	case tickMsg:
		return m, m.poll()

	case StateMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.state = msg.State
		}
		m.status.Healthy = msg.Err == nil
		m.status.Status = m.summary()
		return m, m.tick()

	case BrokeMsg:
		if msg.Err != nil {
			m.message = &Message{Type: MessageError, Content: msg.Err.Error()}
		} else {
			m.message = &Message{Type: MessageSuccess, Content: fmt.Sprintf("released %d grab(s)", msg.Count)}
		}
		return m, m.poll()

	default:
		var cmd tea.Cmd
		m.status, cmd = m.status.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *TopModel) summary() string {
	if m.err != nil {
		return "disconnected"
	}
	if m.state == nil {
		return "waiting"
	}
	grabbed, frozen := 0, 0
	for _, d := range m.state.Devices {
		if d.Grabbed {
			grabbed++
		}
		if d.Frozen {
			frozen++
		}
	}
	return fmt.Sprintf("%d clients, %d grabbed, %d frozen", len(m.state.Clients), grabbed, frozen)
}

// View implements tea.Model
func (m *TopModel) View() string {
	var sections []string
	sections = append(sections, m.status.View())

	switch {
	case m.err != nil:
		sections = append(sections, (&Message{Type: MessageError, Content: m.err.Error()}).View())
	case m.state == nil:
		sections = append(sections, SubtleStyle.Render("connecting..."))
	default:
		body := []string{
			SubheaderStyle.Render("Devices"),
			DeviceTable(m.state.Devices).View(),
			"",
			SubheaderStyle.Render("Clients"),
		}
		if len(m.state.Clients) == 0 {
			body = append(body, SubtleStyle.Render("no clients connected"))
		} else {
			body = append(body, ClientTable(m.state.Clients, time.Now()).View())
		}
		sections = append(sections, strings.Join(body, "\n"))
	}

	if m.message != nil {
		sections = append(sections, m.message.View())
	}
	sections = append(sections, m.controls.View())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// RunTop runs the top view until the user quits.
func RunTop(fetch StateFunc, breaker BreakFunc, refresh time.Duration) error {
	p := tea.NewProgram(NewTopModel(fetch, breaker, refresh), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
