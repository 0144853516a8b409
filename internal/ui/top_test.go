package ui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bnema/xigrab/internal/server"
)

func TestTopModelState(t *testing.T) {
	st := testState()
	m := NewTopModel(func() (*server.State, error) { return st, nil }, nil, 0)

	if m.refresh != DefaultRefresh {
		t.Errorf("refresh = %v, want %v", m.refresh, DefaultRefresh)
	}
	if !strings.Contains(m.View(), "connecting") {
		t.Error("view before the first poll should say connecting")
	}

	msg := m.poll()()
	_, cmd := m.Update(msg)
	if cmd == nil {
		t.Error("a poll result should schedule the next tick")
	}
	if !m.status.Healthy {
		t.Error("status bar should be healthy after a successful poll")
	}
	if want := "2 clients, 1 grabbed, 1 frozen"; m.status.Status != want {
		t.Errorf("status = %q, want %q", m.status.Status, want)
	}

	view := m.View()
	for _, s := range []string{"Virtual core pointer", "first", "quit"} {
		if !strings.Contains(view, s) {
			t.Errorf("view missing %q", s)
		}
	}
	if strings.Contains(view, "break grabs") {
		t.Error("break control shown without a breaker")
	}
}

func TestTopModelPollError(t *testing.T) {
	m := NewTopModel(func() (*server.State, error) { return nil, errors.New("server not running") }, nil, 0)

	m.Update(m.poll()())
	if m.status.Healthy {
		t.Error("status bar should not be healthy after a failed poll")
	}
	if m.status.Status != "disconnected" {
		t.Errorf("status = %q, want disconnected", m.status.Status)
	}
	if !strings.Contains(m.View(), "server not running") {
		t.Error("view should show the poll error")
	}
}

func TestTopModelBreak(t *testing.T) {
	calls := 0
	m := NewTopModel(
		func() (*server.State, error) { return testState(), nil },
		func() (int, error) { calls++; return 2, nil },
		0,
	)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("b")})
	if cmd == nil {
		t.Fatal("break key should return a command")
	}
	msg := cmd()
	if calls != 1 {
		t.Fatalf("breaker called %d times, want 1", calls)
	}

	m.Update(msg)
	if m.message == nil || !strings.Contains(m.message.Content, "released 2") {
		t.Errorf("expected release message, got %+v", m.message)
	}
}

func TestTopModelQuit(t *testing.T) {
	m := NewTopModel(func() (*server.State, error) { return nil, nil }, nil, 0)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("quit key should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("quit key should quit")
	}

	// Break is ignored without a breaker.
	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("b")}); cmd != nil {
		t.Error("break key should do nothing without a breaker")
	}
}
