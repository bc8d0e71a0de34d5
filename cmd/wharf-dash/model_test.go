package main

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"wharf/pkg/protocol"
)

func testSessions() []*protocol.Session {
	pos := int64(1)
	return []*protocol.Session{
		{ID: "aaaa1111-0000", Title: "fix auth bug", WorkingDirectory: "/srv/app", Status: protocol.StatusActive, WorkerID: "local"},
		{ID: "bbbb2222-0000", Title: "add metrics", WorkingDirectory: "/srv/app", Status: protocol.StatusQueued, QueuePosition: &pos},
		{ID: "cccc3333-0000", Title: "refactor store", WorkingDirectory: "/srv/other", Status: protocol.StatusActive, WorkerID: "local", NeedsInput: true},
	}
}

// TestStatusBar verifies the status bar shows daemon health and
// aggregate session counts.
func TestStatusBar(t *testing.T) {
	tests := []struct {
		name          string
		daemonHealthy bool
		sessions      []*protocol.Session
		wantContains  []string
	}{
		{
			name:          "daemon offline",
			daemonHealthy: false,
			wantContains:  []string{"offline"},
		},
		{
			name:          "counts queued active and needs input",
			daemonHealthy: true,
			sessions:      testSessions(),
			wantContains:  []string{"online", "queued: 1", "active: 2", "needs input: 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel()
			m.daemonHealthy = tt.daemonHealthy
			m.sessions = tt.sessions

			statusBar := m.renderStatusBar()
			for _, want := range tt.wantContains {
				if !strings.Contains(statusBar, want) {
					t.Errorf("renderStatusBar() missing %q, got: %s", want, statusBar)
				}
			}
		})
	}
}

// TestCursorNavigation verifies j/k movement clamps at list boundaries.
func TestCursorNavigation(t *testing.T) {
	m := newModel()
	m.sessions = testSessions()

	// Down twice lands on the last session; a third press clamps.
	for i := 0; i < 3; i++ {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'j'}})
		m = next.(Model)
	}
	if m.cursor != 2 {
		t.Errorf("cursor after 3 downs = %d, want 2", m.cursor)
	}

	for i := 0; i < 5; i++ {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'k'}})
		m = next.(Model)
	}
	if m.cursor != 0 {
		t.Errorf("cursor after 5 ups = %d, want 0", m.cursor)
	}
}

// TestCursorClampsAfterRefresh verifies a shrinking session list pulls
// the cursor back in bounds.
func TestCursorClampsAfterRefresh(t *testing.T) {
	m := newModel()
	m.sessions = testSessions()
	m.cursor = 2

	next, _ := m.Update(stateMsg(&daemonState{Sessions: testSessions()[:1]}))
	m = next.(Model)

	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0 after list shrank to 1", m.cursor)
	}
}

// TestFilterNarrowsSessions verifies the filter query matches across
// title, directory, and status.
func TestFilterNarrowsSessions(t *testing.T) {
	m := newModel()
	m.sessions = testSessions()

	m.filter.SetValue("other")
	visible := m.visibleSessions()
	if len(visible) != 1 || visible[0].ID != "cccc3333-0000" {
		t.Fatalf("filter 'other' matched %d sessions, want the /srv/other one", len(visible))
	}

	m.filter.SetValue("queued")
	visible = m.visibleSessions()
	if len(visible) != 1 || visible[0].ID != "bbbb2222-0000" {
		t.Fatalf("filter 'queued' matched %d sessions, want the queued one", len(visible))
	}

	m.filter.SetValue("")
	if got := len(m.visibleSessions()); got != 3 {
		t.Errorf("empty filter shows %d sessions, want 3", got)
	}
}

// TestOfflineState verifies a nil state message clears the board.
func TestOfflineState(t *testing.T) {
	m := newModel()
	m.sessions = testSessions()
	m.daemonHealthy = true

	next, _ := m.Update(stateMsg(nil))
	m = next.(Model)

	if m.daemonHealthy {
		t.Error("daemonHealthy still true after nil state")
	}
	if len(m.sessions) != 0 {
		t.Errorf("sessions not cleared, got %d", len(m.sessions))
	}
}

// TestEnterOpensDetail verifies drilling into the selected session.
func TestEnterOpensDetail(t *testing.T) {
	m := newModel()
	m.sessions = testSessions()
	m.cursor = 1

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)

	if m.activeView != DetailView {
		t.Fatalf("activeView = %v, want DetailView", m.activeView)
	}
	if m.detail == nil || m.detail.session.ID != "bbbb2222-0000" {
		t.Error("detail model not set to the selected session")
	}
	if cmd == nil {
		t.Error("expected an events fetch command")
	}

	// Escape returns to the board.
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(Model)
	if m.activeView != BoardView || m.detail != nil {
		t.Error("escape did not return to the board view")
	}
}

// TestKillRefusedForInactive verifies x on a queued session only sets
// the status line.
func TestKillRefusedForInactive(t *testing.T) {
	m := newModel()
	m.sessions = testSessions()
	m.cursor = 1 // queued session

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}})
	m = next.(Model)

	if cmd != nil {
		t.Error("kill command issued for a queued session")
	}
	if !strings.Contains(m.statusLine, "active") {
		t.Errorf("statusLine = %q, want a hint about active sessions", m.statusLine)
	}
}
