package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

// tickMsg is sent by Bubble Tea on every tick interval. Used to
// trigger a periodic refresh from the daemon socket.
type tickMsg time.Time

// stateMsg carries one refresh of daemon data. nil means offline.
type stateMsg *daemonState

// eventsMsg carries the event log for the detail view.
type eventsMsg []store.Event

// killedMsg reports the outcome of a kill request.
type killedMsg struct{ err error }

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStateCmd returns a tea.Cmd that pulls session and worker lists
// from the daemon.
func fetchStateCmd() tea.Cmd {
	return func() tea.Msg {
		return stateMsg(fetchState(socketPath()))
	}
}

// fetchEventsCmd loads the recent events for one session.
func fetchEventsCmd(sessionID string) tea.Cmd {
	return func() tea.Msg {
		events, _ := fetchEvents(dbPath(), sessionID, detailEventLimit)
		return eventsMsg(events)
	}
}

// killSessionCmd asks the daemon to kill a session.
func killSessionCmd(sessionID string) tea.Cmd {
	return func() tea.Msg {
		return killedMsg{err: killSession(socketPath(), sessionID)}
	}
}

// ViewType represents the dashboard's views.
type ViewType int

const (
	// BoardView shows the session table plus worker capacity.
	BoardView ViewType = iota
	// DetailView shows one session's metadata and event log.
	DetailView
)

// Model is the Bubble Tea model for the wharf dashboard.
type Model struct {
	activeView    ViewType
	daemonHealthy bool

	sessions []*protocol.Session
	workers  []*protocol.Worker

	width  int
	height int

	cursor    int
	filter    textinput.Model
	filtering bool

	detail *DetailModel

	statusLine string

	keys   KeyMap
	theme  Theme
	styles Styles
}

// newModel creates a new Model initialized with BoardView active.
func newModel() Model {
	ti := textinput.New()
	ti.Placeholder = "filter sessions..."
	ti.CharLimit = 128

	theme := DefaultTheme()
	return Model{
		activeView: BoardView,
		filter:     ti,
		keys:       DefaultKeyMap,
		theme:      theme,
		styles:     DefaultStyles(theme),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchStateCmd(), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.detail != nil {
			m.detail.Resize(msg.Width, msg.Height-6)
		}

	case stateMsg:
		if msg == nil {
			m.daemonHealthy = false
			m.sessions = nil
			m.workers = nil
		} else {
			m.daemonHealthy = true
			m.sessions = msg.Sessions
			m.workers = msg.Workers
		}
		m.clampCursor()

	case eventsMsg:
		if m.detail != nil {
			m.detail.setEvents([]store.Event(msg))
		}

	case killedMsg:
		if msg.err != nil {
			m.statusLine = msg.err.Error()
		} else {
			m.statusLine = "kill requested"
		}
		return m, fetchStateCmd()

	case tickMsg:
		return m, tea.Batch(fetchStateCmd(), tickCmd())
	}

	return m, nil
}

// handleKeyPress processes keyboard input.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Filter input captures all keys except escape and enter.
	if m.filtering {
		return m.handleFilterKeys(msg)
	}

	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	if m.activeView == DetailView {
		return m.handleDetailKeys(msg)
	}
	return m.handleBoardKeys(msg)
}

// handleFilterKeys processes keys while the filter input is focused.
func (m Model) handleFilterKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.filtering = false
		m.filter.Blur()
		m.filter.SetValue("")
		m.cursor = 0
		return m, nil
	case "enter":
		m.filtering = false
		m.filter.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.cursor = 0
	return m, cmd
}

// handleDetailKeys processes keys in DetailView.
func (m Model) handleDetailKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Back) {
		m.activeView = BoardView
		m.detail = nil
		return m, nil
	}
	if m.detail != nil {
		var cmd tea.Cmd
		*m.detail, cmd = m.detail.Update(msg)
		return m, cmd
	}
	return m, nil
}

// handleBoardKeys processes keys in BoardView.
func (m Model) handleBoardKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.visibleSessions())-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Filter):
		m.filtering = true
		m.filter.Focus()
		m.statusLine = ""
	case key.Matches(msg, m.keys.Back):
		if m.filter.Value() != "" {
			m.filter.SetValue("")
			m.cursor = 0
		}
		m.statusLine = ""
	case key.Matches(msg, m.keys.Enter):
		table := NewSessionsTableModel(m.visibleSessions(), m.cursor)
		if sess := table.Selected(); sess != nil {
			detail := newDetailModel(*sess, m.width, m.height-6)
			m.detail = &detail
			m.activeView = DetailView
			return m, fetchEventsCmd(sess.ID)
		}
	case key.Matches(msg, m.keys.Kill):
		table := NewSessionsTableModel(m.visibleSessions(), m.cursor)
		if sess := table.Selected(); sess != nil && sess.Status == protocol.StatusActive {
			return m, killSessionCmd(sess.ID)
		}
		m.statusLine = "only active sessions can be killed"
	}
	return m, nil
}

// visibleSessions applies the filter query to the session list. The
// query matches id, title, directory, worker, and status, case
// insensitively.
func (m Model) visibleSessions() []*protocol.Session {
	query := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if query == "" {
		return m.sessions
	}
	var out []*protocol.Session
	for _, sess := range m.sessions {
		haystack := strings.ToLower(strings.Join([]string{
			sess.ID, sess.Title, sess.WorkingDirectory, sess.WorkerID, string(sess.Status),
		}, " "))
		if strings.Contains(haystack, query) {
			out = append(out, sess)
		}
	}
	return out
}

// clampCursor keeps the cursor inside the visible session list after a
// refresh shrinks it.
func (m *Model) clampCursor() {
	n := len(m.visibleSessions())
	if n == 0 {
		m.cursor = 0
		return
	}
	if m.cursor >= n {
		m.cursor = n - 1
	}
}

// View implements tea.Model.
func (m Model) View() string {
	statusBar := m.renderStatusBar()

	if m.activeView == DetailView && m.detail != nil {
		return statusBar + "\n" + m.detail.View(m.theme, m.styles)
	}

	sessions := NewSessionsTableModel(m.visibleSessions(), m.cursor).View(m.theme, m.styles)
	workers := NewWorkersTableModel(m.workers, m.sessions).View(m.theme, m.styles)

	sections := []string{statusBar}
	if m.filtering || m.filter.Value() != "" {
		sections = append(sections, m.filter.View())
	}
	sections = append(sections,
		m.styles.Header.Render("Sessions"), sessions,
		m.styles.Header.Render("Workers"), workers,
		m.renderHelp(),
	)
	if m.statusLine != "" {
		sections = append(sections, m.styles.Muted.Render(m.statusLine))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderStatusBar renders daemon health and aggregate counts.
func (m Model) renderStatusBar() string {
	var daemonStatus string
	if m.daemonHealthy {
		daemonStatus = lipgloss.NewStyle().Foreground(m.theme.Success).Render("daemon: online")
	} else {
		daemonStatus = lipgloss.NewStyle().Foreground(m.theme.Error).Render("daemon: offline")
	}

	var queued, active, needInput int
	for _, sess := range m.sessions {
		switch sess.Status {
		case protocol.StatusQueued:
			queued++
		case protocol.StatusActive:
			active++
		}
		if sess.NeedsInput {
			needInput++
		}
	}

	parts := []string{
		daemonStatus,
		fmt.Sprintf("queued: %d", queued),
		fmt.Sprintf("active: %d", active),
	}
	if needInput > 0 {
		parts = append(parts, m.styles.NeedInput.Render(fmt.Sprintf("needs input: %d", needInput)))
	}
	return strings.Join(parts, "  |  ")
}

// renderHelp renders the key hint line.
func (m Model) renderHelp() string {
	hints := []string{"j/k move", "Enter detail", "/ filter", "x kill", "q quit"}
	return m.styles.Muted.Render(strings.Join(hints, "  ·  "))
}
