package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"wharf/pkg/protocol"
)

// sessionColumnWidths are the fixed column widths for the session table.
var sessionColumnWidths = []int{10, 10, 5, 24, 28, 10, 8}

// SessionsTableModel holds the session table state.
type SessionsTableModel struct {
	sessions []*protocol.Session
	cursor   int
}

// NewSessionsTableModel creates a session table over a (possibly
// filtered) session list.
func NewSessionsTableModel(sessions []*protocol.Session, cursor int) SessionsTableModel {
	return SessionsTableModel{sessions: sessions, cursor: cursor}
}

// Selected returns the session under the cursor, or nil.
func (t SessionsTableModel) Selected() *protocol.Session {
	if t.cursor < 0 || t.cursor >= len(t.sessions) {
		return nil
	}
	return t.sessions[t.cursor]
}

// View renders the session table with headers and a cursor highlight.
func (t SessionsTableModel) View(theme Theme, styles Styles) string {
	if len(t.sessions) == 0 {
		return styles.Centered.Render(styles.Muted.Render("No sessions"))
	}

	var sb strings.Builder
	headers := []string{"ID", "Status", "Pos", "Title", "Directory", "Worker", "Flags"}
	parts := make([]string, 0, len(headers))
	for i, h := range headers {
		parts = append(parts, styles.Header.Render(pad(h, sessionColumnWidths[i])))
	}
	sb.WriteString(strings.Join(parts, " "))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", 100))
	sb.WriteString("\n")

	for i, sess := range t.sessions {
		sb.WriteString(t.renderRow(sess, i == t.cursor, theme, styles))
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderRow renders a single session row.
func (t SessionsTableModel) renderRow(sess *protocol.Session, selected bool, theme Theme, styles Styles) string {
	pos := ""
	if sess.QueuePosition != nil {
		pos = fmt.Sprintf("%d", *sess.QueuePosition)
	}

	cols := []string{
		pad(shortID(sess.ID), sessionColumnWidths[0]),
		pad(string(sess.Status), sessionColumnWidths[1]),
		pad(pos, sessionColumnWidths[2]),
		pad(truncate(sess.Title, sessionColumnWidths[3]), sessionColumnWidths[3]),
		pad(truncate(sess.WorkingDirectory, sessionColumnWidths[4]), sessionColumnWidths[4]),
		pad(sess.WorkerID, sessionColumnWidths[5]),
		pad(sessionFlags(sess), sessionColumnWidths[6]),
	}
	row := strings.Join(cols, " ")

	if selected {
		return styles.Selected.Render(row)
	}

	// Status coloring for unselected rows; needs-input overrides.
	switch {
	case sess.NeedsInput:
		return styles.NeedInput.Render(row)
	case sess.Status == protocol.StatusFailed:
		return lipgloss.NewStyle().Foreground(theme.Error).Render(row)
	case sess.Status == protocol.StatusCompleted:
		return styles.Muted.Render(row)
	default:
		return row
	}
}

// sessionFlags formats the flag column: needs-input, lock, and
// continuation depth markers.
func sessionFlags(sess *protocol.Session) string {
	var flags []string
	if sess.NeedsInput {
		flags = append(flags, "!input")
	}
	if sess.Locked {
		flags = append(flags, "lock")
	}
	if sess.ContinuationCount > 0 {
		flags = append(flags, fmt.Sprintf("c%d", sess.ContinuationCount))
	}
	return strings.Join(flags, ",")
}

// shortID returns the first 8 characters of a session id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens a string to max characters with an ellipsis.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

// pad right-pads a string to width characters.
func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
