package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"wharf/pkg/protocol"
	"wharf/pkg/store"
)

// detailEventLimit caps how many events the detail view loads.
const detailEventLimit = 200

// DetailModel shows one session's metadata plus its recent event log
// in a scrollable viewport.
type DetailModel struct {
	session protocol.Session
	vp      viewport.Model
	loading bool
}

// newDetailModel creates a detail view sized to the current window.
func newDetailModel(sess protocol.Session, width, height int) DetailModel {
	vp := viewport.New(width, height)
	if width <= 0 {
		vp = viewport.New(80, 20)
	}
	vp.SetContent("Loading events...")
	return DetailModel{session: sess, vp: vp, loading: true}
}

// setEvents fills the viewport with formatted event lines.
func (d *DetailModel) setEvents(events []store.Event) {
	d.loading = false
	if len(events) == 0 {
		d.vp.SetContent("No events recorded for this session.")
		return
	}
	var sb strings.Builder
	// Events arrive newest first; show oldest first so the log reads
	// top to bottom.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		sb.WriteString(fmt.Sprintf("%s  %-18s %s\n",
			ev.CreatedAt.Local().Format("15:04:05"), ev.Type, truncate(ev.Payload, 120)))
	}
	d.vp.SetContent(sb.String())
	d.vp.GotoBottom()
}

// Update forwards scroll keys to the viewport.
func (d DetailModel) Update(msg tea.Msg) (DetailModel, tea.Cmd) {
	var cmd tea.Cmd
	d.vp, cmd = d.vp.Update(msg)
	return d, cmd
}

// Resize adjusts the viewport to a new window size.
func (d *DetailModel) Resize(width, height int) {
	d.vp.Width = width
	d.vp.Height = height
}

// View renders the metadata header and the event viewport.
func (d DetailModel) View(theme Theme, styles Styles) string {
	sess := d.session

	title := sess.Title
	if title == "" {
		title = "(untitled)"
	}
	header := lipgloss.JoinVertical(lipgloss.Left,
		styles.Header.Render(fmt.Sprintf("%s  %s", shortID(sess.ID), title)),
		styles.Muted.Render(fmt.Sprintf("dir: %s", sess.WorkingDirectory)),
		styles.Muted.Render(fmt.Sprintf("status: %s  worker: %s  continuations: %d",
			sess.Status, sess.WorkerID, sess.ContinuationCount)),
	)

	if sess.UpstreamSessionID != "" {
		header += "\n" + styles.Muted.Render("upstream: "+sess.UpstreamSessionID)
	}

	return header + "\n" + strings.Repeat("─", 88) + "\n" + d.vp.View()
}
