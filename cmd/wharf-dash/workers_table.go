package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"wharf/pkg/protocol"
)

// workerColumnWidths are the fixed column widths for the worker table.
var workerColumnWidths = []int{14, 8, 26, 14, 8, 12}

// WorkersTableModel holds the worker capacity table state.
type WorkersTableModel struct {
	workers []*protocol.Worker
	// active session count per worker id, derived from the session list.
	active map[string]int
}

// NewWorkersTableModel builds the worker table, counting active
// sessions per worker for the capacity column.
func NewWorkersTableModel(workers []*protocol.Worker, sessions []*protocol.Session) WorkersTableModel {
	active := make(map[string]int)
	for _, sess := range sessions {
		if sess.Status == protocol.StatusActive && sess.WorkerID != "" {
			active[sess.WorkerID]++
		}
	}
	return WorkersTableModel{workers: workers, active: active}
}

// View renders the worker table.
func (w WorkersTableModel) View(theme Theme, styles Styles) string {
	if len(w.workers) == 0 {
		return styles.Centered.Render(styles.Muted.Render("No workers"))
	}

	var sb strings.Builder
	headers := []string{"Worker", "Kind", "Address", "Status", "Slots", "Heartbeat"}
	parts := make([]string, 0, len(headers))
	for i, h := range headers {
		parts = append(parts, styles.Header.Render(pad(h, workerColumnWidths[i])))
	}
	sb.WriteString(strings.Join(parts, " "))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("─", 88))
	sb.WriteString("\n")

	for _, worker := range w.workers {
		sb.WriteString(w.renderRow(worker, theme))
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderRow renders a single worker row.
func (w WorkersTableModel) renderRow(worker *protocol.Worker, theme Theme) string {
	addr := ""
	if worker.Kind == protocol.WorkerRemote {
		addr = worker.Addr()
	}

	heartbeat := "never"
	if worker.LastHeartbeat != nil {
		heartbeat = heartbeatAge(time.Since(*worker.LastHeartbeat))
	}

	slots := fmt.Sprintf("%d/%d", w.active[worker.ID], worker.MaxSessions)

	cols := []string{
		pad(truncate(worker.Name, workerColumnWidths[0]), workerColumnWidths[0]),
		pad(string(worker.Kind), workerColumnWidths[1]),
		pad(truncate(addr, workerColumnWidths[2]), workerColumnWidths[2]),
		pad(string(worker.Status), workerColumnWidths[3]),
		pad(slots, workerColumnWidths[4]),
		pad(heartbeat, workerColumnWidths[5]),
	}
	row := strings.Join(cols, " ")

	switch worker.Status {
	case protocol.WorkerConnected:
		return lipgloss.NewStyle().Foreground(theme.Success).Render(row)
	case protocol.WorkerError:
		return lipgloss.NewStyle().Foreground(theme.Error).Render(row)
	default:
		return lipgloss.NewStyle().Foreground(theme.Muted).Render(row)
	}
}

// heartbeatAge formats a heartbeat age compactly.
func heartbeatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
