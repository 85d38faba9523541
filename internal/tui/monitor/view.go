package monitor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	if m.Err != nil {
		return m.renderError()
	}

	if m.ShowHelp {
		return m.renderHelp()
	}

	availableHeight := m.Height - 1 // footer
	statusHeight := 9
	rest := availableHeight - statusHeight
	activityHeight := rest * 2 / 3
	conflictsHeight := rest - activityHeight

	panels := lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatusPanel(statusHeight),
		m.renderActivityPanel(activityHeight),
		m.renderConflictsPanel(conflictsHeight),
	)

	return lipgloss.JoinVertical(lipgloss.Left, panels, m.renderFooter())
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder

	s.WriteString("stellar monitor (resize for full view)\n\n")
	s.WriteString(fmt.Sprintf("Status: %s  Realtime: %s\n", m.Data.Status, m.Data.Realtime))
	s.WriteString(fmt.Sprintf("Pending: %d | Conflicts: %d\n", m.Data.Pending, len(m.Data.Conflicts)))
	s.WriteString("\nq:quit r:refresh s:sync ?:help")

	return s.String()
}

// renderError renders an error message
func (m Model) renderError() string {
	return fmt.Sprintf("Error: %v\n\nPress r to retry, q to quit", m.Err)
}

func (m Model) renderStatusPanel(height int) string {
	d := m.Data
	var content strings.Builder

	status := formatStatus(d.Status)
	if m.Syncing() {
		status = m.spinner.View() + " " + status
	}
	online := formatStatus(tdsync.StatusOffline)
	if d.Online {
		online = statusStyles[tdsync.StatusSynced].Render("online")
	}
	rt := formatRealtime(d.Realtime)
	if d.GaveUp {
		rt += subtleStyle.Render(" (polling)")
	}

	content.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		titleStyle.Render("Sync:"), status,
		titleStyle.Render("Network:"), online,
		titleStyle.Render("Realtime:"), rt))

	last := "never"
	if !d.LastSync.IsZero() {
		last = d.LastSync.Format("15:04:05")
	}
	content.WriteString(fmt.Sprintf("%s %d   %s %d   %s %d   %s %s\n",
		titleStyle.Render("Pending:"), d.Pending,
		titleStyle.Render("Deferred:"), d.Deferred,
		titleStyle.Render("Checkpoint:"), d.Checkpoint,
		titleStyle.Render("Last sync:"), timestampStyle.Render(last)))

	content.WriteString(subtleStyle.Render(formatCounts(d.Counts)))
	content.WriteString("\n")

	for _, e := range d.Errors {
		content.WriteString(errorStyle.Render("! " + e))
		content.WriteString("\n")
	}

	return m.wrapPanel("STATUS", content.String(), height, PanelStatus)
}

func (m Model) renderActivityPanel(height int) string {
	var content strings.Builder

	if len(m.Data.Activity) == 0 {
		content.WriteString(subtleStyle.Render("No sync activity"))
		return m.wrapPanel("ACTIVITY", content.String(), height, PanelActivity)
	}

	items := m.Data.Activity
	offset := clampOffset(m.ScrollOffset[PanelActivity], len(items))
	for _, item := range items[offset:] {
		content.WriteString(formatActivityItem(item))
		content.WriteString("\n")
	}

	return m.wrapPanel("ACTIVITY", content.String(), height, PanelActivity)
}

func (m Model) renderConflictsPanel(height int) string {
	var content strings.Builder

	if len(m.Data.Conflicts) == 0 {
		content.WriteString(subtleStyle.Render("No conflicts"))
		return m.wrapPanel("CONFLICTS", content.String(), height, PanelConflicts)
	}

	items := m.Data.Conflicts
	offset := clampOffset(m.ScrollOffset[PanelConflicts], len(items))
	for _, c := range items[offset:] {
		content.WriteString(fmt.Sprintf("%s %s/%s %s %s\n",
			timestampStyle.Render(c.ResolvedAt.Format("15:04:05")),
			c.Table, c.EntityID,
			subtleStyle.Render(c.Source),
			strings.Join(c.Fields, ",")))
	}

	return m.wrapPanel("CONFLICTS", content.String(), height, PanelConflicts)
}

func (m Model) renderFooter() string {
	keys := helpStyle.Render("q:quit  tab:switch  j/k:scroll  r:refresh  s:sync  ?:help")

	notice := ""
	if m.Notice != "" {
		notice = noticeStyle.Render(m.Notice) + " "
	}

	refresh := timestampStyle.Render(fmt.Sprintf("Last: %s", m.LastRefresh.Format("15:04:05")))
	if m.Version != "" {
		refresh = subtleStyle.Render(m.Version+"  ") + refresh
	}

	padding := m.Width - lipgloss.Width(keys) - lipgloss.Width(notice) - lipgloss.Width(refresh) - 2
	if padding < 0 {
		padding = 0
	}

	return fmt.Sprintf(" %s%s%s%s", keys, strings.Repeat(" ", padding), notice, refresh)
}

func (m Model) renderHelp() string {
	help := `
SYNC MONITOR - Key Bindings

NAVIGATION:
  Tab / Shift+Tab   Switch between panels
  1 / 2 / 3         Jump to panel
  j / k             Scroll active panel

ACTIONS:
  r                 Force refresh
  s                 Sync now
  q / Ctrl+C        Quit

Press ? to close help
`
	return helpStyle.Render(help)
}

func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	contentWidth := m.Width - 4
	contentHeight := height - 3
	if contentHeight < 1 {
		contentHeight = 1
	}

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	if len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}
	for i, line := range lines {
		if lipgloss.Width(line) > contentWidth {
			lines[i] = ansi.Truncate(line, contentWidth, "…")
		}
	}

	inner := lipgloss.JoinVertical(lipgloss.Left, panelTitleStyle.Render(title), strings.Join(lines, "\n"))
	return style.Width(m.Width - 2).Render(inner)
}

func formatActivityItem(item ActivityItem) string {
	line := fmt.Sprintf("%s %s %s/%s %s",
		timestampStyle.Render(item.Timestamp.Format("15:04:05")),
		formatActivityBadge(item.Kind),
		item.Table, item.EntityID, item.Action)
	if item.Detail != "" {
		line += " " + subtleStyle.Render(item.Detail)
	}
	return line
}

// formatCounts renders per-table row counts sorted by table name.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "no rows"
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = fmt.Sprintf("%s:%d", t, counts[t])
	}
	return strings.Join(parts, "  ")
}

func clampOffset(offset, total int) int {
	if offset >= total {
		offset = total - 1
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}
