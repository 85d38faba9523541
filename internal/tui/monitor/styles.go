package monitor

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/prabhask5/stellar-sub000/internal/realtime"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

var (
	// Base colors
	primaryColor   = lipgloss.Color("212")
	secondaryColor = lipgloss.Color("141")
	mutedColor     = lipgloss.Color("241")
	successColor   = lipgloss.Color("42")
	warningColor   = lipgloss.Color("214")
	errorColor     = lipgloss.Color("196")
	infoColor      = lipgloss.Color("45")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	spinnerStyle   = lipgloss.NewStyle().Foreground(infoColor)
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(warningColor).Padding(0, 1)

	statusStyles = map[tdsync.Status]lipgloss.Style{
		tdsync.StatusSynced:  lipgloss.NewStyle().Foreground(successColor),
		tdsync.StatusSyncing: lipgloss.NewStyle().Foreground(infoColor),
		tdsync.StatusPending: lipgloss.NewStyle().Foreground(warningColor),
		tdsync.StatusError:   lipgloss.NewStyle().Foreground(errorColor),
		tdsync.StatusOffline: lipgloss.NewStyle().Foreground(mutedColor),
	}

	realtimeStyles = map[realtime.State]lipgloss.Style{
		realtime.StateConnected:    lipgloss.NewStyle().Foreground(successColor),
		realtime.StateConnecting:   lipgloss.NewStyle().Foreground(infoColor),
		realtime.StateError:        lipgloss.NewStyle().Foreground(errorColor),
		realtime.StateDisconnected: lipgloss.NewStyle().Foreground(mutedColor),
	}

	// Activity badges
	pushBadge   = lipgloss.NewStyle().Foreground(successColor)
	pullBadge   = lipgloss.NewStyle().Foreground(infoColor)
	remoteBadge = lipgloss.NewStyle().Foreground(secondaryColor)
)

// formatStatus renders a sync status with color
func formatStatus(s tdsync.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatRealtime renders a listener state with color
func formatRealtime(s realtime.State) string {
	style, ok := realtimeStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(string(s))
}

// formatActivityBadge renders an activity kind badge
func formatActivityBadge(kind string) string {
	switch kind {
	case "push":
		return pushBadge.Render("[PSH]")
	case "pull":
		return pullBadge.Render("[PUL]")
	case "remote":
		return remoteBadge.Render("[RMT]")
	default:
		return subtleStyle.Render("[???]")
	}
}
