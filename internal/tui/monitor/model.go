package monitor

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

// Panel represents which panel is active
type Panel int

const (
	PanelStatus Panel = iota
	PanelActivity
	PanelConflicts
)

const panelCount = 3

// Source produces dashboard snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// SyncFunc starts a manual sync cycle. It must not block.
type SyncFunc func()

// Model is the Bubble Tea model for the sync monitor.
type Model struct {
	source Source
	syncFn SyncFunc

	// Window dimensions
	Width  int
	Height int

	Data Snapshot

	// UI state
	ActivePanel  Panel
	ScrollOffset map[Panel]int
	ShowHelp     bool
	LastRefresh  time.Time
	Err          error
	Notice       string

	spinner spinner.Model

	RefreshInterval time.Duration
	Version         string
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// MinHeight is the minimum terminal height for proper display
const MinHeight = 15

// TickMsg triggers a data refresh
type TickMsg time.Time

// RefreshDataMsg carries refreshed data
type RefreshDataMsg struct {
	Data      Snapshot
	Err       error
	Timestamp time.Time
}

// ClearNoticeMsg clears the footer notice.
type ClearNoticeMsg struct{}

// NewModel creates a monitor model. syncFn may be nil, which disables the
// sync key.
func NewModel(source Source, syncFn SyncFunc, interval time.Duration, version string) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle))
	return Model{
		source:          source,
		syncFn:          syncFn,
		RefreshInterval: interval,
		ScrollOffset:    make(map[Panel]int),
		ActivePanel:     PanelStatus,
		spinner:         sp,
		Version:         version,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchData(),
		m.scheduleTick(),
		m.spinner.Tick,
	)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.fetchData(), m.scheduleTick())

	case RefreshDataMsg:
		m.Err = msg.Err
		if msg.Err == nil {
			m.Data = msg.Data
		}
		m.LastRefresh = msg.Timestamp
		return m, nil

	case ClearNoticeMsg:
		m.Notice = ""
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.ActivePanel = (m.ActivePanel + 1) % panelCount
		return m, nil

	case "shift+tab":
		m.ActivePanel = (m.ActivePanel + panelCount - 1) % panelCount
		return m, nil

	case "1":
		m.ActivePanel = PanelStatus
		return m, nil

	case "2":
		m.ActivePanel = PanelActivity
		return m, nil

	case "3":
		m.ActivePanel = PanelConflicts
		return m, nil

	case "j", "down":
		m.ScrollOffset[m.ActivePanel]++
		return m, nil

	case "k", "up":
		if m.ScrollOffset[m.ActivePanel] > 0 {
			m.ScrollOffset[m.ActivePanel]--
		}
		return m, nil

	case "r":
		return m, m.fetchData()

	case "s":
		if m.syncFn == nil {
			m.Notice = "sync unavailable"
		} else {
			m.syncFn()
			m.Notice = "sync requested"
		}
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return ClearNoticeMsg{} })

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// Syncing reports whether the last snapshot showed a cycle in flight.
func (m Model) Syncing() bool {
	return m.Data.Status == tdsync.StatusSyncing
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// fetchData returns a command that fetches a snapshot and sends a RefreshDataMsg
func (m Model) fetchData() tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		data, err := source.Snapshot(ctx)
		return RefreshDataMsg{Data: data, Err: err, Timestamp: time.Now()}
	}
}
