package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/realtime"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

type staticSource struct {
	snap Snapshot
	err  error
}

func (s staticSource) Snapshot(context.Context) (Snapshot, error) {
	return s.snap, s.err
}

func sized(m Model) Model {
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return updated.(Model)
}

func key(m Model, k string) Model {
	var msg tea.KeyMsg
	switch k {
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	case "shift+tab":
		msg = tea.KeyMsg{Type: tea.KeyShiftTab}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
	updated, _ := m.Update(msg)
	return updated.(Model)
}

func TestPanelNavigation(t *testing.T) {
	m := sized(NewModel(staticSource{}, nil, time.Second, "dev"))

	m = key(m, "tab")
	if m.ActivePanel != PanelActivity {
		t.Errorf("tab: got %v, want %v", m.ActivePanel, PanelActivity)
	}
	m = key(m, "shift+tab")
	m = key(m, "shift+tab")
	if m.ActivePanel != PanelConflicts {
		t.Errorf("shift+tab wrap: got %v, want %v", m.ActivePanel, PanelConflicts)
	}
	m = key(m, "1")
	if m.ActivePanel != PanelStatus {
		t.Errorf("1: got %v, want %v", m.ActivePanel, PanelStatus)
	}

	m = key(m, "k")
	if m.ScrollOffset[PanelStatus] != 0 {
		t.Errorf("scroll up at top: got %d, want 0", m.ScrollOffset[PanelStatus])
	}
	m = key(m, "j")
	if m.ScrollOffset[PanelStatus] != 1 {
		t.Errorf("scroll down: got %d, want 1", m.ScrollOffset[PanelStatus])
	}
}

func TestFetchDataDeliversSnapshot(t *testing.T) {
	src := staticSource{snap: Snapshot{Status: tdsync.StatusPending, Pending: 3}}
	m := sized(NewModel(src, nil, time.Second, ""))

	msg := m.fetchData()()
	updated, _ := m.Update(msg)
	m = updated.(Model)

	if m.Data.Pending != 3 || m.Data.Status != tdsync.StatusPending {
		t.Errorf("snapshot not applied: got %+v", m.Data)
	}
	if m.LastRefresh.IsZero() {
		t.Error("LastRefresh not set")
	}
}

func TestFetchErrorKeepsPreviousData(t *testing.T) {
	m := sized(NewModel(staticSource{}, nil, time.Second, ""))
	m.Data = Snapshot{Pending: 7}

	updated, _ := m.Update(RefreshDataMsg{Err: errors.New("db locked"), Timestamp: time.Now()})
	m = updated.(Model)

	if m.Data.Pending != 7 {
		t.Errorf("data replaced on error: got %d, want 7", m.Data.Pending)
	}
	if !strings.Contains(m.View(), "db locked") {
		t.Errorf("error not rendered: %q", m.View())
	}
}

func TestSyncKeyCallsSyncFunc(t *testing.T) {
	calls := 0
	m := sized(NewModel(staticSource{}, func() { calls++ }, time.Second, ""))

	m = key(m, "s")
	if calls != 1 {
		t.Errorf("sync calls: got %d, want 1", calls)
	}
	if m.Notice != "sync requested" {
		t.Errorf("notice: got %q, want %q", m.Notice, "sync requested")
	}

	updated, _ := m.Update(ClearNoticeMsg{})
	if updated.(Model).Notice != "" {
		t.Error("notice not cleared")
	}

	m = sized(NewModel(staticSource{}, nil, time.Second, ""))
	m = key(m, "s")
	if m.Notice != "sync unavailable" {
		t.Errorf("nil sync func notice: got %q", m.Notice)
	}
}

func TestViewRendersPanels(t *testing.T) {
	now := time.Now()
	m := sized(NewModel(staticSource{}, nil, time.Second, "v1.2.3"))
	m.Data = Snapshot{
		Status:   tdsync.StatusSynced,
		Online:   true,
		Realtime: realtime.StateConnected,
		Pending:  2,
		Counts:   map[string]int{"goals": 4},
		Activity: []ActivityItem{{Timestamp: now, Kind: "push", Table: "goals", EntityID: "g1", Action: "update"}},
		Conflicts: []db.ConflictRecord{
			{Table: "goals", EntityID: "g2", Source: "pull", Fields: []string{"name"}, ResolvedAt: now},
		},
	}

	view := m.View()
	for _, want := range []string{"STATUS", "ACTIVITY", "CONFLICTS", "connected", "goals:4", "goals/g1", "goals/g2", "v1.2.3"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestViewCompactAndHelp(t *testing.T) {
	m := NewModel(staticSource{}, nil, time.Second, "")
	if got := m.View(); got != "Loading..." {
		t.Errorf("unsized view: got %q", got)
	}

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 30, Height: 10})
	m = updated.(Model)
	if !strings.Contains(m.View(), "resize for full view") {
		t.Errorf("compact view: got %q", m.View())
	}

	m = sized(m)
	m = key(m, "?")
	if !strings.Contains(m.View(), "Key Bindings") {
		t.Error("help not shown")
	}
}

func TestMergeActivityNewestFirst(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	history := []db.SyncHistoryEntry{
		{Direction: "push", Table: "goals", EntityID: "a", Timestamp: t0},
		{Direction: "pull", Table: "goals", EntityID: "b", Timestamp: t0.Add(2 * time.Second)},
	}
	remote := []editguard.RemoteChange{
		{Table: "goals", EntityID: "c", Applied: false, ReceivedAt: t0.Add(time.Second)},
	}

	items := mergeActivity(history, remote, 10)
	if len(items) != 3 {
		t.Fatalf("len: got %d, want 3", len(items))
	}
	got := []string{items[0].EntityID, items[1].EntityID, items[2].EntityID}
	if got[0] != "b" || got[1] != "c" || got[2] != "a" {
		t.Errorf("order: got %v, want [b c a]", got)
	}
	if items[1].Detail != "deferred" || items[1].Kind != "remote" {
		t.Errorf("remote item: got %+v", items[1])
	}

	if got := mergeActivity(history, remote, 1); len(got) != 1 {
		t.Errorf("limit: got %d, want 1", len(got))
	}
	if n := countDeferred(remote); n != 1 {
		t.Errorf("countDeferred: got %d, want 1", n)
	}
}

func TestFormatCounts(t *testing.T) {
	if got := formatCounts(nil); got != "no rows" {
		t.Errorf("empty: got %q", got)
	}
	if got := formatCounts(map[string]int{"projects": 1, "goals": 2}); got != "goals:2  projects:1" {
		t.Errorf("sorted: got %q", got)
	}
}
