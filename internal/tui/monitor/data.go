package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/queue"
	"github.com/prabhask5/stellar-sub000/internal/realtime"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

const (
	activityLimit = 50
	conflictLimit = 20
)

// ActivityItem is one row of the activity panel: a local push or pull from
// sync history, or a remote change seen by the edit coordinator.
type ActivityItem struct {
	Timestamp time.Time
	Kind      string // "push", "pull" or "remote"
	Table     string
	EntityID  string
	Action    string
	Detail    string
}

// Snapshot is everything one dashboard frame shows.
type Snapshot struct {
	Status     tdsync.Status
	Online     bool
	Realtime   realtime.State
	GaveUp     bool
	Pending    int
	Checkpoint int64
	LastSync   time.Time
	Counts     map[string]int
	Errors     []string
	Activity   []ActivityItem
	Conflicts  []db.ConflictRecord
	Deferred   int
}

// Sources reads a snapshot from the running components. Listener and Editing
// may be nil.
type Sources struct {
	DB       *db.DB
	Queue    *queue.Queue
	Engine   *tdsync.Engine
	Listener *realtime.Listener
	Editing  *editguard.Coordinator
}

// Snapshot implements Source.
func (s Sources) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Status:   s.Engine.Status(),
		Online:   s.Engine.Online(),
		LastSync: s.Engine.LastSync(),
		Realtime: realtime.StateDisconnected,
	}
	for _, err := range s.Engine.Errors() {
		snap.Errors = append(snap.Errors, err.Error())
	}
	if s.Listener != nil {
		snap.Realtime = s.Listener.State()
		snap.GaveUp = s.Listener.GaveUp()
	}

	var err error
	if snap.Pending, err = s.Queue.Count(ctx); err != nil {
		return snap, err
	}
	if snap.Checkpoint, err = s.DB.GetCheckpoint(ctx); err != nil {
		return snap, err
	}
	if snap.Counts, err = s.DB.CountEntities(ctx); err != nil {
		return snap, err
	}
	if snap.Conflicts, err = s.DB.GetRecentConflicts(ctx, conflictLimit, nil); err != nil {
		return snap, err
	}
	history, err := s.DB.GetSyncHistoryTail(ctx, activityLimit)
	if err != nil {
		return snap, err
	}

	var remote []editguard.RemoteChange
	if s.Editing != nil {
		remote = s.Editing.RecentChanges()
		snap.Deferred = countDeferred(remote)
	}
	snap.Activity = mergeActivity(history, remote, activityLimit)
	return snap, nil
}

// mergeActivity interleaves history and remote changes newest first.
func mergeActivity(history []db.SyncHistoryEntry, remote []editguard.RemoteChange, limit int) []ActivityItem {
	items := make([]ActivityItem, 0, len(history)+len(remote))
	for _, h := range history {
		items = append(items, ActivityItem{
			Timestamp: h.Timestamp,
			Kind:      h.Direction,
			Table:     h.Table,
			EntityID:  h.EntityID,
			Action:    h.ActionType,
		})
	}
	for _, rc := range remote {
		detail := "applied"
		if !rc.Applied {
			detail = "deferred"
		}
		items = append(items, ActivityItem{
			Timestamp: rc.ReceivedAt,
			Kind:      "remote",
			Table:     rc.Table,
			EntityID:  rc.EntityID,
			Action:    string(rc.EventType),
			Detail:    detail,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func countDeferred(changes []editguard.RemoteChange) int {
	n := 0
	for _, rc := range changes {
		if !rc.Applied {
			n++
		}
	}
	return n
}
