package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpenRunsMigrations(t *testing.T) {
	database := openTestDB(t)
	v, err := database.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("schema version: got %d, want %d", v, SchemaVersion)
	}

	n, err := database.RunMigrations()
	if err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	if n != 0 {
		t.Errorf("second migration run applied %d, want 0", n)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := models.NewEntity("goals", "g1")
	e.Set("name", "Read")
	if err := first.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	first.Close()

	second, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.Get(ctx, "goals", "g1")
	if err != nil || got == nil {
		t.Fatalf("Get after reopen: %v, %v", got, err)
	}
	if got.Fields["name"] != "Read" {
		t.Errorf("name: got %v, want Read", got.Fields["name"])
	}
}

func TestPutGetDelete(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	missing, err := database.Get(ctx, "goals", "nope")
	if err != nil || missing != nil {
		t.Fatalf("Get missing: got %v, %v, want nil, nil", missing, err)
	}

	e := models.NewEntity("goals", "g1")
	e.UpdatedAt = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	e.DeviceID = "aaa"
	e.Set("name", "Read")
	e.Set("current_value", 3)
	e.Set("tags", []any{"a", "b"})

	if err := database.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := database.Get(ctx, "goals", "g1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Same id in another table is a different entity
	other, _ := database.Get(ctx, "tasks", "g1")
	if other != nil {
		t.Errorf("entity leaked across tables: %+v", other)
	}

	if err := database.Delete(ctx, "goals", "g1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := database.Delete(ctx, "goals", "g1"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	gone, _ := database.Get(ctx, "goals", "g1")
	if gone != nil {
		t.Errorf("entity still present after delete: %+v", gone)
	}
}

func TestMarkPendingDelete(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	e := models.NewEntity("tasks", "t1")
	e.Set("name", "x")
	if err := database.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := database.MarkPendingDelete(ctx, "tasks", "t1", true); err != nil {
		t.Fatalf("MarkPendingDelete: %v", err)
	}
	pending, err := database.IsPendingDelete(ctx, "tasks", "t1")
	if err != nil || !pending {
		t.Fatalf("IsPendingDelete: got %v, %v, want true", pending, err)
	}

	// A fresh write clears the flag
	if err := database.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	pending, _ = database.IsPendingDelete(ctx, "tasks", "t1")
	if pending {
		t.Error("Put should clear pending_delete")
	}

	if err := database.MarkPendingDelete(ctx, "tasks", "missing", true); err != nil {
		t.Errorf("MarkPendingDelete on missing row: %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	for _, ref := range [][2]string{{"tasks", "b"}, {"goals", "z"}, {"tasks", "a"}} {
		e := models.NewEntity(ref[0], ref[1])
		if err := database.Put(ctx, e); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	tasks, err := database.List(ctx, "tasks")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" || tasks[1].ID != "b" {
		t.Fatalf("List(tasks): got %v", tasks)
	}

	all, _ := database.List(ctx, "")
	if len(all) != 3 || all[0].Table != "goals" {
		t.Fatalf("List(all): got %d entities, first table %q", len(all), all[0].Table)
	}

	counts, err := database.CountEntities(ctx)
	if err != nil {
		t.Fatalf("CountEntities: %v", err)
	}
	if counts["tasks"] != 2 || counts["goals"] != 1 {
		t.Errorf("counts: got %v", counts)
	}
}

func TestCheckpoint(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	seq, err := database.GetCheckpoint(ctx)
	if err != nil || seq != 0 {
		t.Fatalf("fresh checkpoint: got %d, %v, want 0", seq, err)
	}
	if err := database.SetCheckpoint(ctx, 42); err != nil {
		t.Fatalf("SetCheckpoint: %v", err)
	}
	if seq, _ = database.GetCheckpoint(ctx); seq != 42 {
		t.Errorf("checkpoint: got %d, want 42", seq)
	}

	pushedAt := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	if err := database.MarkPushed(ctx, pushedAt); err != nil {
		t.Fatalf("MarkPushed: %v", err)
	}
	state, err := database.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	if state.LastPulledSeq != 42 {
		t.Errorf("MarkPushed must not move the checkpoint: got %d", state.LastPulledSeq)
	}
	if state.LastPushedAt == nil || !state.LastPushedAt.Equal(pushedAt) {
		t.Errorf("LastPushedAt: got %v, want %v", state.LastPushedAt, pushedAt)
	}

	if err := database.ClearSyncState(ctx); err != nil {
		t.Fatalf("ClearSyncState: %v", err)
	}
	if seq, _ = database.GetCheckpoint(ctx); seq != 0 {
		t.Errorf("checkpoint after clear: got %d, want 0", seq)
	}
}

func TestConflictHistory(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"g1", "g2", "g3"} {
		err := database.RecordConflict(ctx, ConflictRecord{
			Table:      "goals",
			EntityID:   id,
			Source:     "pull",
			Fields:     []string{"name"},
			LocalData:  `{"name":"a"}`,
			RemoteData: `{"name":"b"}`,
			ResolvedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordConflict: %v", err)
		}
	}

	all, err := database.GetRecentConflicts(ctx, 10, nil)
	if err != nil {
		t.Fatalf("GetRecentConflicts: %v", err)
	}
	if len(all) != 3 || all[0].EntityID != "g3" {
		t.Fatalf("want newest first, got %+v", all)
	}
	if diff := cmp.Diff([]string{"name"}, all[0].Fields); diff != "" {
		t.Errorf("fields (-want +got):\n%s", diff)
	}
	if all[0].MergedData != "null" {
		t.Errorf("empty merged data: got %q, want null", all[0].MergedData)
	}

	since := base.Add(time.Minute)
	recent, _ := database.GetRecentConflicts(ctx, 10, &since)
	if len(recent) != 2 {
		t.Errorf("since filter: got %d, want 2", len(recent))
	}

	limited, _ := database.GetRecentConflicts(ctx, 1, nil)
	if len(limited) != 1 {
		t.Errorf("limit: got %d, want 1", len(limited))
	}
}

func TestSyncHistoryTail(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	var entries []SyncHistoryEntry
	for i, id := range []string{"a", "b", "c"} {
		entries = append(entries, SyncHistoryEntry{
			Direction:  DirectionPull,
			ActionType: "update",
			Table:      "tasks",
			EntityID:   id,
			ServerSeq:  int64(i + 1),
			DeviceID:   "dev",
		})
	}
	if err := database.RecordSyncHistory(ctx, entries); err != nil {
		t.Fatalf("RecordSyncHistory: %v", err)
	}

	tail, err := database.GetSyncHistoryTail(ctx, 2)
	if err != nil {
		t.Fatalf("GetSyncHistoryTail: %v", err)
	}
	if len(tail) != 2 || tail[0].EntityID != "b" || tail[1].EntityID != "c" {
		t.Fatalf("tail: got %+v, want [b c]", tail)
	}

	after, err := database.GetSyncHistory(ctx, tail[0].ID, 10)
	if err != nil {
		t.Fatalf("GetSyncHistory: %v", err)
	}
	if len(after) != 1 || after[0].EntityID != "c" || after[0].ServerSeq != 3 {
		t.Errorf("after: got %+v", after)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()

	sentinel := context.Canceled
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		e := models.NewEntity("goals", "g1")
		if err := PutEntityTx(ctx, tx, e); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("WithTx: got %v, want %v", err, sentinel)
	}
	got, _ := database.Get(ctx, "goals", "g1")
	if got != nil {
		t.Error("rolled back write is visible")
	}
}
