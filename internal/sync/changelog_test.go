package sync

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/prabhask5/stellar-sub000/internal/conflict"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setupChangeLogDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := InitServerChangeLog(db); err != nil {
		t.Fatalf("init change log: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeCreate(device, key, id string, at time.Time, fields map[string]any) PushChange {
	rec := map[string]any{models.FieldID: id}
	for k, v := range fields {
		rec[k] = v
	}
	return PushChange{
		OpIDs:     []string{key},
		Table:     "goals",
		EntityID:  id,
		Action:    events.ActionCreate,
		Record:    rec,
		UpdatedAt: at,
		DeviceID:  device,
	}
}

func makeUpdate(device, key, id string, at time.Time, fields, base map[string]any) PushChange {
	ch := makeCreate(device, key, id, at, fields)
	ch.Action = events.ActionUpdate
	ch.Base = base
	return ch
}

func push(t *testing.T, db *sql.DB, user string, changes ...PushChange) PushResult {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	res, err := InsertServerChanges(tx, user, PushBatch{Changes: changes}, conflict.DefaultRegistry(), t0)
	if err != nil {
		tx.Rollback()
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return res
}

func pull(t *testing.T, db *sql.DB, user string, after int64, limit int, exclude string) PullResult {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	res, err := GetChangesSince(tx, user, after, limit, exclude)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return res
}

func TestInsertServerChanges_Basic(t *testing.T) {
	db := setupChangeLogDB(t)

	result := push(t, db, "u1",
		makeCreate("d1", "k1", "g1", t0, map[string]any{"name": "a"}),
		makeCreate("d1", "k2", "g2", t0, map[string]any{"name": "b"}),
		makeCreate("d1", "k3", "g3", t0, map[string]any{"name": "c"}),
	)

	if len(result.Acks) != 3 {
		t.Fatalf("acks: got %d, want 3", len(result.Acks))
	}
	if len(result.Rejected) != 0 {
		t.Fatalf("rejected: got %d, want 0", len(result.Rejected))
	}
	for i, ack := range result.Acks {
		if !ack.Applied {
			t.Errorf("ack[%d] not applied", i)
		}
		if ack.ServerSeq <= 0 {
			t.Errorf("ack[%d] server_seq should be positive, got %d", i, ack.ServerSeq)
		}
		if i > 0 && ack.ServerSeq <= result.Acks[i-1].ServerSeq {
			t.Errorf("ack[%d] server_seq %d not greater than ack[%d] %d", i, ack.ServerSeq, i-1, result.Acks[i-1].ServerSeq)
		}
		if ack.Record[models.FieldDeviceID] != "d1" {
			t.Errorf("ack[%d] record device: got %v, want d1", i, ack.Record[models.FieldDeviceID])
		}
	}
	if len(result.Changes) != 3 {
		t.Fatalf("changes: got %d, want 3", len(result.Changes))
	}
}

func TestInsertServerChanges_Dedup(t *testing.T) {
	db := setupChangeLogDB(t)
	ch := makeCreate("d1", "k1", "g1", t0, map[string]any{"name": "a"})

	r1 := push(t, db, "u1", ch)
	r2 := push(t, db, "u1", ch)

	if len(r2.Acks) != 1 || !r2.Acks[0].Duplicate {
		t.Fatalf("second push: got %+v, want one duplicate ack", r2.Acks)
	}
	if r2.Acks[0].ServerSeq != r1.Acks[0].ServerSeq {
		t.Errorf("duplicate ServerSeq: got %d, want %d (original)", r2.Acks[0].ServerSeq, r1.Acks[0].ServerSeq)
	}
	if r2.Acks[0].Record["name"] != "a" {
		t.Errorf("duplicate record: got %v, want current row", r2.Acks[0].Record)
	}
	if len(r2.Changes) != 0 {
		t.Errorf("duplicate appended %d changes", len(r2.Changes))
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM changes").Scan(&count)
	if count != 1 {
		t.Fatalf("total changes: got %d, want 1", count)
	}
}

func TestInsertServerChanges_ValidationReject(t *testing.T) {
	db := setupChangeLogDB(t)

	tests := []struct {
		name   string
		change PushChange
		want   string
	}{
		{"device", makeCreate("", "k1", "g1", t0, nil), "empty device_id"},
		{"entity", makeCreate("d1", "k1", "", t0, nil), "empty entity_id"},
		{"key", PushChange{Table: "goals", EntityID: "g1", DeviceID: "d1"}, "empty change key"},
		{"table", PushChange{OpIDs: []string{"k"}, Table: "nope", EntityID: "g1", DeviceID: "d1"}, `unknown table "nope"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := push(t, db, "u1", tt.change)
			if len(result.Acks) != 0 || len(result.Rejected) != 1 {
				t.Fatalf("got %d acks, %d rejected; want 0, 1", len(result.Acks), len(result.Rejected))
			}
			if r := result.Rejected[0].Reason; r != tt.want {
				t.Fatalf("reason: got %q, want %q", r, tt.want)
			}
		})
	}
}

func TestInsertServerChanges_LastWriterWins(t *testing.T) {
	db := setupChangeLogDB(t)
	push(t, db, "u1", makeCreate("d1", "k1", "g1", t0, map[string]any{"name": "a"}))

	newer := push(t, db, "u1", makeUpdate("d2", "k2", "g1", t0.Add(2*time.Second), map[string]any{"name": "b"}, map[string]any{"name": "a"}))
	if !newer.Acks[0].Applied || newer.Acks[0].Record["name"] != "b" {
		t.Fatalf("newer write: got %+v, want applied name=b", newer.Acks[0])
	}

	older := push(t, db, "u1", makeUpdate("d3", "k3", "g1", t0.Add(time.Second), map[string]any{"name": "c"}, map[string]any{"name": "a"}))
	ack := older.Acks[0]
	if ack.Applied {
		t.Fatal("older write should not apply")
	}
	if ack.Record["name"] != "b" || ack.Record[models.FieldDeviceID] != "d2" {
		t.Fatalf("stale ack record: got %v, want the d2 row", ack.Record)
	}
	if len(older.Changes) != 0 {
		t.Fatalf("stale write appended %d changes", len(older.Changes))
	}
}

func TestInsertServerChanges_TieBreaksOnDevice(t *testing.T) {
	db := setupChangeLogDB(t)
	push(t, db, "u1", makeCreate("bbb", "k1", "g1", t0, map[string]any{"name": "b"}))

	res := push(t, db, "u1", makeUpdate("aaa", "k2", "g1", t0, map[string]any{"name": "a"}, nil))
	if !res.Acks[0].Applied || res.Acks[0].Record["name"] != "a" {
		t.Fatalf("smaller device should win a tie: got %+v", res.Acks[0])
	}
	res = push(t, db, "u1", makeUpdate("ccc", "k3", "g1", t0, map[string]any{"name": "c"}, nil))
	if res.Acks[0].Applied {
		t.Fatalf("larger device should lose a tie: got %+v", res.Acks[0])
	}
}

func TestInsertServerChanges_AdditiveSumsDeltas(t *testing.T) {
	db := setupChangeLogDB(t)
	push(t, db, "u1", makeCreate("d1", "k1", "g1", t0, map[string]any{"current_value": 10}))

	// Both devices started from 10: one added 3, the other added 2.
	push(t, db, "u1", makeUpdate("d1", "k2", "g1", t0.Add(time.Second), map[string]any{"current_value": 13}, map[string]any{"current_value": 10}))
	res := push(t, db, "u1", makeUpdate("d2", "k3", "g1", t0.Add(500*time.Millisecond), map[string]any{"current_value": 12}, map[string]any{"current_value": 10}))

	ack := res.Acks[0]
	if !ack.Applied {
		t.Fatal("additive delta should apply even from an older write")
	}
	if got := ack.Record["current_value"]; got != 15.0 {
		t.Fatalf("current_value: got %v, want 15", got)
	}
	if ack.Record[models.FieldDeviceID] != "d2" {
		t.Errorf("device: got %v, want d2", ack.Record[models.FieldDeviceID])
	}
	if ack.Record[models.FieldUpdatedAt] != models.FormatTime(t0.Add(time.Second)) {
		t.Errorf("updated_at moved backwards: got %v", ack.Record[models.FieldUpdatedAt])
	}
}

func TestInsertServerChanges_DeleteAndResurrect(t *testing.T) {
	db := setupChangeLogDB(t)
	push(t, db, "u1", makeCreate("d1", "k1", "g1", t0, map[string]any{"name": "a"}))

	del := PushChange{OpIDs: []string{"k2"}, Table: "goals", EntityID: "g1", Action: events.ActionDelete, UpdatedAt: t0.Add(2 * time.Second), DeviceID: "d2"}
	res := push(t, db, "u1", del)
	if !res.Acks[0].Applied || !res.Acks[0].Deleted || res.Acks[0].Record != nil {
		t.Fatalf("delete ack: got %+v", res.Acks[0])
	}
	ch := res.Changes[0]
	if ch.EventType != events.ActionDelete || ch.New != nil {
		t.Fatalf("delete change: got %+v", ch)
	}
	if ch.DeviceID() != "d2" || ch.Old[models.FieldUpdatedAt] != models.FormatTime(del.UpdatedAt) {
		t.Fatalf("delete change should carry the deleter's claim: got %v", ch.Old)
	}

	stale := push(t, db, "u1", makeUpdate("d1", "k3", "g1", t0.Add(time.Second), map[string]any{"name": "x"}, nil))
	if stale.Acks[0].Applied || !stale.Acks[0].Deleted {
		t.Fatalf("update older than delete: got %+v, want not applied, deleted", stale.Acks[0])
	}

	newer := push(t, db, "u1", makeUpdate("d1", "k4", "g1", t0.Add(3*time.Second), map[string]any{"name": "y"}, nil))
	if !newer.Acks[0].Applied || newer.Acks[0].Deleted {
		t.Fatalf("update newer than delete: got %+v, want applied", newer.Acks[0])
	}
	if newer.Changes[0].EventType != events.ActionCreate {
		t.Errorf("resurrect event: got %q, want create", newer.Changes[0].EventType)
	}
}

func TestInsertServerChanges_UsersAreIsolated(t *testing.T) {
	db := setupChangeLogDB(t)
	push(t, db, "u1", makeCreate("d1", "k1", "g1", t0, map[string]any{"name": "a"}))
	push(t, db, "u2", makeCreate("d1", "k1", "g1", t0, map[string]any{"name": "b"}))

	if got := pull(t, db, "u2", 0, 100, ""); len(got.Changes) != 1 || got.Changes[0].New["name"] != "b" {
		t.Fatalf("u2 changes: got %+v", got.Changes)
	}
}

func TestGetChangesSince_All(t *testing.T) {
	db := setupChangeLogDB(t)
	for i := 1; i <= 5; i++ {
		push(t, db, "u1", makeCreate("d1", fmt.Sprintf("k%d", i), fmt.Sprintf("g%d", i), t0, map[string]any{"n": i}))
	}

	result := pull(t, db, "u1", 0, 100, "")
	if len(result.Changes) != 5 {
		t.Fatalf("changes: got %d, want 5", len(result.Changes))
	}
	if result.HasMore {
		t.Fatal("HasMore should be false")
	}
	if result.LastServerSeq != result.Changes[4].Seq {
		t.Fatalf("LastServerSeq: got %d, want %d", result.LastServerSeq, result.Changes[4].Seq)
	}
	if result.Changes[0].New["n"] != 1.0 {
		t.Errorf("record: got %v, want n=1", result.Changes[0].New)
	}
}

func TestGetChangesSince_PartialAndLimit(t *testing.T) {
	db := setupChangeLogDB(t)
	for i := 1; i <= 10; i++ {
		push(t, db, "u1", makeCreate("d1", fmt.Sprintf("k%d", i), fmt.Sprintf("g%d", i), t0, nil))
	}

	result := pull(t, db, "u1", 3, 100, "")
	if len(result.Changes) != 7 || result.Changes[0].Seq != 4 {
		t.Fatalf("partial: got %d changes starting at %d, want 7 from 4", len(result.Changes), result.Changes[0].Seq)
	}

	result = pull(t, db, "u1", 0, 3, "")
	if len(result.Changes) != 3 {
		t.Fatalf("changes: got %d, want 3", len(result.Changes))
	}
	if !result.HasMore {
		t.Fatal("HasMore should be true")
	}
}

func TestGetChangesSince_ExcludeDevice(t *testing.T) {
	db := setupChangeLogDB(t)
	push(t, db, "u1",
		makeCreate("d1", "k1", "e1", t0, nil),
		makeCreate("d1", "k2", "e2", t0, nil),
		makeCreate("d2", "k1", "e3", t0, nil),
		makeCreate("d2", "k2", "e4", t0, nil),
	)

	result := pull(t, db, "u1", 0, 100, "d1")
	if len(result.Changes) != 2 {
		t.Fatalf("changes: got %d, want 2", len(result.Changes))
	}
	for _, ch := range result.Changes {
		if ch.DeviceID() != "d2" {
			t.Fatalf("expected device d2, got %q", ch.DeviceID())
		}
	}
}

func TestGetChangesSince_Empty(t *testing.T) {
	db := setupChangeLogDB(t)

	result := pull(t, db, "u1", 42, 100, "")
	if len(result.Changes) != 0 {
		t.Fatalf("changes: got %d, want 0", len(result.Changes))
	}
	if result.LastServerSeq != 42 {
		t.Fatalf("LastServerSeq: got %d, want 42", result.LastServerSeq)
	}
	if result.HasMore {
		t.Fatal("HasMore should be false")
	}
}

func TestGetServerStatus(t *testing.T) {
	db := setupChangeLogDB(t)
	push(t, db, "u1", makeCreate("d1", "k1", "g1", t0, nil), makeCreate("d1", "k2", "g2", t0, nil))

	tx, _ := db.Begin()
	defer tx.Rollback()
	st, err := GetServerStatus(tx, "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.ChangeCount != 2 || st.LastServerSeq != 2 {
		t.Fatalf("status: got %+v, want 2 changes up to seq 2", st)
	}
	if st.LastChangeTime == nil || !st.LastChangeTime.Equal(t0) {
		t.Fatalf("LastChangeTime: got %v, want %v", st.LastChangeTime, t0)
	}

	empty, err := GetServerStatus(tx, "nobody")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if empty.ChangeCount != 0 || empty.LastChangeTime != nil {
		t.Fatalf("empty status: got %+v", empty)
	}
}
