package queue

import (
	"context"
	"testing"

	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

func seedGoal(t *testing.T, q *Queue, fields map[string]any) {
	t.Helper()
	ctx := context.Background()
	if _, err := q.Mutate(ctx, "goals", "g1", events.ActionCreate, fields); err != nil {
		t.Fatalf("Mutate create: %v", err)
	}
	if err := q.RemoveConfirmed(ctx, "g1", models.OpIDs(mustOps(t, q, "g1"))); err != nil {
		t.Fatalf("RemoveConfirmed: %v", err)
	}
}

func TestAdoptRemoteStripsOverriddenFields(t *testing.T) {
	q, database := setupQueue(t)
	ctx := context.Background()
	seedGoal(t, q, map[string]any{"name": "Read", "current_value": 10})

	if _, err := q.Mutate(ctx, "goals", "g1", events.ActionUpdate, map[string]any{"current_value": 13, "notes": "mine"}); err != nil {
		t.Fatalf("Mutate update: %v", err)
	}

	remote := models.NewEntity("goals", "g1")
	remote.DeviceID = "dev-b"
	remote.Set("name", "Read")
	remote.Set("current_value", 12)
	d := &editguard.Deferred{Table: "goals", EntityID: "g1", Remote: remote, ChangedFields: []string{"current_value"}}
	if err := q.AdoptRemote(ctx, d); err != nil {
		t.Fatalf("AdoptRemote: %v", err)
	}

	row, _ := database.Get(ctx, "goals", "g1")
	if row.Fields["current_value"] != 12.0 {
		t.Errorf("current_value: got %v, want 12", row.Fields["current_value"])
	}
	if row.Fields["notes"] != "mine" {
		t.Errorf("notes: got %v, want mine", row.Fields["notes"])
	}

	ops := mustOps(t, q, "g1")
	if len(ops) != 1 {
		t.Fatalf("ops: got %d, want 1", len(ops))
	}
	if _, ok := ops[0].Payload["current_value"]; ok {
		t.Errorf("adopted field still queued: %v", ops[0].Payload)
	}
	if _, ok := ops[0].Base["current_value"]; ok {
		t.Errorf("adopted field still has a base: %v", ops[0].Base)
	}
	if ops[0].Payload["notes"] != "mine" {
		t.Errorf("notes payload: got %v, want mine", ops[0].Payload["notes"])
	}
	if !q.HasPending("g1") {
		t.Error("HasPending false with a write still queued")
	}
}

func TestAdoptRemoteDropsFullyOverriddenOps(t *testing.T) {
	q, database := setupQueue(t)
	ctx := context.Background()
	seedGoal(t, q, map[string]any{"name": "Read", "current_value": 10})

	if _, err := q.Mutate(ctx, "goals", "g1", events.ActionUpdate, map[string]any{"current_value": 13}); err != nil {
		t.Fatalf("Mutate update: %v", err)
	}

	remote := models.NewEntity("goals", "g1")
	remote.Set("name", "Read")
	remote.Set("current_value", 12)
	if err := q.AdoptRemote(ctx, &editguard.Deferred{Table: "goals", EntityID: "g1", Remote: remote}); err != nil {
		t.Fatalf("AdoptRemote: %v", err)
	}

	if n, _ := q.Count(ctx); n != 0 {
		t.Fatalf("queue: got %d ops, want 0", n)
	}
	if q.HasPending("g1") {
		t.Error("HasPending true after every op was withdrawn")
	}
	row, _ := database.Get(ctx, "goals", "g1")
	if row.Fields["current_value"] != 12.0 {
		t.Errorf("current_value: got %v, want 12", row.Fields["current_value"])
	}
}

func TestAdoptRemoteDelete(t *testing.T) {
	q, database := setupQueue(t)
	ctx := context.Background()
	seedGoal(t, q, map[string]any{"name": "Read"})

	if _, err := q.Mutate(ctx, "goals", "g1", events.ActionUpdate, map[string]any{"name": "Books"}); err != nil {
		t.Fatalf("Mutate update: %v", err)
	}
	if err := q.AdoptRemote(ctx, &editguard.Deferred{Table: "goals", EntityID: "g1", Deleted: true}); err != nil {
		t.Fatalf("AdoptRemote: %v", err)
	}

	if row, _ := database.Get(ctx, "goals", "g1"); row != nil {
		t.Errorf("row survived remote delete: %v", row.Fields)
	}
	if n, _ := q.Count(ctx); n != 0 {
		t.Errorf("queue: got %d ops, want 0", n)
	}
	if q.HasPending("g1") {
		t.Error("HasPending true after remote delete was adopted")
	}
}
