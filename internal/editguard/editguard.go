// Package editguard keeps remote changes from overwriting fields a user is
// typing into. Remote snapshots that arrive mid-edit are held until the edit
// ends, when the caller adopts or discards them.
package editguard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

const defaultHistorySize = 100

// RemoteChange is a notification that a remote write touched an entity.
// It feeds highlighting and is never persisted.
type RemoteChange struct {
	Table         string
	EntityID      string
	ChangedFields []string
	Applied       bool
	EventType     events.ActionType
	ValueDeltas   map[string]float64
	Remote        *models.Entity // nil for deletes
	ReceivedAt    time.Time
}

// Deferred is a remote snapshot held back while the entity was being edited.
type Deferred struct {
	Table         string
	EntityID      string
	Remote        *models.Entity
	Deleted       bool
	ChangedFields []string
	ReceivedAt    time.Time
}

// Replica stores an adopted snapshot. Implementations must also withdraw
// queued local writes the snapshot overrides, atomically with the write.
type Replica interface {
	AdoptRemote(ctx context.Context, d *Deferred) error
}

type key struct {
	table string
	id    string
}

// Config configures a Coordinator.
type Config struct {
	HistorySize int
	Clock       func() time.Time
}

// Coordinator tracks editing sessions and deferred remote snapshots.
type Coordinator struct {
	mu       sync.Mutex
	editing  map[key]map[string]bool
	deferred map[key]*Deferred
	history  []RemoteChange
	histSize int
	now      func() time.Time

	observers events.Observers[RemoteChange]
}

// New returns an empty coordinator.
func New(cfg Config) *Coordinator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		editing:  map[key]map[string]bool{},
		deferred: map[key]*Deferred{},
		histSize: cfg.HistorySize,
		now:      cfg.Clock,
	}
}

// MarkEditing records that field of the entity has input focus.
func (c *Coordinator) MarkEditing(table, id, field string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{table, id}
	if c.editing[k] == nil {
		c.editing[k] = map[string]bool{}
	}
	c.editing[k][field] = true
}

// ClearEditing ends the editing session and returns the snapshot deferred
// during it, if any. The snapshot stays available until Adopt or Discard.
func (c *Coordinator) ClearEditing(table, id string) *Deferred {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{table, id}
	delete(c.editing, k)
	if d, ok := c.deferred[k]; ok {
		cp := *d
		return &cp
	}
	return nil
}

// IsEditing reports whether any field of the entity is being edited.
func (c *Coordinator) IsEditing(id, table string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.editing[key{table, id}]) > 0
}

// EditingFields returns the fields being edited, sorted.
func (c *Coordinator) EditingFields(table, id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fields []string
	for f := range c.editing[key{table, id}] {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// RecordRemoteChange stores the notification and, while the entity is being
// edited, retains the remote snapshot. Later snapshots replace earlier ones;
// their changed fields accumulate.
func (c *Coordinator) RecordRemoteChange(rc RemoteChange) {
	if rc.ReceivedAt.IsZero() {
		rc.ReceivedAt = c.now()
	}

	c.mu.Lock()
	c.history = append(c.history, rc)
	if len(c.history) > c.histSize {
		c.history = c.history[len(c.history)-c.histSize:]
	}
	k := key{rc.Table, rc.EntityID}
	if len(c.editing[k]) > 0 && !rc.Applied {
		d := c.deferred[k]
		if d == nil {
			d = &Deferred{Table: rc.Table, EntityID: rc.EntityID}
			c.deferred[k] = d
		}
		d.Remote = rc.Remote.Clone()
		d.Deleted = rc.EventType == events.ActionDelete
		d.ReceivedAt = rc.ReceivedAt
		d.ChangedFields = mergeFields(d.ChangedFields, rc.ChangedFields)
	}
	c.mu.Unlock()

	c.observers.Notify(rc)
}

func mergeFields(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range append(append([]string{}, a...), b...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Deferred returns the retained snapshot for the entity.
func (c *Coordinator) Deferred(table, id string) (*Deferred, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deferred[key{table, id}]
	if !ok {
		return nil, false
	}
	cp := *d
	return &cp, true
}

// Adopt hands the retained snapshot to the replica, overwriting local edits,
// and forgets it.
func (c *Coordinator) Adopt(ctx context.Context, replica Replica, table, id string) (*Deferred, error) {
	d, ok := c.Deferred(table, id)
	if !ok {
		return nil, fmt.Errorf("no deferred change for %s/%s", table, id)
	}
	if c.IsEditing(id, table) {
		return nil, fmt.Errorf("%s/%s is still being edited", table, id)
	}
	if err := replica.AdoptRemote(ctx, d); err != nil {
		return nil, fmt.Errorf("adopt %s/%s: %w", table, id, err)
	}
	c.Discard(table, id)
	return d, nil
}

// Discard drops the retained snapshot, keeping local state.
func (c *Coordinator) Discard(table, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{table, id}
	_, ok := c.deferred[k]
	delete(c.deferred, k)
	return ok
}

// RecentChanges returns the retained notifications, oldest first.
func (c *Coordinator) RecentChanges() []RemoteChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RemoteChange(nil), c.history...)
}

// OnRemoteChange registers fn for every recorded change.
func (c *Coordinator) OnRemoteChange(fn func(RemoteChange)) func() {
	return c.observers.Add(fn)
}
