package models

import (
	"sort"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/events"
)

// PendingOp is a local mutation not yet confirmed durable in the remote store.
// Payload holds the fields the mutation wrote; Base holds their values immediately
// before it, which is the common ancestor used for additive merges.
type PendingOp struct {
	ID         string
	Table      string
	EntityID   string
	Op         events.ActionType
	Payload    map[string]any
	Base       map[string]any
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// TouchedFields returns the content fields written by any of ops, sorted.
func TouchedFields(ops []PendingOp) []string {
	seen := map[string]bool{}
	for _, op := range ops {
		for k := range op.Payload {
			if !IsMetadataField(k) {
				seen[k] = true
			}
		}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// AccumulatePayload folds ops (oldest first) into the action and payload to push.
// A create followed by updates stays a create; a trailing delete wins over
// everything before it; a write after a delete starts a fresh payload.
func AccumulatePayload(ops []PendingOp) (events.ActionType, map[string]any) {
	var kind events.ActionType
	payload := map[string]any{}
	for _, op := range ops {
		switch op.Op {
		case events.ActionDelete:
			kind = events.ActionDelete
			payload = map[string]any{}
			continue
		case events.ActionCreate:
			if kind == events.ActionDelete {
				payload = map[string]any{}
			}
			kind = events.ActionCreate
		default:
			if kind == events.ActionDelete {
				payload = map[string]any{}
				kind = ""
			}
			if kind == "" {
				kind = events.ActionUpdate
			}
		}
		for k, v := range op.Payload {
			payload[k] = v
		}
	}
	if kind == "" {
		kind = events.ActionUpdate
	}
	return kind, payload
}

// OpIDs returns the ids of ops in order.
func OpIDs(ops []PendingOp) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}

// Change is a remote change as delivered by a pull batch or the changefeed.
// New is nil for deletes; Old is set only when the source provides it.
type Change struct {
	Seq       int64
	Table     string
	EventType events.ActionType
	EntityID  string
	New       map[string]any
	Old       map[string]any
}

// DeviceID returns the device_id embedded in the change's new (or old) record.
func (c Change) DeviceID() string {
	if id, ok := c.New[FieldDeviceID].(string); ok {
		return id
	}
	if id, ok := c.Old[FieldDeviceID].(string); ok {
		return id
	}
	return ""
}

// ID returns the entity id of the change, falling back to the records.
func (c Change) ID() string {
	if c.EntityID != "" {
		return c.EntityID
	}
	if id, ok := c.New[FieldID].(string); ok {
		return id
	}
	if id, ok := c.Old[FieldID].(string); ok {
		return id
	}
	return ""
}

// ClaimTime is the timestamp an op claims for the fields it wrote: the
// updated_at in its payload, or its enqueue time when the payload has none.
func (op PendingOp) ClaimTime() time.Time {
	if v, ok := op.Payload[FieldUpdatedAt]; ok {
		if t, err := ParseTime(v); err == nil && !t.IsZero() {
			return t
		}
	}
	return op.EnqueuedAt
}
