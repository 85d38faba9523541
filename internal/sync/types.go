package sync

import (
	"time"

	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

// PushChange is the accumulated write for one entity. Record is the full
// flat record for creates, the written fields for updates, and nil for
// deletes. Base carries the pre-write value of each written field, used by
// the server to sum counter deltas.
type PushChange struct {
	OpIDs     []string
	Table     string
	EntityID  string
	Action    events.ActionType
	Record    map[string]any
	Base      map[string]any
	UpdatedAt time.Time
	DeviceID  string
}

// Key is the idempotency key of the change: its last op id.
func (c PushChange) Key() string {
	if len(c.OpIDs) == 0 {
		return ""
	}
	return c.OpIDs[len(c.OpIDs)-1]
}

// PushBatch is one push request.
type PushBatch struct {
	DeviceID string
	Changes  []PushChange
}

// PushResult is the server response to a push request.
type PushResult struct {
	Acks     []Ack
	Rejected []Rejection

	// Changes holds the entries appended to the log, for fan-out to
	// connected listeners. It is not sent to the pushing client.
	Changes []models.Change
}

// Ack confirms the server decided a change. Applied is false when the write
// lost to a newer one. Record is the server's row after the decision, nil
// when the entity is deleted.
type Ack struct {
	Table     string
	EntityID  string
	Key       string
	ServerSeq int64
	Applied   bool
	Duplicate bool
	Deleted   bool
	Record    map[string]any
}

// Rejection explains why a change was refused. Rejected ops stay queued.
type Rejection struct {
	Table    string
	EntityID string
	Key      string
	Reason   string
}

// PullResult is the server response to a pull request.
type PullResult struct {
	Changes       []models.Change
	LastServerSeq int64
	HasMore       bool
}

// ServerStatus summarizes a user's change log.
type ServerStatus struct {
	ChangeCount    int64
	LastServerSeq  int64
	LastChangeTime *time.Time
}
