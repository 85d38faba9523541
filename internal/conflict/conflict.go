// Package conflict merges a local entity carrying unconfirmed writes with a
// remote snapshot of the same entity. Everything here is pure.
package conflict

import (
	"sort"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
)

// FieldDeleted names the pseudo-field recorded when a delete takes part in a conflict.
const FieldDeleted = "_deleted"

// Winner says which side a conflicting field was resolved to.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// FieldSet is a set of field names.
type FieldSet map[string]bool

// FieldConflict describes one field both sides wrote differently.
type FieldConflict struct {
	Field         string `json:"field"`
	LocalValue    any    `json:"local_value"`
	RemoteValue   any    `json:"remote_value"`
	Winner        Winner `json:"winner"`
	ResolvedValue any    `json:"resolved_value"`
}

// Input is everything the resolver looks at. Local is the replica row (nil if
// deleted locally), Remote the incoming snapshot (nil for a remote delete, in
// which case RemoteDeletedAt dates the delete when known). Pending holds the
// entity's queued ops, oldest first.
type Input struct {
	Table           string
	EntityID        string
	Local           *models.Entity
	Remote          *models.Entity
	Pending         []models.PendingOp
	Additive        FieldSet
	RemoteDeletedAt time.Time
	RemoteDeviceID  string
}

// Result is the resolved entity. When Deleted is set Merged is nil and the
// entity must be removed. DropPending means the local ops lost and should be
// removed from the queue. Rebase carries new additive bases for fields that
// were delta-merged.
type Result struct {
	Merged            *models.Entity
	Deleted           bool
	DropPending       bool
	HasConflicts      bool
	ConflictingFields []FieldConflict
	Rebase            map[string]any
}

// claim is a (timestamp, device) pair ordered by last-writer-wins.
type claim struct {
	at     time.Time
	device string
}

// beats reports whether c wins over other: later timestamp, or on an exact
// tie the smaller device id.
func (c claim) beats(other claim) bool {
	if !c.at.Equal(other.at) {
		return c.at.After(other.at)
	}
	return c.device < other.device
}

// Beats reports whether a write at (at, device) wins over one at
// (otherAt, otherDevice) under last-writer-wins.
func Beats(at time.Time, device string, otherAt time.Time, otherDevice string) bool {
	return claim{at, device}.beats(claim{otherAt, otherDevice})
}

// Resolve merges in. It never fails for well-formed input.
func Resolve(in Input) Result {
	if len(in.Pending) == 0 {
		if in.Remote == nil {
			return Result{Deleted: true}
		}
		return Result{Merged: in.Remote.Clone()}
	}

	kind, _ := models.AccumulatePayload(in.Pending)
	local := localClaim(in)

	switch {
	case kind == events.ActionDelete && in.Remote == nil:
		return Result{Deleted: true, DropPending: true}
	case kind == events.ActionDelete:
		return resolveLocalDelete(in, local)
	case in.Remote == nil:
		return resolveRemoteDelete(in, local)
	}

	remote := claim{at: in.Remote.UpdatedAt, device: in.Remote.DeviceID}
	merged := in.Remote.Clone()
	res := Result{}

	for _, field := range models.TouchedFields(in.Pending) {
		localVal, hasLocal := localValue(in, field)
		if !hasLocal {
			continue
		}
		remoteVal, _ := in.Remote.Get(field)
		if models.ValuesEqual(localVal, remoteVal) {
			continue
		}

		fc := FieldConflict{Field: field, LocalValue: localVal, RemoteValue: remoteVal}
		if in.Additive[field] {
			if sum, ok := additiveMerge(in.Pending, field, localVal, remoteVal); ok {
				fc.Winner = WinnerMerged
				fc.ResolvedValue = sum
				merged.Set(field, sum)
				if res.Rebase == nil {
					res.Rebase = map[string]any{}
				}
				res.Rebase[field] = models.NormalizeValue(remoteVal)
				res.ConflictingFields = append(res.ConflictingFields, fc)
				continue
			}
		}

		if fieldClaim(in, field).beats(remote) {
			fc.Winner = WinnerLocal
			fc.ResolvedValue = localVal
			merged.Set(field, localVal)
		} else {
			fc.Winner = WinnerRemote
			fc.ResolvedValue = remoteVal
		}
		res.ConflictingFields = append(res.ConflictingFields, fc)
	}

	// Metadata follows the newer side as a whole
	if local.beats(remote) {
		merged.UpdatedAt = local.at
		merged.DeviceID = local.device
	}
	res.Merged = merged
	res.HasConflicts = len(res.ConflictingFields) > 0
	return res
}

func resolveLocalDelete(in Input, local claim) Result {
	remote := claim{at: in.Remote.UpdatedAt, device: in.Remote.DeviceID}
	fc := FieldConflict{Field: FieldDeleted, LocalValue: true, RemoteValue: false}
	if remote.beats(local) {
		fc.Winner = WinnerRemote
		fc.ResolvedValue = false
		return Result{
			Merged:            in.Remote.Clone(),
			DropPending:       true,
			HasConflicts:      true,
			ConflictingFields: []FieldConflict{fc},
		}
	}
	fc.Winner = WinnerLocal
	fc.ResolvedValue = true
	return Result{Deleted: true, HasConflicts: true, ConflictingFields: []FieldConflict{fc}}
}

func resolveRemoteDelete(in Input, local claim) Result {
	fc := FieldConflict{Field: FieldDeleted, LocalValue: false, RemoteValue: true}
	// An undated remote delete always wins
	if !in.RemoteDeletedAt.IsZero() && local.beats(claim{at: in.RemoteDeletedAt, device: in.RemoteDeviceID}) {
		fc.Winner = WinnerLocal
		fc.ResolvedValue = false
		return Result{
			Merged:            in.Local.Clone(),
			HasConflicts:      true,
			ConflictingFields: []FieldConflict{fc},
		}
	}
	fc.Winner = WinnerRemote
	fc.ResolvedValue = true
	return Result{Deleted: true, DropPending: true, HasConflicts: true, ConflictingFields: []FieldConflict{fc}}
}

// localClaim is the claim of the local side as a whole: the latest pending op,
// or the replica row if it is later still.
func localClaim(in Input) claim {
	var c claim
	for _, op := range in.Pending {
		if t := op.ClaimTime(); t.After(c.at) || c.at.IsZero() {
			c = claim{at: t, device: opDevice(op, in.Local)}
		}
	}
	if in.Local != nil && in.Local.UpdatedAt.After(c.at) {
		c = claim{at: in.Local.UpdatedAt, device: in.Local.DeviceID}
	}
	return c
}

// fieldClaim is the claim of the latest pending op that wrote field.
func fieldClaim(in Input, field string) claim {
	for i := len(in.Pending) - 1; i >= 0; i-- {
		op := in.Pending[i]
		if _, ok := op.Payload[field]; ok {
			return claim{at: op.ClaimTime(), device: opDevice(op, in.Local)}
		}
	}
	return localClaim(in)
}

func opDevice(op models.PendingOp, local *models.Entity) string {
	if d, ok := op.Payload[models.FieldDeviceID].(string); ok && d != "" {
		return d
	}
	if local != nil {
		return local.DeviceID
	}
	return ""
}

// localValue is what the local side holds for field: the replica row, which
// already reflects every pending op and earlier merges, or else the latest
// payload value.
func localValue(in Input, field string) (any, bool) {
	if in.Local != nil {
		if v, ok := in.Local.Get(field); ok {
			return v, true
		}
	}
	for i := len(in.Pending) - 1; i >= 0; i-- {
		if v, ok := in.Pending[i].Payload[field]; ok {
			return models.NormalizeValue(v), true
		}
	}
	return nil, false
}

// additiveMerge sums both sides' deltas from the earliest known base.
func additiveMerge(pending []models.PendingOp, field string, localVal, remoteVal any) (float64, bool) {
	var base any
	found := false
	for _, op := range pending {
		if _, touched := op.Payload[field]; !touched {
			continue
		}
		base, found = op.Base[field]
		break
	}
	if !found {
		return 0, false
	}
	b, ok1 := toFloat(base)
	l, ok2 := toFloat(localVal)
	r, ok3 := toFloat(remoteVal)
	if !ok1 || !ok2 || !ok3 {
		return 0, false
	}
	return b + (l - b) + (r - b), true
}

func toFloat(v any) (float64, bool) {
	f, ok := models.NormalizeValue(v).(float64)
	return f, ok
}

// Diff returns the sorted content fields whose values differ between a and b.
func Diff(a, b *models.Entity) []string {
	seen := map[string]bool{}
	var changed []string
	check := func(e *models.Entity) {
		if e == nil {
			return
		}
		for k := range e.Fields {
			if seen[k] || models.IsMetadataField(k) {
				continue
			}
			seen[k] = true
			av, aok := a.Get(k)
			bv, bok := b.Get(k)
			if aok != bok || !models.ValuesEqual(av, bv) {
				changed = append(changed, k)
			}
		}
	}
	check(a)
	check(b)
	sort.Strings(changed)
	return changed
}

// ValueDelta returns new-old when both are numeric.
func ValueDelta(oldVal, newVal any) (float64, bool) {
	o, ok1 := toFloat(oldVal)
	n, ok2 := toFloat(newVal)
	if !ok1 || !ok2 {
		return 0, false
	}
	return n - o, true
}
