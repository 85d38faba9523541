package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Metadata keys carried on every entity. They describe a write, not content,
// and are never diffed.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
	FieldDeviceID  = "device_id"
	FieldVersion   = "_version"
)

// IsMetadataField reports whether a field is bookkeeping rather than content.
func IsMetadataField(name string) bool {
	switch name {
	case FieldID, FieldUpdatedAt, FieldDeviceID, FieldVersion:
		return true
	}
	return false
}

// Entity is a syncable record: a point-addressable document inside a table.
// Content fields live in Fields; id, updated_at and device_id are lifted out.
type Entity struct {
	Table     string
	ID        string
	UpdatedAt time.Time
	DeviceID  string
	Fields    map[string]any
}

// NewEntity returns an entity with an empty field map.
func NewEntity(table, id string) *Entity {
	return &Entity{Table: table, ID: id, Fields: map[string]any{}}
}

// Get returns a content field value.
func (e *Entity) Get(field string) (any, bool) {
	if e == nil || e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[field]
	return v, ok
}

// Set assigns a content field. Numeric values are normalized to float64 so that
// values read back from JSON compare equal to values set in code.
func (e *Entity) Set(field string, value any) {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[field] = NormalizeValue(value)
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = cloneValue(v)
	}
	return &c
}

// FieldNames returns the content field names in sorted order.
func (e *Entity) FieldNames() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		if !IsMetadataField(k) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Record flattens the entity into a single map, the shape used on the wire and in storage.
func (e *Entity) Record() map[string]any {
	rec := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		rec[k] = v
	}
	rec[FieldID] = e.ID
	if !e.UpdatedAt.IsZero() {
		rec[FieldUpdatedAt] = FormatTime(e.UpdatedAt)
	}
	if e.DeviceID != "" {
		rec[FieldDeviceID] = e.DeviceID
	}
	return rec
}

// MarshalJSON encodes the flat record. Map keys are sorted by encoding/json,
// so two equal entities always encode to identical bytes.
func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Record())
}

// UnmarshalJSON decodes a flat record. Table is not part of the record.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	parsed, err := FromRecord(e.Table, rec)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// FromRecord builds an entity from a flat record. A missing or empty id is an error;
// callers drop such records rather than guess an identity.
func FromRecord(table string, rec map[string]any) (*Entity, error) {
	id, _ := rec[FieldID].(string)
	if id == "" {
		return nil, fmt.Errorf("record for %q has no id", table)
	}
	e := NewEntity(table, id)
	for k, v := range rec {
		switch k {
		case FieldID:
		case FieldUpdatedAt:
			ts, err := ParseTime(v)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", table, id, err)
			}
			e.UpdatedAt = ts
		case FieldDeviceID:
			e.DeviceID, _ = v.(string)
		default:
			e.Fields[k] = NormalizeValue(v)
		}
	}
	return e, nil
}

// Equal reports whether two entities carry the same id, metadata and content.
func Equal(a, b *Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.DeviceID != b.DeviceID || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	return reflect.DeepEqual(a.Fields, b.Fields)
}

// ValuesEqual compares two field values after numeric normalization.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(NormalizeValue(a), NormalizeValue(b))
}

// NormalizeValue converts Go numeric kinds to float64, recursively, matching
// what encoding/json produces when decoding into any.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// FormatTime renders a timestamp in the canonical wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime accepts RFC3339 strings, unix milliseconds, or time.Time values.
func ParseTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return val.UTC(), nil
	case string:
		if val == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", val)
	case float64:
		return time.UnixMilli(int64(val)).UTC(), nil
	case int64:
		return time.UnixMilli(val).UTC(), nil
	case int:
		return time.UnixMilli(int64(val)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
