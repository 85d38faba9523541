package conflict

import (
	"sort"
	"sync"
)

// Registry records which fields of each table are additive counters.
type Registry struct {
	mu     sync.RWMutex
	fields map[string]FieldSet
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fields: map[string]FieldSet{}}
}

// DefaultRegistry returns a registry with the built-in counter fields.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("goals", "current_value")
	r.Register("daily_goal_progress", "current_value")
	r.Register("focus_sessions", "elapsed_duration")
	return r
}

// Register flags fields of table as additive.
func (r *Registry) Register(table string, fields ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.fields[table]
	if set == nil {
		set = FieldSet{}
		r.fields[table] = set
	}
	for _, f := range fields {
		set[f] = true
	}
}

// Fields returns a copy of the additive fields of table.
func (r *Registry) Fields(table string) FieldSet {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(FieldSet, len(r.fields[table]))
	for f := range r.fields[table] {
		out[f] = true
	}
	return out
}

// IsAdditive reports whether table.field is an additive counter.
func (r *Registry) IsAdditive(table, field string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fields[table][field]
}

// Tables returns the tables with additive fields, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fields))
	for t := range r.fields {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
