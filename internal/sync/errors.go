package sync

import (
	"errors"
	"fmt"
)

// ErrOffline is returned for work refused because the device is offline.
var ErrOffline = errors.New("offline")

// Error is a sync failure with the operation and entity it concerns.
type Error struct {
	Op       string // push, pull, apply, checkpoint
	Table    string
	EntityID string
	Err      error
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Table, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
