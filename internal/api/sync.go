package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

const (
	maxPushBatch = 1000
	maxPullLimit = 10000
	defPullLimit = 1000
)

// PushRequest is the JSON body for POST /v1/sync/push.
type PushRequest struct {
	DeviceID string        `json:"device_id"`
	Changes  []ChangeInput `json:"changes"`
}

// ChangeInput is one entity's accumulated write in a push request.
type ChangeInput struct {
	OpIDs     []string       `json:"op_ids"`
	Table     string         `json:"table"`
	EntityID  string         `json:"entity_id"`
	Action    string         `json:"action"`
	Record    map[string]any `json:"record,omitempty"`
	Base      map[string]any `json:"base,omitempty"`
	UpdatedAt string         `json:"updated_at"`
	DeviceID  string         `json:"device_id"`
}

// PushResponse is the JSON response for a push request.
type PushResponse struct {
	Acks     []AckResponse    `json:"acks"`
	Rejected []RejectResponse `json:"rejected,omitempty"`
}

// AckResponse is a single decided change.
type AckResponse struct {
	Table     string         `json:"table"`
	EntityID  string         `json:"entity_id"`
	Key       string         `json:"key"`
	ServerSeq int64          `json:"server_seq"`
	Applied   bool           `json:"applied"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	Record    map[string]any `json:"record,omitempty"`
}

// RejectResponse is a single rejected change.
type RejectResponse struct {
	Table    string `json:"table"`
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
}

// PullResponse is the JSON response for a pull request.
type PullResponse struct {
	Changes       []PullChange `json:"changes"`
	LastServerSeq int64        `json:"last_server_seq"`
	HasMore       bool         `json:"has_more"`
}

// PullChange is a single change in a pull response or on the changefeed.
type PullChange struct {
	ServerSeq int64          `json:"server_seq"`
	Table     string         `json:"table"`
	EventType string         `json:"event_type"`
	EntityID  string         `json:"entity_id"`
	Record    map[string]any `json:"record,omitempty"`
	Old       map[string]any `json:"old,omitempty"`
}

// SyncStatusResponse is the JSON response for GET /v1/sync/status.
type SyncStatusResponse struct {
	ChangeCount    int64  `json:"change_count"`
	LastServerSeq  int64  `json:"last_server_seq"`
	LastChangeTime string `json:"last_change_time,omitempty"`
}

func toPullChange(ch models.Change) PullChange {
	return PullChange{
		ServerSeq: ch.Seq,
		Table:     ch.Table,
		EventType: string(ch.EventType),
		EntityID:  ch.EntityID,
		Record:    ch.New,
		Old:       ch.Old,
	}
}

// handleSyncPush handles POST /v1/sync/push.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}

	if req.DeviceID == "" {
		req.DeviceID = user.DeviceID
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "device_id is required")
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "changes array is empty")
		return
	}
	if len(req.Changes) > maxPushBatch {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(req.Changes), maxPushBatch))
		return
	}

	batch := tdsync.PushBatch{DeviceID: req.DeviceID, Changes: make([]tdsync.PushChange, len(req.Changes))}
	for i, in := range req.Changes {
		action, ok := events.NormalizeActionType(in.Action)
		if !ok {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid action %q for %s", in.Action, in.EntityID))
			return
		}
		ts, err := models.ParseTime(in.UpdatedAt)
		if err != nil || ts.IsZero() {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("invalid updated_at for %s", in.EntityID))
			return
		}
		batch.Changes[i] = tdsync.PushChange{
			OpIDs:     in.OpIDs,
			Table:     in.Table,
			EntityID:  in.EntityID,
			Action:    action,
			Record:    in.Record,
			Base:      in.Base,
			UpdatedAt: ts,
			DeviceID:  in.DeviceID,
		}
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		logFor(r.Context()).Error("begin tx", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "database error")
		return
	}
	defer tx.Rollback()

	result, err := tdsync.InsertServerChanges(tx, user.UserID, batch, s.registry, s.now())
	if err != nil {
		logFor(r.Context()).Error("insert changes", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to insert changes")
		return
	}

	if err := tx.Commit(); err != nil {
		logFor(r.Context()).Error("commit tx", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to commit")
		return
	}

	s.metrics.RecordPush(int64(len(result.Changes)), int64(len(result.Rejected)))
	s.hub.Broadcast(user.UserID, result.Changes)

	resp := PushResponse{Acks: make([]AckResponse, 0, len(result.Acks))}
	for _, a := range result.Acks {
		resp.Acks = append(resp.Acks, AckResponse{
			Table:     a.Table,
			EntityID:  a.EntityID,
			Key:       a.Key,
			ServerSeq: a.ServerSeq,
			Applied:   a.Applied,
			Duplicate: a.Duplicate,
			Deleted:   a.Deleted,
			Record:    a.Record,
		})
	}
	for _, rej := range result.Rejected {
		resp.Rejected = append(resp.Rejected, RejectResponse{
			Table:    rej.Table,
			EntityID: rej.EntityID,
			Key:      rej.Key,
			Reason:   rej.Reason,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSyncPull handles GET /v1/sync/pull.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordPullRequest()
	user := getUserFromContext(r.Context())

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid after_seq")
			return
		}
		afterSeq = n
	}

	limit := defPullLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid limit")
			return
		}
		if n > maxPullLimit {
			n = maxPullLimit
		}
		limit = n
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		logFor(r.Context()).Error("begin tx", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "database error")
		return
	}
	defer tx.Rollback()

	excludeDevice := r.URL.Query().Get("exclude_device")
	result, err := tdsync.GetChangesSince(tx, user.UserID, afterSeq, limit, excludeDevice)
	if err != nil {
		logFor(r.Context()).Error("get changes", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to query changes")
		return
	}

	tx.Rollback() // read-only, just release

	resp := PullResponse{
		LastServerSeq: result.LastServerSeq,
		HasMore:       result.HasMore,
		Changes:       make([]PullChange, len(result.Changes)),
	}
	for i, ch := range result.Changes {
		resp.Changes[i] = toPullChange(ch)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSyncStatus handles GET /v1/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		logFor(r.Context()).Error("begin tx", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "database error")
		return
	}
	defer tx.Rollback()

	st, err := tdsync.GetServerStatus(tx, user.UserID)
	if err != nil {
		logFor(r.Context()).Error("server status", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "database error")
		return
	}

	resp := SyncStatusResponse{
		ChangeCount:   st.ChangeCount,
		LastServerSeq: st.LastServerSeq,
	}
	if st.LastChangeTime != nil {
		resp.LastChangeTime = models.FormatTime(*st.LastChangeTime)
	}
	writeJSON(w, http.StatusOK, resp)
}
