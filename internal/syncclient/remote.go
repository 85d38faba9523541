package syncclient

import (
	"context"
	"fmt"

	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

// Remote adapts a Client to the sync engine's Remote interface.
type Remote struct {
	client *Client
}

// NewRemote wraps c.
func NewRemote(c *Client) *Remote {
	return &Remote{client: c}
}

// Push converts batch to the wire format and sends it.
func (r *Remote) Push(ctx context.Context, batch tdsync.PushBatch) (*tdsync.PushResult, error) {
	req := &PushRequest{DeviceID: batch.DeviceID}
	for _, ch := range batch.Changes {
		req.Changes = append(req.Changes, ChangeInput{
			OpIDs:     ch.OpIDs,
			Table:     ch.Table,
			EntityID:  ch.EntityID,
			Action:    string(ch.Action),
			Record:    ch.Record,
			Base:      ch.Base,
			UpdatedAt: models.FormatTime(ch.UpdatedAt),
			DeviceID:  ch.DeviceID,
		})
	}

	resp, err := r.client.Push(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &tdsync.PushResult{}
	for _, a := range resp.Acks {
		result.Acks = append(result.Acks, tdsync.Ack{
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
	for _, rej := range resp.Rejected {
		result.Rejected = append(result.Rejected, tdsync.Rejection{
			Table:    rej.Table,
			EntityID: rej.EntityID,
			Key:      rej.Key,
			Reason:   rej.Reason,
		})
	}
	return result, nil
}

// Pull fetches one page of changes.
func (r *Remote) Pull(ctx context.Context, afterSeq int64, limit int) (*tdsync.PullResult, error) {
	resp, err := r.client.Pull(ctx, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	result := &tdsync.PullResult{LastServerSeq: resp.LastServerSeq, HasMore: resp.HasMore}
	for _, pc := range resp.Changes {
		ch, err := pc.Change()
		if err != nil {
			return nil, err
		}
		result.Changes = append(result.Changes, ch)
	}
	return result, nil
}

// Change converts a wire change into the engine's form.
func (pc PullChange) Change() (models.Change, error) {
	action, ok := events.NormalizeActionType(pc.EventType)
	if !ok {
		return models.Change{}, fmt.Errorf("change seq=%d: unknown event type %q", pc.ServerSeq, pc.EventType)
	}
	return models.Change{
		Seq:       pc.ServerSeq,
		Table:     pc.Table,
		EventType: action,
		EntityID:  pc.EntityID,
		New:       pc.Record,
		Old:       pc.Old,
	}, nil
}
