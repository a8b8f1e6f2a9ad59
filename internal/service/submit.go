package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/metrics"
)

// SubmitResult tells the caller whether the POD reached the remote service or
// was queued for a later replay
type SubmitResult struct {
	Sent   bool              `json:"sent"`
	Queued bool              `json:"queued"`
	Item   *models.QueueItem `json:"item,omitempty"`
	// Replay is set when a successful send flushed the queued backlog
	Replay *ReplayReport `json:"replay,omitempty"`
	// SendErr is the remote failure that caused the fallback, nil when offline
	SendErr error `json:"-"`
}

// Submit delivers a POD straight to the remote service while online and queues
// it otherwise. Any failure of the direct send falls back to Enqueue, so a POD
// is never dropped. A successful send is followed by a replay of whatever was
// already waiting.
func (q *Queue) Submit(ctx context.Context, deliveryID string, p models.Payload) (SubmitResult, error) {
	deliveryID = strings.TrimSpace(deliveryID)
	if deliveryID == "" {
		return SubmitResult{}, fmt.Errorf("%w: delivery id is required", ErrInvalidItem)
	}
	p = p.Normalized()
	l := q.logger.With("delivery_id", deliveryID)

	var sendErr error
	if q.online != nil && q.online() {
		sendErr = q.sendNow(ctx, deliveryID, p)
		if sendErr == nil {
			metrics.OnlineSubmissions.WithLabelValues("sent").Inc()
			l.Info("POD submitted")
			return SubmitResult{Sent: true, Replay: q.flushBacklog(ctx)}, nil
		}
		l.Warn("Online POD submission failed, queueing it", "error", sendErr)
	}

	// the POD must land in the queue even when the caller gave up on the send
	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	item, err := q.Enqueue(enqCtx, deliveryID, p)
	if err != nil {
		return SubmitResult{SendErr: sendErr}, err
	}
	metrics.OnlineSubmissions.WithLabelValues("queued").Inc()
	return SubmitResult{Queued: true, Item: &item, SendErr: sendErr}, nil
}

func (q *Queue) sendNow(ctx context.Context, deliveryID string, p models.Payload) error {
	sub, err := q.buildSubmission(deliveryID, p, models.SourceOnline, q.logger.With("delivery_id", deliveryID))
	if err != nil {
		return err
	}
	return q.submitter.Submit(ctx, sub)
}

// flushBacklog replays queued PODs after a send proved the service reachable
func (q *Queue) flushBacklog(ctx context.Context) *ReplayReport {
	pending, err := q.PendingCount(ctx)
	if err != nil || pending == 0 {
		return nil
	}
	report, err := q.Replay(ctx)
	if err != nil {
		q.logger.Warn("Replay after online submission failed", "error", err)
		return nil
	}
	return &report
}
