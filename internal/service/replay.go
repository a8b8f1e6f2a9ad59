package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/internal/remote"
	"github.com/Guizzs26/canhoto-sync/pkg/encoding"
	"github.com/Guizzs26/canhoto-sync/pkg/metrics"
)

const persistTimeout = 10 * time.Second

// ReplayReport summarizes one Replay call. Coalesced is set when another pass
// was already running and this call only scheduled a rerun.
type ReplayReport struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Coalesced bool `json:"coalesced"`
}

// Replay attempts every queued POD in order, one at a time. Delivered items are
// removed and failed ones stay untouched for the next trigger.
//
// Only one pass runs at a time. A call arriving mid-pass returns immediately and
// causes exactly one extra pass once the current one finishes, so items enqueued
// in between are picked up.
func (q *Queue) Replay(ctx context.Context) (ReplayReport, error) {
	q.replayMu.Lock()
	if q.replaying {
		q.rerun = true
		q.replayMu.Unlock()
		metrics.ReplayPasses.WithLabelValues("coalesced").Inc()
		return ReplayReport{Coalesced: true}, nil
	}
	q.replaying = true
	q.replayMu.Unlock()

	defer func() {
		q.replayMu.Lock()
		q.replaying = false
		q.rerun = false
		q.replayMu.Unlock()
	}()

	if q.lock != nil {
		ok, err := q.lock.TryLock()
		if err != nil {
			metrics.ReplayPasses.WithLabelValues("error").Inc()
			return ReplayReport{}, fmt.Errorf("acquire replay lock: %w", err)
		}
		if !ok {
			q.logger.Info("Replay already running in another process, skipping")
			metrics.ReplayPasses.WithLabelValues("coalesced").Inc()
			return ReplayReport{Coalesced: true}, nil
		}
		defer func() {
			if err := q.lock.Unlock(); err != nil {
				q.logger.Warn("Failed to release replay lock", "error", err)
			}
		}()
	}

	var total ReplayReport
	for {
		report, err := q.replayPass(ctx)
		total.Attempted += report.Attempted
		total.Succeeded += report.Succeeded
		total.Failed += report.Failed
		total.Remaining = report.Remaining
		if err != nil {
			metrics.ReplayPasses.WithLabelValues("error").Inc()
		} else {
			metrics.ReplayPasses.WithLabelValues("completed").Inc()
		}

		// A coalesced caller was promised a pass, even when this one failed
		q.replayMu.Lock()
		again := q.rerun && ctx.Err() == nil
		q.rerun = false
		q.replayMu.Unlock()
		if !again {
			return total, err
		}
		if err != nil {
			q.logger.Warn("Replay pass failed, running the pass requested meanwhile", "error", err)
		} else {
			q.logger.Debug("Trigger arrived during replay, running another pass")
		}
	}
}

func (q *Queue) replayPass(ctx context.Context) (ReplayReport, error) {
	start := time.Now()
	defer func() {
		metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	}()

	items, err := q.load(ctx)
	if err != nil {
		return ReplayReport{}, err
	}

	var report ReplayReport
	if len(items) == 0 {
		return report, nil
	}

	delivered := make(map[string]struct{}, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			q.logger.Warn("Replay interrupted, remaining items stay queued", "remaining", len(items)-i)
			break
		}

		l := q.logger.With("item_id", item.ID, "delivery_id", item.DeliveryID)
		report.Attempted++

		if err := q.deliver(ctx, item, l); err != nil {
			report.Failed++
			metrics.ReplayItems.WithLabelValues("retained").Inc()
			l.Warn("Queued POD submission failed, keeping it for the next sync", "error", err)
			continue
		}

		delivered[item.ID] = struct{}{}
		report.Succeeded++
		metrics.ReplayItems.WithLabelValues("sent").Inc()
		l.Info("Queued POD delivered")
	}

	// Results are persisted even when ctx was cancelled mid-pass
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	// Only delivered IDs are dropped from the sequence as it stands now, so
	// items enqueued during the pass, by any process, are kept
	retained, err := q.mutate(persistCtx, func(current []models.QueueItem) ([]models.QueueItem, error) {
		kept := make([]models.QueueItem, 0, len(current))
		for _, it := range current {
			if _, ok := delivered[it.ID]; !ok {
				kept = append(kept, it)
			}
		}
		return kept, nil
	})
	if err != nil {
		q.logger.Error("CRITICAL: replay results not persisted, delivered PODs may be resent",
			"delivered", len(delivered),
			"error", err,
		)
		return report, err
	}

	report.Remaining = len(retained)
	q.notify(report.Remaining)

	if report.Remaining > 0 {
		q.requestSync(ctx)
	}

	q.logger.Info("Replay pass finished",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"remaining", report.Remaining,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func (q *Queue) deliver(ctx context.Context, item models.QueueItem, l *slog.Logger) error {
	sub, err := q.buildSubmission(item.DeliveryID, item.Payload, models.SourceOfflineQueue, l)
	if err != nil {
		return err
	}
	return q.submitter.Submit(ctx, sub)
}

// buildSubmission reconstructs the multipart request for a POD. Metadata is
// collected fresh for every attempt. A bad signature fails the POD; a bad photo
// is only skipped.
func (q *Queue) buildSubmission(deliveryID string, p models.Payload, source string, l *slog.Logger) (remote.Submission, error) {
	sub := remote.Submission{
		DeliveryID:         deliveryID,
		ReceivedByName:     p.ReceivedByName,
		ReceivedByDocument: p.ReceivedByDocument,
		SignedAt:           p.SignedAt,
		Location:           p.ResolveLocation(),
		Status:             p.Status,
		Observations:       p.Observations,
		Meta:               q.collector.Collect(source),
	}

	if p.Signature != "" {
		blob, err := encoding.DecodeDataURL(p.Signature)
		if err != nil {
			return remote.Submission{}, fmt.Errorf("decode signature: %w", err)
		}
		sub.Signature = &remote.Attachment{
			Field:    remote.FieldSignature,
			Filename: "signature.png",
			Blob:     blob,
		}
	}

	for idx, dataURL := range p.PhotoSources() {
		blob, err := encoding.DecodeDataURL(dataURL)
		if err != nil {
			l.Warn("Skipping malformed photo", "photo", idx+1, "error", err)
			continue
		}
		sub.Photos = append(sub.Photos, remote.Attachment{
			Field:    remote.FieldPhotos,
			Filename: fmt.Sprintf("photo_%d.jpg", idx+1),
			Blob:     blob,
		})
	}

	return sub, nil
}
