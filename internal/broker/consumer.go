package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"
	"github.com/Guizzs26/canhoto-sync/pkg/metrics"
)

// Handler receives sync messages sent by other participants
type Handler func(ctx context.Context, msg models.SyncMessage) error

type action int

const (
	actionHandle action = iota
	actionIgnore
	actionReject
)

// classify decides what to do with a raw delivery body
func classify(body []byte, self string) (models.SyncMessage, action) {
	var msg models.SyncMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, actionReject
	}
	if msg.Origin != "" && msg.Origin == self {
		return msg, actionIgnore
	}
	switch msg.Type {
	case models.MessageRequestSync, models.MessageSync:
		return msg, actionHandle
	}
	return msg, actionIgnore
}

// Listen consumes from an exclusive auto-delete queue bound to the exchange until
// ctx is cancelled or the connection drops
func (r *Client) Listen(ctx context.Context, handler Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	if err := declareExchange(ch); err != nil {
		return err
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	r.logger.Info("Listening for sync messages", "queue", q.Name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}

			msg, act := classify(d.Body, r.origin)
			switch act {
			case actionReject:
				r.logger.Error("Dropping malformed sync message", "body_bytes", len(d.Body))
				_ = d.Nack(false, false)
				continue
			case actionIgnore:
				_ = d.Ack(false)
				continue
			}

			if err := handler(ctx, msg); err != nil {
				// the queue item stays persisted, so the message itself is not retried
				r.logger.Warn("Sync message handler failed", "type", msg.Type, "origin", msg.Origin, "error", err)
			}
			if err := d.Ack(false); err != nil {
				r.logger.Error("Failed to Ack message", "type", msg.Type, "error", err)
			}
		}
	}
}

// Supervise keeps a listening connection open, reconnecting with backoff.
// handlerFor builds the handler for each new connection so it can reply on it.
func Supervise(ctx context.Context, url, origin string, logger *slog.Logger, handlerFor func(*Client) Handler) error {
	if logger == nil {
		logger = infra.DiscardLogger()
	}
	backoff := infra.NewBackoff(time.Second, time.Minute, 2)

	for {
		client, err := NewClient(url, origin, logger)
		if err == nil {
			backoff.Reset()
			err = client.Listen(ctx, handlerFor(client))
			client.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := backoff.Next()
		metrics.BrokerReconnections.Inc()
		logger.Warn("Sync channel unavailable, reconnecting", "error", err, "retry_in", wait, "attempt", backoff.Attempts())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
