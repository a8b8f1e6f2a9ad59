package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/canhoto-sync/internal/models"
	"github.com/Guizzs26/canhoto-sync/pkg/infra"
	"github.com/Guizzs26/canhoto-sync/pkg/metrics"
)

// Exchange is the fanout exchange shared by the daemon and every CLI instance
const Exchange = "canhoto.sync"

const confirmTimeout = 10 * time.Second

// Client is one connection to the sync channel. It publishes with publisher
// confirms and can consume on a second channel through Listen.
type Client struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	origin     string
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewClient connects and declares the exchange. origin tags every message sent so
// the sender can ignore its own broadcasts.
func NewClient(url, origin string, l *slog.Logger) (*Client, error) {
	if l == nil {
		l = infra.DiscardLogger()
	}

	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		ch.Close()
		c.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate Publisher Confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:       c,
		channel:    ch,
		origin:     origin,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	client.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	client.conn.NotifyClose(client.connClosed)
	client.channel.NotifyClose(client.chanClosed)

	go func() {
		select {
		case err := <-client.connClosed:
			client.markUnhealthy()
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-client.chanClosed:
			client.markUnhealthy()
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-client.ctx.Done():
		}
	}()

	l.Info("Connected to RabbitMQ sync channel", "exchange", Exchange, "origin", origin)
	return client, nil
}

func declareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare fanout exchange: %w", err)
	}
	return nil
}

func (r *Client) markUnhealthy() {
	r.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
}

// Ping asks the background controller to replay the queue
func (r *Client) Ping(ctx context.Context) error {
	return r.publish(ctx, models.MessageRequestSync)
}

// Broadcast tells every listener that a replay just finished
func (r *Client) Broadcast(ctx context.Context) error {
	return r.publish(ctx, models.MessageSync)
}

// publish blocks until the broker confirms the message
func (r *Client) publish(ctx context.Context, msgType string) error {
	if !r.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(models.SyncMessage{Type: msgType, Origin: r.origin, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to serialize sync message: %w", err)
	}

	deferred, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		Exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Type:        msgType,
			AppId:       r.origin,
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
	if err != nil {
		r.logger.Error("failed to publish sync message", "type", msgType, "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received for %s", msgType)
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("publisher confirm timeout")
	}
}

func (r *Client) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Terminating RabbitMQ client")
		r.cancel()
		if r.channel != nil {
			r.channel.Close()
		}
		if r.conn != nil {
			r.conn.Close()
		}
		r.markUnhealthy()
	})
	return nil
}

// IsHealthy returns true while the connection and publishing channel are open
func (r *Client) IsHealthy() bool {
	return r.healthy.Load()
}
