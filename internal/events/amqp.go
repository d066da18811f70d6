package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Relay forwards locally published events to a fanout exchange so hubs in other processes
// can deliver them to their own subscribers.
type Relay struct {
	conn     *amqp.Connection
	exchange string
	origin   string
	logger   *slog.Logger
	metrics  *Metrics

	mu sync.Mutex
	ch *amqp.Channel
}

func NewRelay(conn *amqp.Connection, exchange, origin string, logger *slog.Logger, metrics *Metrics) *Relay {
	return &Relay{
		conn:     conn,
		exchange: exchange,
		origin:   origin,
		logger:   logger.With("component", "events.relay"),
		metrics:  metrics,
	}
}

func (r *Relay) Publish(ctx context.Context, events ...Event) {
	for _, e := range events {
		if err := r.publish(ctx, e); err != nil {
			r.metrics.relayError()
			r.logger.Warn("relay event failed", "type", e.Type, "room", e.Room, "error", err)
		}
	}
}

func (r *Relay) publish(ctx context.Context, e Event) error {
	e.Origin = r.origin
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}

	ch, err := r.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(
		ctx,
		r.exchange,
		"",
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   e.ID,
			Type:        e.Type,
			Body:        payload,
		},
	)
	if err != nil {
		r.resetChannel()
		return fmt.Errorf("publish event failed: %w", err)
	}
	return nil
}

func (r *Relay) channel() (*amqp.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	if err := declareExchange(ch, r.exchange); err != nil {
		_ = ch.Close()
		return nil, err
	}
	r.ch = ch
	return ch, nil
}

func (r *Relay) resetChannel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
}

func (r *Relay) Close() {
	r.resetChannel()
}

// Consumer receives relayed events from other processes and hands them to the local hub.
// Events that originated here are skipped because the hub already delivered them.
type Consumer struct {
	conn     *amqp.Connection
	exchange string
	origin   string
	hub      *Hub
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(conn *amqp.Connection, exchange, origin string, hub *Hub, logger *slog.Logger) *Consumer {
	return &Consumer{
		conn:     conn,
		exchange: exchange,
		origin:   origin,
		hub:      hub,
		logger:   logger.With("component", "events.consumer"),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if c.cancel != nil {
		return nil
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel failed: %w", err)
	}
	if err := declareExchange(ch, c.exchange); err != nil {
		_ = ch.Close()
		return err
	}

	// Exclusive, server-named queue: each process gets its own copy of every event.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare consumer queue failed: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", c.exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind consumer queue failed: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-consumerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("relay delivery channel closed")
					return
				}
				c.handle(d.Body)
			}
		}
	}()
	return nil
}

func (c *Consumer) handle(body []byte) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		c.logger.Warn("decode relayed event failed", "error", err)
		return
	}
	if e.Origin == c.origin {
		return
	}
	c.hub.Broadcast(e)
}

func (c *Consumer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s failed: %w", name, err)
	}
	return nil
}
