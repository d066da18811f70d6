package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// New dials the broker and proves it usable by opening a channel before the deadline.
// name is reported to the broker as the connection name.
func New(ctx context.Context, url, name string) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Properties: props,
		})
		if err == nil {
			var ch *amqp.Channel
			ch, err = conn.Channel()
			if err == nil {
				_ = ch.Close()
			} else {
				_ = conn.Close()
			}
		}
		done <- result{conn: conn, err: err}
	}()

	select {
	case <-dialCtx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("rabbitmq health check timeout: %w", dialCtx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect rabbitmq failed: %w", r.err)
		}
		return r.conn, nil
	}
}

// Check reports whether conn is still open.
func Check(conn *amqp.Connection) error {
	if conn == nil || conn.IsClosed() {
		return errors.New("connection closed")
	}
	return nil
}
