package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dreamware/servelane/internal/region"
)

// AMQPBroadcaster publishes to one durable fanout exchange per region,
// named "<prefix>.<region>", with publisher confirms.
type AMQPBroadcaster struct {
	urls   map[region.ID]string
	conns  map[region.ID]*amqp.Connection
	codec  Codec
	dial   func(url string) (*amqp.Connection, error)
	prefix string
	mu     sync.Mutex
}

// NewAMQPBroadcaster dials lazily on first use of each region.
func NewAMQPBroadcaster(urls map[region.ID]string, prefix string, codec Codec) *AMQPBroadcaster {
	if codec == nil {
		codec = JSONCodec{}
	}
	if prefix == "" {
		prefix = "realtime"
	}
	return &AMQPBroadcaster{
		urls:   urls,
		conns:  make(map[region.ID]*amqp.Connection),
		codec:  codec,
		dial:   amqp.Dial,
		prefix: prefix,
	}
}

// Exchange returns the exchange name for a region.
func (b *AMQPBroadcaster) Exchange(id region.ID) string {
	return b.prefix + "." + string(id)
}

func (b *AMQPBroadcaster) conn(id region.ID) (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.conns[id]; ok && !c.IsClosed() {
		return c, nil
	}
	url, ok := b.urls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, id)
	}
	c, err := b.dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}
	b.conns[id] = c
	return c, nil
}

// Broadcast opens a confirm-mode channel, declares the region exchange,
// publishes msg and waits for the broker ack before closing the channel.
func (b *AMQPBroadcaster) Broadcast(ctx context.Context, target region.ID, msg Message) error {
	conn, err := b.conn(target)
	if err != nil {
		return err
	}
	body, err := b.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	exchange := b.Exchange(target)
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", exchange, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, msg.Event, false, false, amqp.Publishing{
		ContentType:  b.codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		Priority:     amqpPriority(msg.Priority),
		Timestamp:    time.Now(),
		Type:         msg.Event,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", exchange, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", exchange, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: nacked by broker", exchange)
	}
	return nil
}

func amqpPriority(p string) uint8 {
	switch Priority(p) {
	case PriorityHigh:
		return 9
	case PriorityLow:
		return 1
	}
	return 5
}

// Close closes every open connection.
func (b *AMQPBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for id, c := range b.conns {
		if !c.IsClosed() {
			errs = append(errs, c.Close())
		}
		delete(b.conns, id)
	}
	return errors.Join(errs...)
}
