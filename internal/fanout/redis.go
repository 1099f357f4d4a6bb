package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dreamware/servelane/internal/region"
)

var (
	// ErrNoTransport is returned when a broadcaster has no connection for the
	// target region.
	ErrNoTransport = errors.New("no transport for region")
	// ErrNotAcknowledged is returned when a publish reached no subscriber.
	ErrNotAcknowledged = errors.New("not acknowledged by any subscriber")
)

// RedisBroadcaster publishes on per-region Redis pub/sub channels named
// "<prefix>:<region>".
type RedisBroadcaster struct {
	clients map[region.ID]*redis.Client
	codec   Codec
	prefix  string
}

// NewRedisBroadcaster builds one client per region address.
func NewRedisBroadcaster(addrs map[region.ID]string, password, prefix string, codec Codec) *RedisBroadcaster {
	clients := make(map[region.ID]*redis.Client, len(addrs))
	for id, addr := range addrs {
		clients[id] = redis.NewClient(&redis.Options{Addr: addr, Password: password})
	}
	return NewRedisBroadcasterWithClients(clients, prefix, codec)
}

// NewRedisBroadcasterWithClients wraps existing clients.
func NewRedisBroadcasterWithClients(clients map[region.ID]*redis.Client, prefix string, codec Codec) *RedisBroadcaster {
	if codec == nil {
		codec = JSONCodec{}
	}
	if prefix == "" {
		prefix = "realtime"
	}
	return &RedisBroadcaster{clients: clients, codec: codec, prefix: prefix}
}

// Channel returns the channel name for a region.
func (b *RedisBroadcaster) Channel(id region.ID) string {
	return b.prefix + ":" + string(id)
}

// Broadcast publishes msg on the region channel. Redis reports how many
// subscribers received it; a publish that reaches none is a failure.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, target region.ID, msg Message) error {
	client, ok := b.clients[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, target)
	}
	body, err := b.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	channel := b.Channel(target)
	receivers, err := client.Publish(ctx, channel, body).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("publish %s: %w", channel, ErrNotAcknowledged)
	}
	return nil
}

// Close closes every client.
func (b *RedisBroadcaster) Close() error {
	var errs []error
	for _, c := range b.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
