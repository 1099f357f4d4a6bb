package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/dreamware/servelane/internal/region"
)

// KafkaBroadcaster produces to one topic per region, "<prefix>.<region>",
// keyed by event name.
type KafkaBroadcaster struct {
	clients map[region.ID]*kgo.Client
	codec   Codec
	prefix  string
}

// NewKafkaBroadcaster builds one producer client per region broker list.
func NewKafkaBroadcaster(brokers map[region.ID][]string, prefix string, codec Codec) (*KafkaBroadcaster, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	if prefix == "" {
		prefix = "realtime"
	}
	b := &KafkaBroadcaster{
		clients: make(map[region.ID]*kgo.Client, len(brokers)),
		codec:   codec,
		prefix:  prefix,
	}
	for id, seeds := range brokers {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(seeds...),
			kgo.AllowAutoTopicCreation(),
			kgo.RequiredAcks(kgo.AllISRAcks()),
		)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("kafka client %s: %w", id, err), b.Close())
		}
		b.clients[id] = client
	}
	return b, nil
}

// Topic returns the topic name for a region.
func (b *KafkaBroadcaster) Topic(id region.ID) string {
	return b.prefix + "." + string(id)
}

// Broadcast produces msg and waits for the broker acknowledgement.
func (b *KafkaBroadcaster) Broadcast(ctx context.Context, target region.ID, msg Message) error {
	client, ok := b.clients[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, target)
	}
	body, err := b.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	rec := &kgo.Record{
		Topic: b.Topic(target),
		Key:   []byte(msg.Event),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte(b.codec.ContentType())},
			{Key: "priority", Value: []byte(msg.Priority)},
			{Key: "source-region", Value: []byte(msg.SourceRegion)},
		},
	}
	if err := client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", rec.Topic, err)
	}
	return nil
}

// Close closes every client.
func (b *KafkaBroadcaster) Close() error {
	for _, c := range b.clients {
		c.Close()
	}
	return nil
}
