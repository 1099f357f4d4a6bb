package fanout

import (
	"context"
	"log/slog"

	"github.com/dreamware/servelane/internal/region"
)

// LogBroadcaster only logs messages. It stands in for a real transport in
// development and single-region deployments.
type LogBroadcaster struct {
	logger *slog.Logger
	codec  Codec
}

// NewLogBroadcaster returns a broadcaster that writes each message at info
// level.
func NewLogBroadcaster(codec Codec, logger *slog.Logger) *LogBroadcaster {
	if codec == nil {
		codec = JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBroadcaster{logger: logger.With("component", "fanout.log"), codec: codec}
}

// Broadcast encodes msg and logs its size. It fails only when encoding does.
func (b *LogBroadcaster) Broadcast(ctx context.Context, target region.ID, msg Message) error {
	body, err := b.codec.Marshal(msg)
	if err != nil {
		return err
	}
	b.logger.InfoContext(ctx, "broadcast",
		"region", target, "event", msg.Event, "priority", msg.Priority, "bytes", len(body))
	return nil
}
