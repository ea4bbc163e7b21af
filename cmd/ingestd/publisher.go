package main

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/iterator"
	"github.com/synnergy-network/block-ingest/internal/outbox"
	"github.com/synnergy-network/block-ingest/internal/wire"
)

// blockPublisher adapts a queue.Batch of normalized blocks into outbox
// WireEventRecords and streams them with PublishWireStreamBatchWithAck,
// satisfying iterator.Consumer so the iterator can drive it at-least-once.
type blockPublisher struct {
	publisher *outbox.Publisher
	logger    *logrus.Entry
}

var _ iterator.Consumer = (*blockPublisher)(nil)

func (b *blockPublisher) HandleBatch(ctx context.Context, batch iterator.Batch) error {
	events := make([]wire.WireEventRecord, 0, len(batch.Blocks))
	for _, block := range batch.Blocks {
		payload, err := json.Marshal(block)
		if err != nil {
			b.logger.WithError(err).WithField("height", block.Height).Warn("skipping block with unmarshalable payload")
			continue
		}
		events = append(events, wire.WireEventRecord{
			ModelName:    "Block",
			EventType:    "BlockIngested",
			EventVersion: 1,
			RequestID:    batch.RequestID,
			BlockHeight:  block.Height,
			Payload:      payload,
		})
	}
	if len(events) == 0 {
		return nil
	}
	return b.publisher.PublishWireStreamBatchWithAck(ctx, events)
}
