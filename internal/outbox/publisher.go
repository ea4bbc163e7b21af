package outbox

import (
	"context"

	"github.com/synnergy-network/block-ingest/internal/wire"
)

// Publisher is a thin façade over Sender: it exposes the local
// system-event stream and delegates batch publishing to the Sender.
type Publisher struct {
	sender *Sender
}

// NewPublisher wraps sender in the Publisher façade.
func NewPublisher(sender *Sender) *Publisher {
	return &Publisher{sender: sender}
}

// Events returns the local system-event stream.
func (p *Publisher) Events() <-chan wire.DomainEvent { return p.sender.Events() }

// PublishWireStreamBatchWithAck delegates to the underlying Sender.
func (p *Publisher) PublishWireStreamBatchWithAck(ctx context.Context, events []wire.WireEventRecord) error {
	return p.sender.PublishWireStreamBatchWithAck(ctx, events)
}
