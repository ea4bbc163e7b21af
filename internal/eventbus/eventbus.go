// Package eventbus bridges the outbox Publisher's local system-event stream
// to local handlers with single-concurrency ordering: tasks start
// sequentially, but a handler's asynchronous completion is not strictly
// serialized. A single worker goroutine consumes the event channel.
package eventbus

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/wire"
)

// Handler processes one DomainEvent. Handlers run concurrently with each
// other — completion order is not guaranteed — but are always STARTED in
// delivery order.
type Handler func(ctx context.Context, ev wire.DomainEvent)

// Subscriber drains a Publisher's event stream and dispatches to Handler
// with a concurrency-1 start discipline: the next event's handler is
// started only after the current one has been launched, not after it has
// finished.
type Subscriber struct {
	logger  *logrus.Entry
	source  <-chan wire.DomainEvent
	handler Handler
}

// New builds a Subscriber over source, dispatching each event to handler.
func New(source <-chan wire.DomainEvent, handler Handler, logger *logrus.Entry) *Subscriber {
	return &Subscriber{logger: logger, source: source, handler: handler}
}

// Run reads events from source until ctx is cancelled or the channel
// closes. Each handler invocation is launched in its own goroutine so that
// a slow handler cannot block the next event's dispatch; cross-event
// completion order is not guaranteed as a result.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.source:
			if !ok {
				return
			}
			s.dispatch(ctx, ev)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, ev wire.DomainEvent) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.WithField("aggregateId", ev.AggregateID).Errorf("event handler panicked: %v", r)
			}
		}()
		s.handler(ctx, ev)
	}()
}
