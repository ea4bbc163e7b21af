// Package outbox implements the OutboxBatchSender and Publisher façade:
// streams WireEventRecord batches to a transport under a strict
// correlation-id ACK protocol, then microtask-defers local re-emission of
// system-model events onto the Publisher's local stream, a buffered
// channel of structured events.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/errs"
	"github.com/synnergy-network/block-ingest/internal/transport"
	"github.com/synnergy-network/block-ingest/internal/wire"
)

// Config bounds one sender.
type Config struct {
	MaxMessageBytes int
	AckTimeout      time.Duration
}

type pending struct {
	done chan ackResult
}

type ackResult struct {
	ack wire.OutboxStreamAckPayload
	err error
}

// Sender streams batches one at a time and awaits their ACK before the next
// send; it owns the pending-ACK map exclusively.
type Sender struct {
	cfg       Config
	logger    *logrus.Entry
	port      transport.Port
	systemSet map[string]struct{}

	mu      sync.Mutex
	pending map[string]*pending

	events chan wire.DomainEvent

	sendMu sync.Mutex // serializes publishWireStreamBatchWithAck calls
}

// NewSender builds a Sender over port. systemModelNames is the configured
// set of modelName values eligible for local re-emission.
func NewSender(cfg Config, port transport.Port, systemModelNames []string, logger *logrus.Entry) *Sender {
	set := make(map[string]struct{}, len(systemModelNames))
	for _, n := range systemModelNames {
		set[n] = struct{}{}
	}
	return &Sender{
		cfg:       cfg,
		logger:    logger,
		port:      port,
		systemSet: set,
		pending:   make(map[string]*pending),
		events:    make(chan wire.DomainEvent, 256),
	}
}

// Events returns the local system-event stream; events are published only
// after the originating batch's ACK resolves.
func (s *Sender) Events() <-chan wire.DomainEvent { return s.events }

// PublishWireStreamBatchWithAck runs the batch send/ack/re-emit algorithm:
// marshal, size-check, register a pending waiter, send, await ack, then
// defer local re-emission.
func (s *Sender) PublishWireStreamBatchWithAck(ctx context.Context, events []wire.WireEventRecord) error {
	if len(events) == 0 {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock() // batches are sent one-at-a-time per sender

	correlationID := uuid.NewString()
	env, err := wire.NewEnvelope(wire.ActionOutboxStreamBatch, wire.OutboxStreamBatchPayload{Events: events}, "", correlationID, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if s.cfg.MaxMessageBytes > 0 && len(raw) > s.cfg.MaxMessageBytes {
		return errs.ErrOversizedMessage
	}

	p := &pending{done: make(chan ackResult, 1)}
	s.mu.Lock()
	s.pending[correlationID] = p
	s.mu.Unlock()

	if err := s.port.Send(ctx, env); err != nil {
		s.mu.Lock()
		delete(s.pending, correlationID)
		s.mu.Unlock()
		return err
	}

	ack, err := s.awaitAck(ctx, correlationID, p)
	if err != nil {
		return err
	}
	if !ack.AllOk && ack.OkIndices == nil {
		return fmt.Errorf("outbox: batch %s rejected with no okIndices", correlationID)
	}

	s.deferLocalEmission(events)
	return nil
}

// awaitAck blocks on the port's WaitForAck (HTTP's synchronous flavor) and
// also accepts an out-of-band Resolve via ResolveAck (WS/IPC push model),
// whichever arrives first, enforcing the configured timeout either way.
func (s *Sender) awaitAck(ctx context.Context, correlationID string, p *pending) (wire.OutboxStreamAckPayload, error) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, correlationID)
		s.mu.Unlock()
	}()

	deadline := s.cfg.AckTimeout
	if deadline <= 0 {
		deadline = 5 * time.Second
	}

	portAck := make(chan ackResult, 1)
	go func() {
		ack, err := s.port.WaitForAck(ctx, correlationID, deadline)
		portAck <- ackResult{ack: ack, err: err}
	}()

	select {
	case r := <-p.done:
		return r.ack, r.err
	case r := <-portAck:
		return r.ack, r.err
	case <-ctx.Done():
		return wire.OutboxStreamAckPayload{}, ctx.Err()
	}
}

// ResolveAck is called by push-model transports (WS, IPC) when an
// OutboxStreamAck frame arrives asynchronously, rather than as the
// synchronous response to Send.
func (s *Sender) ResolveAck(correlationID string, ack wire.OutboxStreamAckPayload) {
	s.mu.Lock()
	p, ok := s.pending[correlationID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.done <- ackResult{ack: ack}:
	default:
	}
}

// CloseAll rejects every pending waiter with TransportClosed.
func (s *Sender) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		select {
		case p.done <- ackResult{err: errs.ErrTransportClosed}:
		default:
		}
		delete(s.pending, id)
	}
}

// deferLocalEmission schedules local emission one tick after ACK resolves,
// so it never runs on the send path itself.
func (s *Sender) deferLocalEmission(events []wire.WireEventRecord) {
	go func() {
		time.Sleep(0) // yields to the scheduler, mirroring a microtask defer
		for _, e := range events {
			if _, ok := s.systemSet[e.ModelName]; !ok {
				continue
			}
			var payload json.RawMessage
			if len(e.Payload) > 0 {
				if !json.Valid(e.Payload) {
					s.logger.WithField("modelName", e.ModelName).Warn("system event payload is not valid JSON, skipping")
					continue
				}
				payload = e.Payload
			}
			domainEvent := wire.DomainEvent{
				AggregateID: e.ModelName,
				EventType:   e.EventType,
				RequestID:   e.RequestID,
				BlockHeight: e.BlockHeight,
				Timestamp:   e.Timestamp,
				Payload:     payload,
			}
			select {
			case s.events <- domainEvent:
			default:
				s.logger.Warn("local event stream full, dropping system event")
			}
		}
	}()
}
