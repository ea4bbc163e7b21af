// Package transport defines the TransportPort contract shared by every
// concrete transport (HTTP, WebSocket, IPC): send/waitForAck,
// online/heartbeat state, and a query bridge subscription. Concrete
// transports live in sibling packages (httptransport, wstransport,
// ipctransport).
package transport

import (
	"context"
	"time"

	"github.com/synnergy-network/block-ingest/internal/wire"
)

// QueryHandler answers a QueryRequestPayload with a response payload or an
// error (wrapped into {ok:false, err} by the transport).
type QueryHandler func(ctx context.Context, req wire.QueryRequestPayload) (any, error)

// Subscription unsubscribes an onQuery handler.
type Subscription interface {
	Close()
}

// Port is the contract every transport implements.
type Port interface {
	Send(ctx context.Context, env wire.Envelope) error
	WaitForAck(ctx context.Context, correlationID string, deadline time.Duration) (wire.OutboxStreamAckPayload, error)
	IsOnline() bool
	WaitForOnline(ctx context.Context, deadline time.Duration) error
	OnQuery(handler QueryHandler) Subscription
	Destroy()
}

// HeartbeatConfig configures the exponential-backoff ping loop.
type HeartbeatConfig struct {
	Interval    time.Duration // default 600ms
	Multiplier  float64       // default 1.6
	MaxInterval time.Duration // default 5s
	StaleAfter  time.Duration // default 15s; isOnline() requires a pong within this window
	Password    string        // optional; pong must echo it to count as valid
}

// DefaultHeartbeatConfig returns the pipeline's standard heartbeat timings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    600 * time.Millisecond,
		Multiplier:  1.6,
		MaxInterval: 5 * time.Second,
		StaleAfter:  15 * time.Second,
	}
}

// NextInterval applies the backoff multiplier, capped at MaxInterval.
func (c HeartbeatConfig) NextInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * c.Multiplier)
	if next > c.MaxInterval {
		next = c.MaxInterval
	}
	return next
}
