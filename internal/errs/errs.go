// Package errs declares the locally-observable error taxonomy shared
// across the ingestion pipeline. Components wrap these sentinels
// with pkg/utils.Wrap or fmt.Errorf("...: %w", ...) for context; callers
// use errors.Is to branch on taxonomy.
package errs

import "errors"

var (
	// ErrTransportIO covers socket errors, non-2xx HTTP, broken pipes.
	ErrTransportIO = errors.New("transport: io error")
	// ErrAckTimeout means no ACK arrived within the configured deadline.
	ErrAckTimeout = errors.New("outbox: ack timeout")
	// ErrTransportClosed means destroy() ran while an operation was pending.
	ErrTransportClosed = errors.New("transport: closed")
	// ErrNotConnected means no active transport client is bound.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrNoProvidersAvailable means every configured provider failed to connect.
	ErrNoProvidersAvailable = errors.New("provider: no providers available")
	// ErrQueueFull means an enqueue would exceed maxQueueSize; retriable.
	ErrQueueFull = errors.New("queue: full")
	// ErrHeightRequired means the normalizer saw a block without a height.
	ErrHeightRequired = errors.New("normalizer: height required")
	// ErrMerkleMismatch means the recomputed merkle root did not match the header.
	ErrMerkleMismatch = errors.New("merkle: root mismatch")
	// ErrBadRequest means a query payload's shape was invalid.
	ErrBadRequest = errors.New("query: bad request")
	// ErrHandlerError means a downstream query handler raised.
	ErrHandlerError = errors.New("query: handler error")
	// ErrProofInvalid means an HMAC nonce/proof check failed on a heartbeat pong.
	ErrProofInvalid = errors.New("heartbeat: proof invalid")
	// ErrOversizedMessage means a serialized envelope exceeded maxMessageBytes.
	ErrOversizedMessage = errors.New("transport: oversized message")
	// ErrNotOnline means waitForOnline's deadline elapsed before the peer was live.
	ErrNotOnline = errors.New("transport: not online")
	// ErrMaxHeightReached means the queue already reached the configured ceiling.
	ErrMaxHeightReached = errors.New("queue: max height reached")
)
