// Package ipctransport implements the IPC variant of the TransportPort
// contract: newline-delimited JSON envelopes over the host process's
// message channel (an io.Reader/io.Writer pair standing in for the
// child-process pipe). Shares the same single-peer, HMAC-proof heartbeat
// discipline as wstransport, minus the WS sid/candidate machinery since
// IPC has exactly one peer for its whole lifetime.
package ipctransport

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/errs"
	"github.com/synnergy-network/block-ingest/internal/transport"
	"github.com/synnergy-network/block-ingest/internal/wire"
)

// AckResolver is notified when a push-style OutboxStreamAck frame arrives.
type AckResolver interface {
	ResolveAck(correlationID string, ack wire.OutboxStreamAckPayload)
}

// Config bounds one IPC transport instance.
type Config struct {
	Token           string
	MaxMessageBytes int
	Heartbeat       transport.HeartbeatConfig
}

// Transport is the IPC implementation of transport.Port, operating over w/r
// (the parent's side of the child-process message channel).
type Transport struct {
	cfg       Config
	logger    *logrus.Entry
	heartbeat *transport.HeartbeatState

	ackResolver AckResolver

	w      io.Writer
	writeM sync.Mutex

	queryMu sync.RWMutex
	query   transport.QueryHandler

	nonces   map[string]struct{}
	noncesMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Port = (*Transport)(nil)

// New builds an IPC transport writing to w; call ReadLoop(r) to begin
// processing inbound frames.
func New(cfg Config, w io.Writer, ackResolver AckResolver, logger *logrus.Entry) *Transport {
	return &Transport{
		cfg:         cfg,
		logger:      logger,
		heartbeat:   transport.NewHeartbeatState(cfg.Heartbeat),
		ackResolver: ackResolver,
		w:           w,
		nonces:      make(map[string]struct{}),
		closed:      make(chan struct{}),
	}
}

// ReadLoop consumes newline-delimited JSON envelopes from r until it closes
// or ctx is cancelled. Meant to run in its own goroutine.
func (t *Transport) ReadLoop(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			t.logger.WithError(err).Debug("ipc: dropping malformed frame")
			continue
		}
		t.handleFrame(env)
	}
}

func (t *Transport) handleFrame(env wire.Envelope) {
	switch env.Action {
	case wire.ActionPong:
		t.handlePong(env)
	case wire.ActionQueryRequest:
		t.handleQuery(env)
	case wire.ActionOutboxStreamAck:
		var ack wire.OutboxStreamAckPayload
		if len(env.Payload) > 0 {
			_ = json.Unmarshal(env.Payload, &ack)
		}
		if t.ackResolver != nil {
			t.ackResolver.ResolveAck(env.CorrelationID, ack)
		}
	default:
		t.logger.WithField("action", env.Action).Debug("ipc: unhandled frame action")
	}
}

func (t *Transport) handlePong(env wire.Envelope) {
	var pong wire.PongPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &pong)
	}
	if t.cfg.Token != "" {
		nonce := env.RequestID
		if !t.validProof(nonce, env.Timestamp, pong.Proof) {
			t.heartbeat.RecordInvalidPong()
			return
		}
	}
	t.heartbeat.RecordValidPong(time.Now())
}

// validProof checks HMAC_SHA256(token, nonce|ts) with a single-use nonce
// bucket; IPC carries no sid, reusing the same HMAC scheme as WS without it.
func (t *Transport) validProof(nonce string, ts int64, proof string) bool {
	if nonce == "" {
		return false
	}
	t.noncesMu.Lock()
	_, used := t.nonces[nonce]
	if !used {
		t.nonces[nonce] = struct{}{}
	}
	t.noncesMu.Unlock()
	if used {
		return false
	}
	mac := hmac.New(sha256.New, []byte(t.cfg.Token))
	mac.Write([]byte(nonce + "|" + strconv.FormatInt(ts, 10)))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(proof))
}

func (t *Transport) handleQuery(env wire.Envelope) {
	var req wire.QueryRequestPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			t.respondQuery(env, wire.QueryResponsePayload{Ok: false, Err: "bad request"})
			return
		}
	}

	t.queryMu.RLock()
	handler := t.query
	t.queryMu.RUnlock()
	if handler == nil {
		t.respondQuery(env, wire.QueryResponsePayload{Ok: false, Err: "handler not found"})
		return
	}

	data, err := handler(context.Background(), req)
	if err != nil {
		t.respondQuery(env, wire.QueryResponsePayload{Ok: false, Err: err.Error()})
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.respondQuery(env, wire.QueryResponsePayload{Ok: false, Err: err.Error()})
		return
	}
	t.respondQuery(env, wire.QueryResponsePayload{Ok: true, Data: raw})
}

func (t *Transport) respondQuery(req wire.Envelope, payload wire.QueryResponsePayload) {
	resp, err := wire.NewEnvelope(wire.ActionQueryResponse, payload, req.RequestID, req.CorrelationID, time.Now().UnixMilli())
	if err != nil {
		return
	}
	_ = t.writeEnvelope(resp)
}

func (t *Transport) writeEnvelope(env wire.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.writeM.Lock()
	defer t.writeM.Unlock()
	if _, err := t.w.Write(append(raw, '\n')); err != nil {
		return errs.ErrTransportIO
	}
	return nil
}

// Send writes env as a newline-delimited JSON frame.
func (t *Transport) Send(ctx context.Context, env wire.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if t.cfg.MaxMessageBytes > 0 && len(raw) > t.cfg.MaxMessageBytes {
		return errs.ErrOversizedMessage
	}
	return t.writeEnvelope(env)
}

// WaitForAck blocks until the deadline or close; arrival is driven by
// ReadLoop -> ResolveAck (push model), same as wstransport.
func (t *Transport) WaitForAck(ctx context.Context, correlationID string, deadline time.Duration) (wire.OutboxStreamAckPayload, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wire.OutboxStreamAckPayload{}, ctx.Err()
	case <-t.closed:
		return wire.OutboxStreamAckPayload{}, errs.ErrTransportClosed
	case <-timer.C:
		return wire.OutboxStreamAckPayload{}, errs.ErrAckTimeout
	}
}

// IsOnline reports whether a valid pong arrived within StaleAfter.
func (t *Transport) IsOnline() bool { return t.heartbeat.IsOnline() }

// WaitForOnline busy-polls until the peer is online or the deadline elapses.
func (t *Transport) WaitForOnline(ctx context.Context, deadline time.Duration) error {
	return t.heartbeat.WaitForOnline(ctx, deadline)
}

// OnQuery installs the handler bridging QueryRequest frames to the local
// query bus.
func (t *Transport) OnQuery(handler transport.QueryHandler) transport.Subscription {
	t.queryMu.Lock()
	t.query = handler
	t.queryMu.Unlock()
	return subFunc(func() {
		t.queryMu.Lock()
		t.query = nil
		t.queryMu.Unlock()
	})
}

// Destroy unblocks any WaitForAck callers with TransportClosed.
func (t *Transport) Destroy() {
	t.closeOnce.Do(func() { close(t.closed) })
}

type subFunc func()

func (f subFunc) Close() { f() }
