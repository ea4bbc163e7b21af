// Package wstransport implements the WebSocket variant of the TransportPort
// contract: a single bound client, candidate promotion on a valid
// HMAC-proven pong, and push-style ACK delivery. A mutex guards the single
// "bound client" slot the same way a connection pool guards its
// bookkeeping, just narrowed from a pool to one promoted slot.
package wstransport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/errs"
	"github.com/synnergy-network/block-ingest/internal/transport"
	"github.com/synnergy-network/block-ingest/internal/wire"
)

// AckResolver is notified when a push-style OutboxStreamAck frame arrives,
// so the outbox sender can resolve its pending waiter.
type AckResolver interface {
	ResolveAck(correlationID string, ack wire.OutboxStreamAckPayload)
}

// Config bounds one WS transport instance.
type Config struct {
	Host            string
	Port            int
	Path            string
	Token           string
	MaxMessageBytes int
	HeartbeatTimeout time.Duration
	Heartbeat       transport.HeartbeatConfig
}

// Transport is the WebSocket implementation of transport.Port. Exactly one
// client is ever bound; additional connections are candidates until they
// produce a valid pong proof.
type Transport struct {
	cfg       Config
	logger    *logrus.Entry
	upgrader  websocket.Upgrader
	heartbeat *transport.HeartbeatState

	ackResolver AckResolver

	mu        sync.Mutex
	candidate *client
	bound     *client

	queryMu sync.RWMutex
	query   transport.QueryHandler

	nonces map[string]struct{} // single-use nonce bucket, scoped per socket lifetime

	closeOnce sync.Once
	closed    chan struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // guards concurrent WriteMessage calls
}

func (c *client) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

var _ transport.Port = (*Transport)(nil)

// New builds a WS transport bound to cfg.
func New(cfg Config, ackResolver AckResolver, logger *logrus.Entry) *Transport {
	return &Transport{
		cfg:         cfg,
		logger:      logger,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		heartbeat:   transport.NewHeartbeatState(cfg.Heartbeat),
		ackResolver: ackResolver,
		nonces:      make(map[string]struct{}),
		closed:      make(chan struct{}),
	}
}

// ServeHTTP upgrades the connection and begins reading frames; a new
// connection starts as a candidate and is only promoted to bound once it
// answers a ping with a valid proof.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.cfg.Token != "" && r.Header.Get("x-transport-token") != t.cfg.Token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.WithError(err).Debug("ws upgrade failed")
		return
	}
	c := &client{conn: conn}

	t.mu.Lock()
	t.candidate = c
	t.mu.Unlock()

	go t.readLoop(c)
}

func (t *Transport) readLoop(c *client) {
	defer c.conn.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			t.dropClient(c)
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.WithError(err).Debug("ws: dropping malformed frame")
			continue
		}
		t.handleFrame(c, env)
	}
}

func (t *Transport) dropClient(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.candidate == c {
		t.candidate = nil
	}
	if t.bound == c {
		t.bound = nil
		t.heartbeat.RecordInvalidPong()
	}
}

func (t *Transport) handleFrame(c *client, env wire.Envelope) {
	switch env.Action {
	case wire.ActionPong:
		t.handlePong(c, env)
	case wire.ActionQueryRequest:
		t.handleQuery(c, env)
	case wire.ActionOutboxStreamAck:
		t.handleAck(env)
	default:
		t.logger.WithField("action", env.Action).Debug("ws: unhandled frame action")
	}
}

func (t *Transport) handlePong(c *client, env wire.Envelope) {
	var pong wire.PongPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &pong)
	}
	if t.cfg.Token != "" {
		nonce := env.RequestID // the nonce we sent travels back as RequestID echo
		if !t.validProof(nonce, env.Timestamp, pong.Proof) {
			t.heartbeat.RecordInvalidPong()
			return
		}
	}
	t.heartbeat.RecordValidPong(time.Now())

	t.mu.Lock()
	if t.bound == nil && t.candidate == c {
		t.bound = c
		t.candidate = nil
	}
	t.mu.Unlock()
}

// validProof checks HMAC_SHA256(token, nonce|ts|sid) against a single-use
// nonce bucket; sid is omitted here (HTTP/WS binds one client, so a socket
// identity suffices without a separate sid field).
func (t *Transport) validProof(nonce string, ts int64, proof string) bool {
	if nonce == "" {
		return false
	}
	t.mu.Lock()
	_, used := t.nonces[nonce]
	if !used {
		t.nonces[nonce] = struct{}{}
	}
	t.mu.Unlock()
	if used {
		return false
	}
	mac := hmac.New(sha256.New, []byte(t.cfg.Token))
	mac.Write([]byte(nonce + "|" + strconv.FormatInt(ts, 10)))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(proof))
}

func (t *Transport) handleQuery(c *client, env wire.Envelope) {
	t.mu.Lock()
	isBound := t.bound == c
	t.mu.Unlock()
	if !isBound {
		return // only the bound client's queries are processed
	}

	var req wire.QueryRequestPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			t.respondQuery(c, env, wire.QueryResponsePayload{Ok: false, Err: "bad request"})
			return
		}
	}

	t.queryMu.RLock()
	handler := t.query
	t.queryMu.RUnlock()
	if handler == nil {
		t.respondQuery(c, env, wire.QueryResponsePayload{Ok: false, Err: "handler not found"})
		return
	}

	data, err := handler(context.Background(), req)
	if err != nil {
		t.respondQuery(c, env, wire.QueryResponsePayload{Ok: false, Err: err.Error()})
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.respondQuery(c, env, wire.QueryResponsePayload{Ok: false, Err: err.Error()})
		return
	}
	t.respondQuery(c, env, wire.QueryResponsePayload{Ok: true, Data: raw})
}

func (t *Transport) respondQuery(c *client, req wire.Envelope, payload wire.QueryResponsePayload) {
	resp, err := wire.NewEnvelope(wire.ActionQueryResponse, payload, req.RequestID, req.CorrelationID, time.Now().UnixMilli())
	if err != nil {
		return
	}
	_ = c.writeJSON(resp)
}

func (t *Transport) handleAck(env wire.Envelope) {
	var ack wire.OutboxStreamAckPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &ack)
	}
	if t.ackResolver != nil {
		t.ackResolver.ResolveAck(env.CorrelationID, ack)
	}
}

// Send writes env as a JSON frame to the bound client.
func (t *Transport) Send(ctx context.Context, env wire.Envelope) error {
	t.mu.Lock()
	c := t.bound
	t.mu.Unlock()
	if c == nil {
		return errs.ErrNotConnected
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if t.cfg.MaxMessageBytes > 0 && len(raw) > t.cfg.MaxMessageBytes {
		return errs.ErrOversizedMessage
	}
	if err := c.writeJSON(env); err != nil {
		return errs.ErrTransportIO
	}
	return nil
}

// WaitForAck is satisfied asynchronously by ResolveAck (push model); this
// transport does not itself block for an ack within WaitForAck beyond the
// contract's deadline, since arrival is driven by readLoop.
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

// WaitForOnline busy-polls until the bound client is online or deadline elapses.
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

// Destroy closes the bound/candidate connections and unblocks waiters.
func (t *Transport) Destroy() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.bound != nil {
			_ = t.bound.conn.Close()
			t.bound = nil
		}
		if t.candidate != nil {
			_ = t.candidate.conn.Close()
			t.candidate = nil
		}
	})
}

type subFunc func()

func (f subFunc) Close() { f() }
