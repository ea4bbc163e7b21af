// Package httptransport implements the HTTP variant of the TransportPort
// contract: a gorilla/mux server exposing POST /query, and an outbound
// webhook sender for outbox batches and pings.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/errs"
	"github.com/synnergy-network/block-ingest/internal/transport"
	"github.com/synnergy-network/block-ingest/internal/wire"
)

// WebhookConfig names the peer endpoints a batch/ping is POSTed to.
type WebhookConfig struct {
	URL     string // receives OutboxStreamBatch envelopes; response body is the ack
	PingURL string // receives Ping envelopes; response body is the pong
	Token   string // sent as x-transport-token, optional
}

// Config bounds one HTTP transport instance.
type Config struct {
	Host            string
	Port            int
	MaxMessageBytes int
	AckTimeout      time.Duration
	Webhook         WebhookConfig
	Heartbeat       transport.HeartbeatConfig
}

// Transport is the HTTP implementation of transport.Port.
type Transport struct {
	cfg    Config
	logger *logrus.Entry
	client *http.Client

	heartbeat *transport.HeartbeatState

	server *http.Server
	router *mux.Router

	queryMu sync.RWMutex
	query   transport.QueryHandler

	ackMu       sync.Mutex
	pendingAcks map[string]wire.OutboxStreamAckPayload

	closeOnce sync.Once
	closed    chan struct{}

	hbCancel context.CancelFunc
}

var _ transport.Port = (*Transport)(nil)

// New builds an HTTP transport bound to cfg; call ListenAndServe to start
// accepting /query requests and StartHeartbeat to begin pinging the webhook.
func New(cfg Config, logger *logrus.Entry) *Transport {
	t := &Transport{
		cfg:       cfg,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		heartbeat: transport.NewHeartbeatState(cfg.Heartbeat),
		closed:    make(chan struct{}),
	}
	t.router = mux.NewRouter()
	t.router.HandleFunc("/query", t.handleQuery).Methods(http.MethodPost)
	t.router.HandleFunc("/healthz", t.handleHealthz).Methods(http.MethodGet)
	return t
}

// ListenAndServe starts the HTTP server; blocks until the server stops.
func (t *Transport) ListenAndServe() error {
	t.server = &http.Server{Addr: fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port), Handler: t.router}
	t.logger.WithField("addr", t.server.Addr).Info("http transport listening")
	if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartHeartbeat begins the ping loop against cfg.Webhook.PingURL with
// exponential backoff.
func (t *Transport) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.hbCancel = cancel
	go func() {
		interval := t.cfg.Heartbeat.Interval
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			default:
			}
			if err := t.sendPing(ctx); err != nil {
				t.logger.WithError(err).Debug("heartbeat ping failed")
			}
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			interval = t.cfg.Heartbeat.NextInterval(interval)
		}
	}()
}

func (t *Transport) sendPing(ctx context.Context) error {
	env, err := wire.NewEnvelope(wire.ActionPing, wire.PingPayload{}, "", "", time.Now().UnixMilli())
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Webhook.PingURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	t.setHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", errs.ErrTransportIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: ping status %d", errs.ErrTransportIO, resp.StatusCode)
	}

	var pongEnv wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&pongEnv); err != nil {
		return fmt.Errorf("%w: decoding pong: %s", errs.ErrTransportIO, err)
	}
	var pong wire.PongPayload
	if len(pongEnv.Payload) > 0 {
		_ = json.Unmarshal(pongEnv.Payload, &pong)
	}
	if t.cfg.Heartbeat.Password != "" && pong.Password != t.cfg.Heartbeat.Password {
		t.heartbeat.RecordInvalidPong()
		return nil
	}
	t.heartbeat.RecordValidPong(time.Now())
	return nil
}

func (t *Transport) setHeaders(req *http.Request) {
	req.Header.Set("content-type", "application/json")
	if t.cfg.Webhook.Token != "" {
		req.Header.Set("x-transport-token", t.cfg.Webhook.Token)
	}
}

// Send POSTs env to Webhook.URL and parses the synchronous response body as
// the ack, storing it by CorrelationID for the following WaitForAck call.
func (t *Transport) Send(ctx context.Context, env wire.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if t.cfg.MaxMessageBytes > 0 && len(body) > t.cfg.MaxMessageBytes {
		return errs.ErrOversizedMessage
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	t.setHeaders(req)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", errs.ErrTransportIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: batch status %d", errs.ErrTransportIO, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading ack body: %s", errs.ErrTransportIO, err)
	}
	var ackEnv wire.Envelope
	if err := json.Unmarshal(raw, &ackEnv); err != nil {
		return fmt.Errorf("%w: decoding ack: %s", errs.ErrTransportIO, err)
	}
	t.deliverAck(ackEnv)
	return nil
}

// deliverAck stores the ack Send's synchronous response just carried, keyed
// by correlationId, for WaitForAck (called immediately after Send by the
// outbox sender) to pick up.
func (t *Transport) deliverAck(env wire.Envelope) {
	t.ackMu.Lock()
	defer t.ackMu.Unlock()
	if t.pendingAcks == nil {
		t.pendingAcks = make(map[string]wire.OutboxStreamAckPayload)
	}
	var payload wire.OutboxStreamAckPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	t.pendingAcks[env.CorrelationID] = payload
}

// WaitForAck returns the ack delivered synchronously by the prior Send call
// for correlationID; HTTP has no separate async wait, so this polls the
// tiny in-memory map Send just populated.
func (t *Transport) WaitForAck(ctx context.Context, correlationID string, deadline time.Duration) (wire.OutboxStreamAckPayload, error) {
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		t.ackMu.Lock()
		ack, ok := t.pendingAcks[correlationID]
		if ok {
			delete(t.pendingAcks, correlationID)
		}
		t.ackMu.Unlock()
		if ok {
			return ack, nil
		}
		select {
		case <-ctx.Done():
			return wire.OutboxStreamAckPayload{}, ctx.Err()
		case <-t.closed:
			return wire.OutboxStreamAckPayload{}, errs.ErrTransportClosed
		case <-timeout.C:
			return wire.OutboxStreamAckPayload{}, errs.ErrAckTimeout
		case <-ticker.C:
		}
	}
}

// IsOnline reports whether a valid pong arrived within StaleAfter.
func (t *Transport) IsOnline() bool { return t.heartbeat.IsOnline() }

// WaitForOnline busy-polls until the peer is online or the deadline elapses.
func (t *Transport) WaitForOnline(ctx context.Context, deadline time.Duration) error {
	return t.heartbeat.WaitForOnline(ctx, deadline)
}

// OnQuery installs the handler bridging POST /query to the local query bus.
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

func (t *Transport) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req wire.QueryRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		t.writeResponse(w, wire.QueryResponsePayload{Ok: false, Err: "bad request"}, http.StatusBadRequest)
		return
	}

	t.queryMu.RLock()
	handler := t.query
	t.queryMu.RUnlock()
	if handler == nil {
		t.writeResponse(w, wire.QueryResponsePayload{Ok: false, Err: "handler not found"}, http.StatusOK)
		return
	}

	data, err := handler(r.Context(), req)
	if err != nil {
		t.writeResponse(w, wire.QueryResponsePayload{Ok: false, Err: err.Error()}, http.StatusInternalServerError)
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		t.writeResponse(w, wire.QueryResponsePayload{Ok: false, Err: err.Error()}, http.StatusInternalServerError)
		return
	}
	t.writeResponse(w, wire.QueryResponsePayload{Ok: true, Data: raw}, http.StatusOK)
}

func (t *Transport) writeResponse(w http.ResponseWriter, payload wire.QueryResponsePayload, status int) {
	env, err := wire.NewEnvelope(wire.ActionQueryResponse, payload, "", "", time.Now().UnixMilli())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func (t *Transport) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// Destroy stops the heartbeat loop, the HTTP server, and unblocks any
// WaitForAck callers with TransportClosed.
func (t *Transport) Destroy() {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.hbCancel != nil {
			t.hbCancel()
		}
		if t.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = t.server.Shutdown(ctx)
		}
	})
}

type subFunc func()

func (f subFunc) Close() { f() }
