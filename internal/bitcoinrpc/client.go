// Package bitcoinrpc implements a minimal batched JSON-RPC client against a
// Bitcoin Core-compatible node, used by internal/provider/rpcprovider. It
// speaks the standard JSON-RPC 1.0 batch array format Bitcoin Core accepts.
package bitcoinrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/synnergy-network/block-ingest/internal/errs"
)

// Config bounds one RPC client.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	ResponseTimeout time.Duration
}

// Client issues single and batched JSON-RPC calls.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client bound to cfg.
func New(cfg Config) *Client {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.ResponseTimeout}}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Call issues a single JSON-RPC method call and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	results, err := c.BatchCall(ctx, []Request{{Method: method, Params: params}})
	if err != nil {
		return err
	}
	if len(results) != 1 {
		return fmt.Errorf("%w: expected 1 result, got %d", errs.ErrTransportIO, len(results))
	}
	if results[0].Err != nil {
		return results[0].Err
	}
	if out == nil || len(results[0].Raw) == 0 {
		return nil
	}
	return json.Unmarshal(results[0].Raw, out)
}

// Request is one call in a BatchCall; preserves caller order in the result.
type Request struct {
	Method string
	Params []any
}

// Result is one slot of a BatchCall response: Err is set for an RPC error,
// Raw otherwise; both are empty when the reply carries no entry for the slot.
type Result struct {
	Raw json.RawMessage
	Err error
}

// BatchCall sends all reqs as a single JSON-RPC batch and returns results in
// the same order, regardless of the order the server replies in.
func (c *Client) BatchCall(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	batch := make([]request, len(reqs))
	for i, r := range reqs {
		batch[i] = request{JSONRPC: "1.0", ID: i, Method: r.Method, Params: r.Params}
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("content-type", "application/json")
	if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrTransportIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: rpc status %d", errs.ErrTransportIO, resp.StatusCode)
	}

	var raws []response
	if err := json.NewDecoder(resp.Body).Decode(&raws); err != nil {
		return nil, fmt.Errorf("%w: decoding batch response: %s", errs.ErrTransportIO, err)
	}

	out := make([]Result, len(reqs))
	for _, r := range raws {
		if r.ID < 0 || r.ID >= len(out) {
			continue
		}
		if r.Error != nil {
			out[r.ID] = Result{Err: r.Error}
			continue
		}
		out[r.ID] = Result{Raw: r.Result}
	}
	return out, nil
}
