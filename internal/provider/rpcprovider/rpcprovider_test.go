package rpcprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/bitcoinrpc"
	"github.com/synnergy-network/block-ingest/internal/domain"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  map[string]any  `json:"error,omitempty"`
}

func newFakeNode(t *testing.T, handle func(reqs []rpcRequest) []rpcResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(handle(reqs))
	}))
}

func newProvider(srvURL string) *Provider {
	return New(Config{
		UniqName: "rpc-main",
		RPC:      bitcoinrpc.Config{BaseURL: srvURL},
		Network:  domain.NetworkParams{Name: "mainnet"},
	}, nil, testLogger())
}

func TestConnect_ProbesBlockCount(t *testing.T) {
	srv := newFakeNode(t, func(reqs []rpcRequest) []rpcResponse {
		out := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			if req.Method != "getblockcount" {
				t.Fatalf("unexpected method %q", req.Method)
			}
			out[i] = rpcResponse{ID: req.ID, Result: json.RawMessage(`812345`)}
		}
		return out
	})
	defer srv.Close()

	p := newProvider(srv.URL)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if p.State() != domain.StateConnected {
		t.Fatalf("expected connected state, got %q", p.State())
	}
}

func TestGetManyBlocksByHeights_PreservesOrderAndSetsHeight(t *testing.T) {
	hashByHeight := map[uint64]string{10: "hashA", 11: "hashB"}

	srv := newFakeNode(t, func(reqs []rpcRequest) []rpcResponse {
		out := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			switch req.Method {
			case "getblockhash":
				height := uint64(req.Params[0].(float64))
				h, ok := hashByHeight[height]
				if !ok {
					out[i] = rpcResponse{ID: req.ID, Error: map[string]any{"code": -8, "message": "Block height out of range"}}
					continue
				}
				raw, _ := json.Marshal(h)
				out[i] = rpcResponse{ID: req.ID, Result: raw}
			case "getblock":
				hash := req.Params[0].(string)
				b := domain.UniversalBlock{Hash: hash, Merkleroot: "m-" + hash}
				raw, _ := json.Marshal(b)
				out[i] = rpcResponse{ID: req.ID, Result: raw}
			default:
				t.Fatalf("unexpected method %q", req.Method)
			}
		}
		return out
	})
	defer srv.Close()

	p := newProvider(srv.URL)
	blocks, err := p.GetManyBlocksByHeights(context.Background(), []uint64{10, 11, 12}, false, false)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(blocks))
	}
	if blocks[0] == nil || blocks[0].Hash != "hashA" || *blocks[0].Height != 10 {
		t.Fatalf("unexpected slot 0: %+v", blocks[0])
	}
	if blocks[1] == nil || blocks[1].Hash != "hashB" || *blocks[1].Height != 11 {
		t.Fatalf("unexpected slot 1: %+v", blocks[1])
	}
	if blocks[2] != nil {
		t.Fatalf("expected nil slot for missing height 12, got %+v", blocks[2])
	}
}

func TestGetManyBlocksHexByHashes_UsesInjectedParser(t *testing.T) {
	srv := newFakeNode(t, func(reqs []rpcRequest) []rpcResponse {
		out := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			if req.Method != "getblock" {
				t.Fatalf("unexpected method %q", req.Method)
			}
			raw, _ := json.Marshal("deadbeef")
			out[i] = rpcResponse{ID: req.ID, Result: raw}
		}
		return out
	})
	defer srv.Close()

	var parsedRaw []byte
	parse := func(raw []byte, network domain.NetworkParams) (domain.UniversalBlock, error) {
		parsedRaw = raw
		return domain.UniversalBlock{Hash: "decoded-" + network.Name}, nil
	}

	p := New(Config{
		UniqName: "rpc-main",
		RPC:      bitcoinrpc.Config{BaseURL: srv.URL},
		Network:  domain.NetworkParams{Name: "mainnet"},
	}, parse, testLogger())

	blocks, err := p.GetManyBlocksHexByHashes(context.Background(), []string{"hash1"})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0] == nil || blocks[0].Hash != "decoded-mainnet" {
		t.Fatalf("expected parsed block, got %+v", blocks)
	}
	if len(parsedRaw) != 4 {
		t.Fatalf("expected 4 decoded bytes from deadbeef, got %d", len(parsedRaw))
	}
}

func TestGetManyBlocksHexByHashes_WithoutParserErrors(t *testing.T) {
	srv := newFakeNode(t, func(reqs []rpcRequest) []rpcResponse {
		out := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			raw, _ := json.Marshal("deadbeef")
			out[i] = rpcResponse{ID: req.ID, Result: raw}
		}
		return out
	})
	defer srv.Close()

	p := newProvider(srv.URL)
	_, err := p.GetManyBlocksHexByHashes(context.Background(), []string{"hash1"})
	if err == nil {
		t.Fatal("expected error when no ParseBlockFunc is configured")
	}
}

func TestEstimateSmartFee_ReturnsFeerate(t *testing.T) {
	srv := newFakeNode(t, func(reqs []rpcRequest) []rpcResponse {
		out := make([]rpcResponse, len(reqs))
		for i, req := range reqs {
			if req.Method != "estimatesmartfee" {
				t.Fatalf("unexpected method %q", req.Method)
			}
			raw, _ := json.Marshal(map[string]float64{"feerate": 0.00012})
			out[i] = rpcResponse{ID: req.ID, Result: raw}
		}
		return out
	})
	defer srv.Close()

	p := newProvider(srv.URL)
	fee, err := p.EstimateSmartFee(context.Background(), 6)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if fee != 0.00012 {
		t.Fatalf("expected feerate 0.00012, got %v", fee)
	}
}

func TestSubscribeToNewBlocks_ErrorsWithoutZMQEndpoint(t *testing.T) {
	p := newProvider("http://unused")
	_, err := p.SubscribeToNewBlocks(context.Background(), func(string) {}, func(error) {})
	if err == nil {
		t.Fatal("expected error when no ZMQEndpoint is configured")
	}
	if err.Error() == "" {
		t.Fatal(fmt.Sprintf("expected descriptive error, got %v", err))
	}
}
