// Package rpcprovider implements the RPC variant of provider.Provider:
// batched Bitcoin Core-compatible JSON-RPC calls over a plain HTTP JSON
// client, plus an optional ZMQ `rawblock` side channel for
// SubscribeToNewBlocks backed by github.com/go-zeromq/zmq4.
package rpcprovider

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-zeromq/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/bitcoinrpc"
	"github.com/synnergy-network/block-ingest/internal/domain"
	"github.com/synnergy-network/block-ingest/internal/provider"
	"github.com/synnergy-network/block-ingest/pkg/parser"
	"github.com/synnergy-network/block-ingest/pkg/utils"
)

// Config bounds one RPC provider instance.
type Config struct {
	UniqName    string
	RPC         bitcoinrpc.Config
	ZMQEndpoint string // optional; enables SubscribeToNewBlocks over rawblock
	Network     domain.NetworkParams
}

// Provider is the RPC implementation of provider.Provider.
type Provider struct {
	cfg    Config
	logger *logrus.Entry
	client *bitcoinrpc.Client
	parse  parser.ParseBlockFunc

	mu    sync.RWMutex
	state domain.ProviderState
}

var _ provider.Provider = (*Provider)(nil)

// New builds an RPC Provider. parse decodes raw hex blocks; callers that
// never invoke the hex-path methods may pass nil.
func New(cfg Config, parse parser.ParseBlockFunc, logger *logrus.Entry) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: logger,
		client: bitcoinrpc.New(cfg.RPC),
		parse:  parse,
		state:  domain.StateDisconnected,
	}
}

func (p *Provider) Name() string             { return p.cfg.UniqName }
func (p *Provider) Kind() domain.ProviderKind { return domain.KindRPC }
func (p *Provider) State() domain.ProviderState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Provider) setState(s domain.ProviderState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Connect verifies the node is reachable via a lightweight getblockcount probe.
func (p *Provider) Connect(ctx context.Context) error {
	p.setState(domain.StateConnecting)
	var height uint64
	if err := p.client.Call(ctx, "getblockcount", nil, &height); err != nil {
		p.setState(domain.StateFailed)
		return utils.Wrap(err, fmt.Sprintf("rpcprovider %s: connect probe failed", p.cfg.UniqName))
	}
	p.setState(domain.StateConnected)
	return nil
}

// Disconnect marks the provider dormant; the underlying HTTP client has no
// persistent connection to tear down.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.setState(domain.StateDisconnected)
	return nil
}

func (p *Provider) GetBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := p.client.Call(ctx, "getblockcount", nil, &height)
	return height, err
}

func (p *Provider) GetManyBlockHashesByHeights(ctx context.Context, heights []uint64) ([]*string, error) {
	reqs := make([]bitcoinrpc.Request, len(heights))
	for i, h := range heights {
		reqs[i] = bitcoinrpc.Request{Method: "getblockhash", Params: []any{h}}
	}
	results, err := p.client.BatchCall(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(results))
	for i, r := range results {
		if r.Err != nil || len(r.Raw) == 0 {
			continue
		}
		var hash string
		if err := unmarshal(r.Raw, &hash); err == nil {
			out[i] = &hash
		}
	}
	return out, nil
}

// GetManyBlocksByHeights fetches verbose blocks (useHex=false) or raw hex
// blocks decoded via the injected parser (useHex=true). verifyMerkle is a
// caller-side concern (internal/merkle); it is accepted here only to match
// the Provider contract and does not change what this method fetches.
func (p *Provider) GetManyBlocksByHeights(ctx context.Context, heights []uint64, useHex bool, verifyMerkle bool) ([]*domain.UniversalBlock, error) {
	hashes, err := p.GetManyBlockHashesByHeights(ctx, heights)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.UniversalBlock, len(heights))
	strs := make([]string, 0, len(hashes))
	idx := make([]int, 0, len(hashes))
	for i, h := range hashes {
		if h == nil {
			continue
		}
		strs = append(strs, *h)
		idx = append(idx, i)
	}
	blocks, err := p.getBlocksByHashStrings(ctx, strs, useHex)
	if err != nil {
		return nil, err
	}
	for j, b := range blocks {
		if b == nil {
			continue
		}
		h := heights[idx[j]]
		b.Height = &h
		out[idx[j]] = b
	}
	return out, nil
}

func (p *Provider) GetManyBlocksHexByHeights(ctx context.Context, heights []uint64) ([]*domain.UniversalBlock, error) {
	return p.GetManyBlocksByHeights(ctx, heights, true, false)
}

func (p *Provider) GetManyBlocksByHashes(ctx context.Context, hashes []string, useHex bool) ([]*domain.UniversalBlock, error) {
	return p.getBlocksByHashStrings(ctx, hashes, useHex)
}

func (p *Provider) GetManyBlocksHexByHashes(ctx context.Context, hashes []string) ([]*domain.UniversalBlock, error) {
	return p.getBlocksByHashStrings(ctx, hashes, true)
}

func (p *Provider) getBlocksByHashStrings(ctx context.Context, hashes []string, useHex bool) ([]*domain.UniversalBlock, error) {
	verbosity := 2
	if useHex {
		verbosity = 0
	}
	reqs := make([]bitcoinrpc.Request, len(hashes))
	for i, h := range hashes {
		reqs[i] = bitcoinrpc.Request{Method: "getblock", Params: []any{h, verbosity}}
	}
	results, err := p.client.BatchCall(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.UniversalBlock, len(results))
	for i, r := range results {
		if r.Err != nil || len(r.Raw) == 0 {
			continue
		}
		if !useHex {
			var b domain.UniversalBlock
			if err := unmarshal(r.Raw, &b); err != nil {
				return nil, err
			}
			out[i] = &b
			continue
		}
		if p.parse == nil {
			return nil, fmt.Errorf("rpcprovider: hex path requested but no ParseBlockFunc configured")
		}
		var rawHex string
		if err := unmarshal(r.Raw, &rawHex); err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(rawHex)
		if err != nil {
			return nil, err
		}
		b, err := p.parse(raw, p.cfg.Network)
		if err != nil {
			return nil, err
		}
		out[i] = &b
	}
	return out, nil
}

func (p *Provider) GetHeightsByHashes(ctx context.Context, hashes []string) ([]*uint64, error) {
	blocks, err := p.getBlocksByHashStrings(ctx, hashes, false)
	if err != nil {
		return nil, err
	}
	out := make([]*uint64, len(blocks))
	for i, b := range blocks {
		if b != nil {
			out[i] = b.Height
		}
	}
	return out, nil
}

func (p *Provider) GetManyBlocksStatsByHeights(ctx context.Context, heights []uint64) ([]*domain.BlockStats, error) {
	reqs := make([]bitcoinrpc.Request, len(heights))
	for i, h := range heights {
		reqs[i] = bitcoinrpc.Request{Method: "getblockstats", Params: []any{h}}
	}
	results, err := p.client.BatchCall(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.BlockStats, len(results))
	for i, r := range results {
		if r.Err != nil || len(r.Raw) == 0 {
			continue
		}
		var s domain.BlockStats
		if err := unmarshal(r.Raw, &s); err != nil {
			return nil, err
		}
		out[i] = &s
	}
	return out, nil
}

func (p *Provider) GetManyBlocksStatsByHashes(ctx context.Context, hashes []string) ([]*domain.BlockStats, error) {
	reqs := make([]bitcoinrpc.Request, len(hashes))
	for i, h := range hashes {
		reqs[i] = bitcoinrpc.Request{Method: "getblockstats", Params: []any{h}}
	}
	results, err := p.client.BatchCall(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.BlockStats, len(results))
	for i, r := range results {
		if r.Err != nil || len(r.Raw) == 0 {
			continue
		}
		var s domain.BlockStats
		if err := unmarshal(r.Raw, &s); err != nil {
			return nil, err
		}
		out[i] = &s
	}
	return out, nil
}

func (p *Provider) GetManyTransactionsByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error) {
	reqs := make([]bitcoinrpc.Request, len(txids))
	for i, id := range txids {
		reqs[i] = bitcoinrpc.Request{Method: "getrawtransaction", Params: []any{id, true}}
	}
	return p.decodeTransactions(ctx, reqs)
}

func (p *Provider) GetManyTransactionsHexByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error) {
	reqs := make([]bitcoinrpc.Request, len(txids))
	for i, id := range txids {
		reqs[i] = bitcoinrpc.Request{Method: "getrawtransaction", Params: []any{id, true}}
	}
	return p.decodeTransactions(ctx, reqs)
}

func (p *Provider) decodeTransactions(ctx context.Context, reqs []bitcoinrpc.Request) ([]*domain.UniversalTransaction, error) {
	results, err := p.client.BatchCall(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.UniversalTransaction, len(results))
	for i, r := range results {
		if r.Err != nil || len(r.Raw) == 0 {
			continue
		}
		var tx domain.UniversalTransaction
		if err := unmarshal(r.Raw, &tx); err != nil {
			return nil, err
		}
		out[i] = &tx
	}
	return out, nil
}

func (p *Provider) GetBlockchainInfo(ctx context.Context) (*domain.BlockchainInfo, error) {
	var info domain.BlockchainInfo
	if err := p.client.Call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (p *Provider) GetNetworkInfo(ctx context.Context) (*domain.NetworkInfo, error) {
	var info domain.NetworkInfo
	if err := p.client.Call(ctx, "getnetworkinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (p *Provider) EstimateSmartFee(ctx context.Context, confTarget int) (float64, error) {
	var result struct {
		Feerate float64 `json:"feerate"`
	}
	if err := p.client.Call(ctx, "estimatesmartfee", []any{confTarget}, &result); err != nil {
		return 0, err
	}
	return result.Feerate, nil
}

// zmqSubscription wraps the ZMQ rawblock socket so Close tears it down.
type zmqSubscription struct {
	cancel context.CancelFunc
}

func (s *zmqSubscription) Close() { s.cancel() }

// SubscribeToNewBlocks subscribes to the node's ZMQ `rawblock` topic when
// ZMQEndpoint is configured; each message's hash is reported via onBlock.
func (p *Provider) SubscribeToNewBlocks(ctx context.Context, onBlock func(hash string), onError func(error)) (provider.Subscription, error) {
	if p.cfg.ZMQEndpoint == "" {
		return nil, fmt.Errorf("rpcprovider: no zmqEndpoint configured for %s", p.cfg.UniqName)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewSub(subCtx)
	if err := sock.Dial(p.cfg.ZMQEndpoint); err != nil {
		cancel()
		return nil, err
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, "rawblock"); err != nil {
		cancel()
		_ = sock.Close()
		return nil, err
	}

	go func() {
		defer sock.Close()
		for {
			msg, err := sock.Recv()
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				onError(err)
				time.Sleep(time.Second)
				continue
			}
			if len(msg.Frames) < 2 || len(msg.Frames[1]) < 80 {
				continue
			}
			hash := chainhash.DoubleHashH(msg.Frames[1][:80])
			onBlock(hash.String())
		}
	}()

	return &zmqSubscription{cancel: cancel}, nil
}

func unmarshal(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}
