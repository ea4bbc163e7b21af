// Package p2pprovider implements the P2P variant of provider.Provider:
// a pool of outbound Bitcoin wire-protocol peers, a height->hash header
// sync, and GetData-driven block/transaction fetch. Modeled on a
// Bitcoin peer-pool shape, simplified since this Provider itself does
// not retry — failover across providers is the connection manager's job
// (internal/provider.Manager).
package p2pprovider

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/domain"
	"github.com/synnergy-network/block-ingest/internal/provider"
	"github.com/synnergy-network/block-ingest/pkg/utils"
)

// Config bounds one P2P provider instance.
type Config struct {
	UniqName    string
	PeerAddrs   []string
	ChainParams *chaincfg.Params
	DialTimeout time.Duration
	FetchTimeout time.Duration
	MaxHeight   uint64 // 0 means sync to whatever tip the peers report
	Network     domain.NetworkParams
}

type pendingBlock struct {
	ch chan *wire.MsgBlock
}

type pendingTx struct {
	ch chan *wire.MsgTx
}

// Provider is the P2P implementation of provider.Provider.
type Provider struct {
	cfg    Config
	logger *logrus.Entry

	mu    sync.RWMutex
	state domain.ProviderState
	peers []*peer.Peer

	headerMu    sync.RWMutex
	heightToHash map[uint64]chainhash.Hash
	hashToHeight map[chainhash.Hash]uint64
	tip          uint64

	pendingMu     sync.Mutex
	pendingBlocks map[chainhash.Hash]*pendingBlock
	pendingTxs    map[chainhash.Hash]*pendingTx

	newBlockMu sync.RWMutex
	newBlockCB func(hash string)
}

var _ provider.Provider = (*Provider)(nil)

// New builds a P2P Provider. Connect must be called before any fetch method.
func New(cfg Config, logger *logrus.Entry) *Provider {
	if cfg.ChainParams == nil {
		cfg.ChainParams = &chaincfg.MainNetParams
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Provider{
		cfg:           cfg,
		logger:        logger,
		state:         domain.StateDisconnected,
		heightToHash:  make(map[uint64]chainhash.Hash),
		hashToHeight:  make(map[chainhash.Hash]uint64),
		pendingBlocks: make(map[chainhash.Hash]*pendingBlock),
		pendingTxs:    make(map[chainhash.Hash]*pendingTx),
	}
}

func (p *Provider) Name() string             { return p.cfg.UniqName }
func (p *Provider) Kind() domain.ProviderKind { return domain.KindP2P }
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

// Connect dials every configured peer and starts header sync from genesis.
func (p *Provider) Connect(ctx context.Context) error {
	p.setState(domain.StateConnecting)

	var connected int
	for _, addr := range p.cfg.PeerAddrs {
		pr, err := p.dialPeer(addr)
		if err != nil {
			p.logger.WithError(err).WithField("addr", addr).Warn("p2pprovider: peer dial failed")
			continue
		}
		p.mu.Lock()
		p.peers = append(p.peers, pr)
		p.mu.Unlock()
		connected++
	}
	if connected == 0 {
		p.setState(domain.StateFailed)
		return fmt.Errorf("p2pprovider: no peers reachable out of %d configured", len(p.cfg.PeerAddrs))
	}

	p.setState(domain.StateConnected)
	p.headerMu.Lock()
	if _, seeded := p.heightToHash[0]; !seeded {
		genesis := *p.cfg.ChainParams.GenesisHash
		p.heightToHash[0] = genesis
		p.hashToHeight[genesis] = 0
	}
	p.headerMu.Unlock()
	if err := p.syncHeaders(ctx); err != nil {
		p.logger.WithError(err).Warn("p2pprovider: initial header sync incomplete")
	}
	return nil
}

func (p *Provider) dialPeer(addr string) (*peer.Peer, error) {
	cfg := &peer.Config{
		UserAgentName:    "block-ingest",
		UserAgentVersion: "1.0.0",
		ChainParams:      p.cfg.ChainParams,
		Services:         0,
		Listeners: peer.MessageListeners{
			OnBlock:   p.onBlock,
			OnTx:      p.onTx,
			OnInv:     p.onInv,
			OnHeaders: p.onHeaders,
		},
	}
	pr, err := peer.NewOutboundPeer(cfg, addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout("tcp", pr.Addr(), p.cfg.DialTimeout)
	if err != nil {
		return nil, utils.Wrap(err, fmt.Sprintf("p2pprovider: dial %s", addr))
	}
	pr.AssociateConnection(conn)
	return pr, nil
}

// Disconnect tears down every peer connection.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.peers {
		pr.Disconnect()
	}
	p.peers = nil
	p.state = domain.StateDisconnected
	return nil
}

func (p *Provider) anyPeer() (*peer.Peer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pr := range p.peers {
		if pr.Connected() {
			return pr, nil
		}
	}
	return nil, fmt.Errorf("p2pprovider: no connected peer available")
}

// syncHeaders walks getheaders/headers from genesis (or the current tip) up
// to cfg.MaxHeight (or whatever the peer reports as its tip).
func (p *Provider) syncHeaders(ctx context.Context) error {
	pr, err := p.anyPeer()
	if err != nil {
		return err
	}
	for {
		p.headerMu.RLock()
		tip := p.tip
		locatorHash := p.headerAt(tip)
		p.headerMu.RUnlock()

		getHeaders := wire.NewMsgGetHeaders()
		if locatorHash != nil {
			getHeaders.AddBlockLocatorHash(locatorHash)
		} else {
			getHeaders.AddBlockLocatorHash(p.cfg.ChainParams.GenesisHash)
		}
		pr.QueueMessage(getHeaders, nil)

		select {
		case <-time.After(3 * time.Second):
			// best-effort: headers arrive asynchronously via onHeaders below;
			// give the peer a window to respond before checking progress.
		case <-ctx.Done():
			return ctx.Err()
		}

		p.headerMu.RLock()
		newTip := p.tip
		p.headerMu.RUnlock()
		if newTip == tip {
			return nil // no progress; assume we reached the peer's tip
		}
		if p.cfg.MaxHeight > 0 && newTip >= p.cfg.MaxHeight {
			return nil
		}
	}
}

func (p *Provider) headerAt(height uint64) *chainhash.Hash {
	h, ok := p.heightToHash[height]
	if !ok {
		return nil
	}
	return &h
}

func (p *Provider) onBlock(pr *peer.Peer, msg *wire.MsgBlock, buf []byte) {
	hash := msg.BlockHash()
	p.pendingMu.Lock()
	pb, ok := p.pendingBlocks[hash]
	p.pendingMu.Unlock()
	if ok {
		select {
		case pb.ch <- msg:
		default:
		}
	}
}

func (p *Provider) onTx(pr *peer.Peer, msg *wire.MsgTx) {
	hash := msg.TxHash()
	p.pendingMu.Lock()
	pt, ok := p.pendingTxs[hash]
	p.pendingMu.Unlock()
	if ok {
		select {
		case pt.ch <- msg:
		default:
		}
	}
}

func (p *Provider) onHeaders(pr *peer.Peer, msg *wire.MsgHeaders) {
	p.headerMu.Lock()
	defer p.headerMu.Unlock()
	for _, hdr := range msg.Headers {
		prevHeight, ok := p.hashToHeight[hdr.PrevBlock]
		if !ok && hdr.PrevBlock != p.headerZero() {
			continue
		}
		height := prevHeight + 1
		if hdr.PrevBlock == p.headerZero() {
			height = 0
		}
		hash := hdr.BlockHash()
		p.heightToHash[height] = hash
		p.hashToHeight[hash] = height
		if height > p.tip {
			p.tip = height
		}
	}
}

// headerZero is the zero-value PrevBlock hash genesis headers carry.
func (p *Provider) headerZero() chainhash.Hash {
	return chainhash.Hash{}
}

func (p *Provider) onInv(pr *peer.Peer, msg *wire.MsgInv) {
	for _, item := range msg.InvList {
		if item.Type != wire.InvTypeBlock && item.Type != wire.InvTypeWitnessBlock {
			continue
		}
		p.newBlockMu.RLock()
		cb := p.newBlockCB
		p.newBlockMu.RUnlock()
		if cb != nil {
			cb(item.Hash.String())
		}
	}
}

func (p *Provider) GetBlockHeight(ctx context.Context) (uint64, error) {
	p.headerMu.RLock()
	defer p.headerMu.RUnlock()
	return p.tip, nil
}

func (p *Provider) GetManyBlockHashesByHeights(ctx context.Context, heights []uint64) ([]*string, error) {
	p.headerMu.RLock()
	defer p.headerMu.RUnlock()
	out := make([]*string, len(heights))
	for i, h := range heights {
		if hash, ok := p.heightToHash[h]; ok {
			s := hash.String()
			out[i] = &s
		}
	}
	return out, nil
}

func (p *Provider) GetHeightsByHashes(ctx context.Context, hashes []string) ([]*uint64, error) {
	p.headerMu.RLock()
	defer p.headerMu.RUnlock()
	out := make([]*uint64, len(hashes))
	for i, hs := range hashes {
		h, err := chainhash.NewHashFromStr(hs)
		if err != nil {
			continue
		}
		if height, ok := p.hashToHeight[*h]; ok {
			out[i] = &height
		}
	}
	return out, nil
}

func (p *Provider) fetchBlockByHash(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	pr, err := p.anyPeer()
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.MsgBlock, 1)
	p.pendingMu.Lock()
	p.pendingBlocks[hash] = &pendingBlock{ch: ch}
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pendingBlocks, hash)
		p.pendingMu.Unlock()
	}()

	getData := wire.NewMsgGetData()
	invType := wire.InvTypeBlock
	if p.cfg.Network.HasSegWit {
		invType = wire.InvTypeWitnessBlock
	}
	h := hash
	getData.AddInvVect(wire.NewInvVect(invType, &h))
	pr.QueueMessage(getData, nil)

	select {
	case block := <-ch:
		return block, nil
	case <-time.After(p.cfg.FetchTimeout):
		return nil, fmt.Errorf("p2pprovider: timed out fetching block %s", hash)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Provider) GetManyBlocksByHeights(ctx context.Context, heights []uint64, useHex bool, verifyMerkle bool) ([]*domain.UniversalBlock, error) {
	hashes, err := p.GetManyBlockHashesByHeights(ctx, heights)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.UniversalBlock, len(heights))
	for i, h := range hashes {
		if h == nil {
			continue
		}
		hash, err := chainhash.NewHashFromStr(*h)
		if err != nil {
			continue
		}
		msg, err := p.fetchBlockByHash(ctx, *hash)
		if err != nil {
			return nil, err
		}
		ub := convertMsgBlock(msg, useHex)
		height := heights[i]
		ub.Height = &height
		out[i] = &ub
	}
	return out, nil
}

func (p *Provider) GetManyBlocksHexByHeights(ctx context.Context, heights []uint64) ([]*domain.UniversalBlock, error) {
	return p.GetManyBlocksByHeights(ctx, heights, true, false)
}

func (p *Provider) GetManyBlocksByHashes(ctx context.Context, hashes []string, useHex bool) ([]*domain.UniversalBlock, error) {
	out := make([]*domain.UniversalBlock, len(hashes))
	for i, hs := range hashes {
		hash, err := chainhash.NewHashFromStr(hs)
		if err != nil {
			continue
		}
		msg, err := p.fetchBlockByHash(ctx, *hash)
		if err != nil {
			return nil, err
		}
		ub := convertMsgBlock(msg, useHex)
		p.headerMu.RLock()
		if height, ok := p.hashToHeight[*hash]; ok {
			ub.Height = &height
		}
		p.headerMu.RUnlock()
		out[i] = &ub
	}
	return out, nil
}

func (p *Provider) GetManyBlocksHexByHashes(ctx context.Context, hashes []string) ([]*domain.UniversalBlock, error) {
	return p.GetManyBlocksByHashes(ctx, hashes, true)
}

func (p *Provider) GetManyBlocksStatsByHeights(ctx context.Context, heights []uint64) ([]*domain.BlockStats, error) {
	blocks, err := p.GetManyBlocksByHeights(ctx, heights, false, false)
	if err != nil {
		return nil, err
	}
	return statsFromBlocks(heights, blocks), nil
}

func (p *Provider) GetManyBlocksStatsByHashes(ctx context.Context, hashes []string) ([]*domain.BlockStats, error) {
	blocks, err := p.GetManyBlocksByHashes(ctx, hashes, false)
	if err != nil {
		return nil, err
	}
	heights := make([]uint64, len(blocks))
	for i, b := range blocks {
		if b != nil && b.Height != nil {
			heights[i] = *b.Height
		}
	}
	return statsFromBlocks(heights, blocks), nil
}

func statsFromBlocks(heights []uint64, blocks []*domain.UniversalBlock) []*domain.BlockStats {
	out := make([]*domain.BlockStats, len(blocks))
	for i, b := range blocks {
		if b == nil {
			continue
		}
		out[i] = &domain.BlockStats{BlockHash: b.Hash, Height: heights[i], TotalSize: b.Size}
	}
	return out
}

func (p *Provider) GetManyTransactionsByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error) {
	return p.fetchTransactions(ctx, txids)
}

func (p *Provider) GetManyTransactionsHexByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error) {
	return p.fetchTransactions(ctx, txids)
}

func (p *Provider) fetchTransactions(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error) {
	pr, err := p.anyPeer()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.UniversalTransaction, len(txids))
	for i, txid := range txids {
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			continue
		}
		ch := make(chan *wire.MsgTx, 1)
		p.pendingMu.Lock()
		p.pendingTxs[*hash] = &pendingTx{ch: ch}
		p.pendingMu.Unlock()

		getData := wire.NewMsgGetData()
		h := *hash
		getData.AddInvVect(wire.NewInvVect(wire.InvTypeWitnessTx, &h))
		pr.QueueMessage(getData, nil)

		select {
		case msg := <-ch:
			tx := convertMsgTx(msg)
			out[i] = &tx
		case <-time.After(p.cfg.FetchTimeout):
			// leave nil; transaction not found within the window
		case <-ctx.Done():
			p.pendingMu.Lock()
			delete(p.pendingTxs, *hash)
			p.pendingMu.Unlock()
			return nil, ctx.Err()
		}
		p.pendingMu.Lock()
		delete(p.pendingTxs, *hash)
		p.pendingMu.Unlock()
	}
	return out, nil
}

// GetBlockchainInfo synthesizes the subset of getblockchaininfo this
// provider can know without an RPC endpoint: tip height/hash only.
func (p *Provider) GetBlockchainInfo(ctx context.Context) (*domain.BlockchainInfo, error) {
	p.headerMu.RLock()
	defer p.headerMu.RUnlock()
	info := &domain.BlockchainInfo{
		Chain:  p.cfg.ChainParams.Name,
		Blocks: p.tip,
	}
	if h, ok := p.heightToHash[p.tip]; ok {
		info.Bestblockhash = h.String()
	}
	return info, nil
}

func (p *Provider) GetNetworkInfo(ctx context.Context) (*domain.NetworkInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	connected := 0
	for _, pr := range p.peers {
		if pr.Connected() {
			connected++
		}
	}
	return &domain.NetworkInfo{Connections: connected}, nil
}

// EstimateSmartFee has no direct P2P equivalent; the manager should route
// fee estimation to an RPC-backed provider instead.
func (p *Provider) EstimateSmartFee(ctx context.Context, confTarget int) (float64, error) {
	return 0, fmt.Errorf("p2pprovider: fee estimation is not available over the wire protocol")
}

// SubscribeToNewBlocks registers a callback invoked on every inv announcing
// a new block; onError is currently unused (no transport-level errors are
// surfaced asynchronously by this provider).
func (p *Provider) SubscribeToNewBlocks(ctx context.Context, onBlock func(hash string), onError func(error)) (provider.Subscription, error) {
	p.newBlockMu.Lock()
	p.newBlockCB = onBlock
	p.newBlockMu.Unlock()

	return subFunc(func() {
		p.newBlockMu.Lock()
		p.newBlockCB = nil
		p.newBlockMu.Unlock()
	}), nil
}

type subFunc func()

func (f subFunc) Close() { f() }

func convertMsgBlock(msg *wire.MsgBlock, keepHex bool) domain.UniversalBlock {
	txs := make([]domain.TxEntry, len(msg.Transactions))
	for i, tx := range msg.Transactions {
		t := convertMsgTx(tx)
		txs[i] = domain.TxEntry{Tx: &t}
	}
	nTx := len(txs)
	return domain.UniversalBlock{
		Hash:       msg.BlockHash().String(),
		Size:       msg.SerializeSize(),
		Version:    msg.Header.Version,
		Merkleroot: msg.Header.MerkleRoot.String(),
		Time:       msg.Header.Timestamp.Unix(),
		Nonce:      msg.Header.Nonce,
		Bits:       fmt.Sprintf("%08x", msg.Header.Bits),
		Previousblockhash: strPtr(msg.Header.PrevBlock.String()),
		Tx:          txs,
		NTx:         &nTx,
	}
}

func convertMsgTx(tx *wire.MsgTx) domain.UniversalTransaction {
	vin := make([]domain.Vin, len(tx.TxIn))
	for i, in := range tx.TxIn {
		witness := make([]string, len(in.Witness))
		for j, w := range in.Witness {
			witness[j] = fmt.Sprintf("%x", w)
		}
		vin[i] = domain.Vin{
			Txid:     in.PreviousOutPoint.Hash.String(),
			Vout:     in.PreviousOutPoint.Index,
			Sequence: in.Sequence,
			Witness:  witness,
			ScriptSig: &domain.Script{Hex: fmt.Sprintf("%x", in.SignatureScript)},
		}
	}
	vout := make([]domain.Vout, len(tx.TxOut))
	for i, out := range tx.TxOut {
		vout[i] = domain.Vout{
			Value:        float64(out.Value) / 1e8,
			N:            uint32(i),
			ScriptPubKey: domain.Script{Hex: fmt.Sprintf("%x", out.PkScript)},
		}
	}
	return domain.UniversalTransaction{
		Txid:     tx.TxHash().String(),
		Hash:     tx.WitnessHash().String(),
		Version:  tx.Version,
		Size:     tx.SerializeSize(),
		Locktime: tx.LockTime,
		Vin:      vin,
		Vout:     vout,
	}
}

func strPtr(s string) *string { return &s }
