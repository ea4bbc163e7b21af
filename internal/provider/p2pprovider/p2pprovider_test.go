package p2pprovider

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/domain"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestProvider() *Provider {
	return New(Config{
		UniqName:    "p2p-main",
		ChainParams: &chaincfg.MainNetParams,
		Network:     domain.NetworkParams{Name: "mainnet"},
	}, testLogger())
}

func TestGetBlockHeight_StartsAtZero(t *testing.T) {
	p := newTestProvider()
	height, err := p.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if height != 0 {
		t.Fatalf("expected initial tip 0, got %d", height)
	}
}

func TestOnHeaders_TracksHeightHashMapping(t *testing.T) {
	p := newTestProvider()
	genesis := *p.cfg.ChainParams.GenesisHash
	p.headerMu.Lock()
	p.heightToHash[0] = genesis
	p.hashToHeight[genesis] = 0
	p.headerMu.Unlock()

	h1 := wire.BlockHeader{PrevBlock: genesis, Timestamp: time.Unix(0, 0)}
	msg := wire.NewMsgHeaders()
	msg.AddBlockHeader(&h1)
	p.onHeaders(nil, msg)

	hashes, err := p.GetManyBlockHashesByHeights(context.Background(), []uint64{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hashes[0] == nil || *hashes[0] != genesis.String() {
		t.Fatalf("expected genesis hash at height 0, got %v", hashes[0])
	}
	if hashes[1] == nil {
		t.Fatal("expected height 1 to be populated after onHeaders")
	}

	height, err := p.GetBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if height != 1 {
		t.Fatalf("expected tip 1 after one header, got %d", height)
	}
}

func TestOnHeaders_IgnoresOrphanHeader(t *testing.T) {
	p := newTestProvider()
	unknownParent := chainhash.Hash{0x01}
	h := wire.BlockHeader{PrevBlock: unknownParent}
	msg := wire.NewMsgHeaders()
	msg.AddBlockHeader(&h)
	p.onHeaders(nil, msg)

	height, _ := p.GetBlockHeight(context.Background())
	if height != 0 {
		t.Fatalf("expected orphan header to be dropped, tip still 0, got %d", height)
	}
}

func TestOnBlock_DeliversToPendingWaiter(t *testing.T) {
	p := newTestProvider()
	block := &wire.MsgBlock{Header: wire.BlockHeader{Timestamp: time.Unix(1000, 0)}}
	hash := block.BlockHash()

	ch := make(chan *wire.MsgBlock, 1)
	p.pendingMu.Lock()
	p.pendingBlocks[hash] = &pendingBlock{ch: ch}
	p.pendingMu.Unlock()

	p.onBlock(nil, block, nil)

	select {
	case got := <-ch:
		if got.BlockHash() != hash {
			t.Fatalf("delivered wrong block")
		}
	case <-time.After(time.Second):
		t.Fatal("expected onBlock to deliver to the pending waiter")
	}
}

func TestSubscribeToNewBlocks_ReceivesInvAnnouncement(t *testing.T) {
	p := newTestProvider()
	received := make(chan string, 1)
	sub, err := p.SubscribeToNewBlocks(context.Background(), func(hash string) {
		received <- hash
	}, func(error) {})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sub.Close()

	h := chainhash.Hash{0xAB}
	inv := wire.NewMsgInv()
	_ = inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &h))
	p.onInv(nil, inv)

	select {
	case got := <-received:
		if got != h.String() {
			t.Fatalf("expected hash %s, got %s", h.String(), got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscription callback to fire")
	}
}

func TestEstimateSmartFee_NotSupported(t *testing.T) {
	p := newTestProvider()
	_, err := p.EstimateSmartFee(context.Background(), 6)
	if err == nil {
		t.Fatal("expected EstimateSmartFee to report unsupported over P2P")
	}
}
