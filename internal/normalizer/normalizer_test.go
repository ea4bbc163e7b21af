package normalizer

import (
	"testing"

	"github.com/synnergy-network/block-ingest/internal/domain"
)

func segwitParams() domain.NetworkParams {
	return domain.NetworkParams{Name: "bitcoin", HasSegWit: true, MaxBlockSize: 4_000_000}
}

func sampleUniversal(height uint64) domain.UniversalBlock {
	h := height
	tx := domain.UniversalTransaction{Txid: "abc", Hash: "abc"}
	return domain.UniversalBlock{
		Hash:         "blockhash",
		Height:       &h,
		Size:         1000,
		Strippedsize: 700,
		Weight:       3000,
		Merkleroot:   "root",
		Tx:           []domain.TxEntry{{Tx: &tx}, {Txid: "raw-hash-only"}},
	}
}

func TestNormalizeBlock_RejectsMissingHeight(t *testing.T) {
	n := New(segwitParams())
	u := sampleUniversal(10)
	u.Height = nil
	if _, err := n.NormalizeBlock(u); err == nil {
		t.Fatal("expected error for missing height")
	}
}

func TestNormalizeBlock_FiltersStringTxEntries(t *testing.T) {
	n := New(segwitParams())
	b, err := n.NormalizeBlock(sampleUniversal(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Tx) != 1 {
		t.Fatalf("expected only the decoded tx entry to survive, got %d", len(b.Tx))
	}
}

func TestNormalizeBlock_DerivedMetrics(t *testing.T) {
	n := New(segwitParams())
	b, err := n.NormalizeBlock(sampleUniversal(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Vsize != 750 { // ceil(3000/4)
		t.Errorf("expected vsize 750, got %d", b.Vsize)
	}
	if b.WitnessSize == nil || *b.WitnessSize != 300 {
		t.Errorf("expected witnessSize 300, got %v", b.WitnessSize)
	}
	if b.HeaderSize != 80 || b.TransactionsSize != 920 {
		t.Errorf("unexpected header/transactions size: %d/%d", b.HeaderSize, b.TransactionsSize)
	}
}

func TestNormalizeBlock_NonSegWitOmitsWitnessFields(t *testing.T) {
	params := domain.NetworkParams{Name: "legacycoin", HasSegWit: false, MaxBlockSize: 1_000_000}
	n := New(params)
	b, err := n.NormalizeBlock(sampleUniversal(5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.WitnessSize != nil || b.WitnessDataRatio != nil {
		t.Errorf("expected nil witness fields on non-segwit network, got %v / %v", b.WitnessSize, b.WitnessDataRatio)
	}
}

func TestNormalizeBlock_Idempotent(t *testing.T) {
	n := New(segwitParams())
	b1, err := n.NormalizeBlock(sampleUniversal(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b2, err := n.NormalizeBlock(b1.AsUniversal())
	if err != nil {
		t.Fatalf("unexpected error renormalizing: %v", err)
	}
	if b1.Vsize != b2.Vsize || b1.Height != b2.Height || len(b1.Tx) != len(b2.Tx) {
		t.Fatalf("normalization is not idempotent: %+v vs %+v", b1, b2)
	}
}

func TestNormalizeManyBlocks_SkipsFailures(t *testing.T) {
	n := New(segwitParams())
	good := sampleUniversal(1)
	bad := sampleUniversal(2)
	bad.Height = nil
	out := n.NormalizeManyBlocks([]domain.UniversalBlock{good, bad})
	if len(out) != 1 {
		t.Fatalf("expected exactly one surviving block, got %d", len(out))
	}
	if out[0].Height != 1 {
		t.Fatalf("expected surviving block to be height 1, got %d", out[0].Height)
	}
}
