package merkle

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/synnergy-network/block-ingest/internal/domain"
)

func txWithTxid(txid string) domain.UniversalTransaction {
	return domain.UniversalTransaction{Txid: txid, Hash: txid}
}

func TestVerify_SingleTxMatchesItsOwnTxid(t *testing.T) {
	txid := "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
	b := &domain.Block{
		Height:     1,
		Hash:       "deadbeef",
		Merkleroot: txid,
		Tx:         []domain.UniversalTransaction{txWithTxid(txid)},
	}
	if err := Verify(b); err != nil {
		t.Fatalf("expected single-tx block's merkleroot to equal its txid, got: %v", err)
	}
}

func TestVerify_RejectsMismatch(t *testing.T) {
	b := &domain.Block{
		Height:     100,
		Hash:       "someblockhash",
		Merkleroot: "00000000000000000000000000000000000000000000000000000000000ff",
		Tx: []domain.UniversalTransaction{
			txWithTxid("1111111111111111111111111111111111111111111111111111111111aaaa"),
		},
	}
	err := Verify(b)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, ok := err.(*MismatchError); !ok {
		t.Fatalf("expected *MismatchError, got %T: %v", err, err)
	}
}

func TestVerify_TwoTxPairHashing(t *testing.T) {
	a, _ := chainhash.NewHashFromStr("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b, _ := chainhash.NewHashFromStr("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	expected := hashPair(*a, *b)

	blk := &domain.Block{
		Height:     2,
		Hash:       "h2",
		Merkleroot: expected.String(),
		Tx: []domain.UniversalTransaction{
			txWithTxid(a.String()),
			txWithTxid(b.String()),
		},
	}
	if err := Verify(blk); err != nil {
		t.Fatalf("expected matching root to verify, got %v", err)
	}

	blk.Merkleroot = "00" + expected.String()[2:]
	if err := Verify(blk); err == nil {
		t.Fatal("expected perturbed root to fail verification")
	}
}
