// Package normalizer converts a provider-agnostic UniversalBlock into the
// pipeline's normalized Block entity, computing size/vsize/witness metrics.
// It is a pure function of (UniversalBlock, NetworkParams).
package normalizer

import (
	"github.com/synnergy-network/block-ingest/internal/domain"
	"github.com/synnergy-network/block-ingest/internal/errs"
)

// Normalizer converts UniversalBlocks into Blocks for a fixed network.
type Normalizer struct {
	params domain.NetworkParams
}

// New returns a Normalizer bound to the given network parameters.
func New(params domain.NetworkParams) *Normalizer {
	return &Normalizer{params: params}
}

// NormalizeBlock rejects blocks without a height and otherwise computes the
// normalized Block, filtering out bare-txid string entries from Tx.
func (n *Normalizer) NormalizeBlock(u domain.UniversalBlock) (domain.Block, error) {
	if u.Height == nil {
		return domain.Block{}, errs.ErrHeightRequired
	}

	tx := make([]domain.UniversalTransaction, 0, len(u.Tx))
	for _, entry := range u.Tx {
		if entry.IsString() {
			continue
		}
		t := *entry.Tx
		if !n.params.HasSegWit {
			// Networks without SegWit never carry witness-specific fields.
			for i := range t.Vin {
				t.Vin[i].Witness = nil
			}
		}
		tx = append(tx, t)
	}

	b := domain.Block{
		Height:            *u.Height,
		Hash:              u.Hash,
		Size:              u.Size,
		Strippedsize:      u.Strippedsize,
		Weight:            u.Weight,
		Version:           u.Version,
		VersionHex:        u.VersionHex,
		Merkleroot:        u.Merkleroot,
		Time:              u.Time,
		Mediantime:        u.Mediantime,
		Nonce:             u.Nonce,
		Bits:              u.Bits,
		Difficulty:        u.Difficulty,
		Chainwork:         u.Chainwork,
		Previousblockhash: u.Previousblockhash,
		Nextblockhash:     u.Nextblockhash,
		Tx:                tx,
		NTx:               u.NTx,
	}

	n.applyDerivedMetrics(&b)
	return b, nil
}

// applyDerivedMetrics fills in the derived fields defined in terms of the
// already-copied raw fields.
func (n *Normalizer) applyDerivedMetrics(b *domain.Block) {
	if b.Weight > 0 {
		b.Vsize = (b.Weight + 3) / 4 // ceil(weight/4)
	} else {
		b.Vsize = b.Strippedsize
	}

	b.HeaderSize = 80
	if b.Size > 80 {
		b.TransactionsSize = b.Size - 80
	} else {
		b.TransactionsSize = 0
	}

	if n.params.MaxBlockSize > 0 {
		b.BlockSizeEfficiency = float64(b.Size) / float64(n.params.MaxBlockSize) * 100
	}

	if n.params.HasSegWit && b.Size > b.Strippedsize {
		ws := b.Size - b.Strippedsize
		b.WitnessSize = &ws
		ratio := float64(ws) / float64(b.Size) * 100
		b.WitnessDataRatio = &ratio
	} else {
		b.WitnessSize = nil
		b.WitnessDataRatio = nil
	}
}

// NormalizeManyBlocks preserves order and skips (rather than aborting on)
// individual blocks that fail normalization.
func (n *Normalizer) NormalizeManyBlocks(blocks []domain.UniversalBlock) []domain.Block {
	out := make([]domain.Block, 0, len(blocks))
	for _, u := range blocks {
		b, err := n.NormalizeBlock(u)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}
