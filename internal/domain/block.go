// Package domain holds the provider-agnostic data model shared by every
// component of the ingestion pipeline: UniversalBlock (as returned by a
// provider), Block (the normalized entity the rest of the system works
// with), and the small metadata structs the loader and queue pass around.
package domain

// UniversalTransaction is a decoded transaction in provider-agnostic shape.
// Field names mirror the common JSON-RPC verbose transaction shape.
type UniversalTransaction struct {
	Txid     string   `json:"txid"`
	Hash     string   `json:"hash"`
	Version  int32    `json:"version"`
	Size     int      `json:"size"`
	Vsize    int      `json:"vsize"`
	Weight   int      `json:"weight"`
	Locktime uint32   `json:"locktime"`
	Hex      string   `json:"hex,omitempty"`
	Vin      []Vin    `json:"vin"`
	Vout     []Vout   `json:"vout"`
}

// Vin is a transaction input.
type Vin struct {
	Txid      string   `json:"txid,omitempty"`
	Vout      uint32   `json:"vout,omitempty"`
	Coinbase  string   `json:"coinbase,omitempty"`
	ScriptSig *Script  `json:"scriptSig,omitempty"`
	Witness   []string `json:"txinwitness,omitempty"`
	Sequence  uint32   `json:"sequence"`
}

// Vout is a transaction output.
type Vout struct {
	Value        float64 `json:"value"`
	N            uint32  `json:"n"`
	ScriptPubKey Script  `json:"scriptPubKey"`
}

// Script is a decoded or raw script payload.
type Script struct {
	Asm string `json:"asm,omitempty"`
	Hex string `json:"hex"`
}

// UniversalBlock is the provider-agnostic representation of a block as
// returned directly by an upstream node (RPC verbosity=2 or a decoded P2P
// wire block). Tx entries may be full UniversalTransaction objects or bare
// txid strings depending on the verbosity the provider was asked for; the
// normalizer is responsible for rejecting the string form.
type UniversalBlock struct {
	Hash              string        `json:"hash"`
	Height            *uint64       `json:"height,omitempty"`
	Size              int           `json:"size"`
	Strippedsize      int           `json:"strippedsize"`
	Weight            int           `json:"weight"`
	Version           int32         `json:"version"`
	VersionHex        string        `json:"versionHex,omitempty"`
	Merkleroot        string        `json:"merkleroot"`
	Time              int64         `json:"time"`
	Mediantime        int64         `json:"mediantime"`
	Nonce             uint32        `json:"nonce"`
	Bits              string        `json:"bits"`
	Difficulty        float64       `json:"difficulty"`
	Chainwork         string        `json:"chainwork"`
	Previousblockhash *string       `json:"previousblockhash,omitempty"`
	Nextblockhash     *string       `json:"nextblockhash,omitempty"`
	Tx                []TxEntry     `json:"tx,omitempty"`
	NTx               *int          `json:"nTx,omitempty"`
}

// TxEntry is one element of UniversalBlock.Tx: either a decoded transaction
// or (at lower RPC verbosity) a bare txid string. Exactly one of the two
// fields is populated.
type TxEntry struct {
	Tx   *UniversalTransaction
	Txid string
}

// IsString reports whether this entry is a bare txid (not yet decoded).
func (e TxEntry) IsString() bool { return e.Tx == nil }

// Block is the normalized, core entity the rest of the pipeline operates
// on. Height is always present (the normalizer rejects blocks without it).
// Witness-related fields are only populated for networks with SegWit.
type Block struct {
	Height       uint64    `json:"height"`
	Hash         string    `json:"hash"`
	Size         int       `json:"size"`
	Strippedsize int       `json:"strippedsize"`
	Weight       int       `json:"weight"`
	Version      int32     `json:"version"`
	VersionHex   string    `json:"versionHex,omitempty"`
	Merkleroot   string    `json:"merkleroot"`
	Time         int64     `json:"time"`
	Mediantime   int64     `json:"mediantime"`
	Nonce        uint32    `json:"nonce"`
	Bits         string    `json:"bits"`
	Difficulty   float64   `json:"difficulty"`
	Chainwork    string    `json:"chainwork"`

	Previousblockhash *string `json:"previousblockhash,omitempty"`
	Nextblockhash     *string `json:"nextblockhash,omitempty"`

	Tx  []UniversalTransaction `json:"tx"`
	NTx *int                   `json:"nTx,omitempty"`

	// Derived metrics, computed by the normalizer.
	Vsize               int      `json:"vsize"`
	WitnessSize         *int     `json:"witnessSize,omitempty"`
	HeaderSize          int      `json:"headerSize"`
	TransactionsSize    int      `json:"transactionsSize"`
	BlockSizeEfficiency float64  `json:"blockSizeEfficiency"`
	WitnessDataRatio    *float64 `json:"witnessDataRatio,omitempty"`
}

// AsUniversal converts a normalized Block back into a UniversalBlock,
// dropping the derived fields. Used by tests to check normalizer
// idempotence: normalizeBlock(normalizeBlock(b).AsUniversal()) == normalizeBlock(b).
func (b Block) AsUniversal() UniversalBlock {
	height := b.Height
	tx := make([]TxEntry, len(b.Tx))
	for i := range b.Tx {
		t := b.Tx[i]
		tx[i] = TxEntry{Tx: &t}
	}
	return UniversalBlock{
		Hash:              b.Hash,
		Height:            &height,
		Size:              b.Size,
		Strippedsize:      b.Strippedsize,
		Weight:            b.Weight,
		Version:           b.Version,
		VersionHex:        b.VersionHex,
		Merkleroot:        b.Merkleroot,
		Time:              b.Time,
		Mediantime:        b.Mediantime,
		Nonce:             b.Nonce,
		Bits:              b.Bits,
		Difficulty:        b.Difficulty,
		Chainwork:         b.Chainwork,
		Previousblockhash: b.Previousblockhash,
		Nextblockhash:     b.Nextblockhash,
		Tx:                tx,
		NTx:               b.NTx,
	}
}

// BlockInfo is the loader's preload metadata: the minimum needed to budget
// and schedule a fetch before the full block body is requested.
type BlockInfo struct {
	Hash   string
	Size   int
	Height uint64
}

// BlockStats is the subset of `getblockstats` used for preload sizing.
type BlockStats struct {
	BlockHash string `json:"blockhash"`
	Height    uint64 `json:"height"`
	TotalSize int    `json:"total_size"`
}

// BlockchainInfo mirrors `getblockchaininfo`.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               uint64  `json:"blocks"`
	Headers              uint64  `json:"headers"`
	Bestblockhash        string  `json:"bestblockhash"`
	Difficulty            float64 `json:"difficulty"`
	VerificationProgress float64 `json:"verificationprogress"`
}

// NetworkInfo mirrors `getnetworkinfo`.
type NetworkInfo struct {
	Version         int    `json:"version"`
	Subversion      string `json:"subversion"`
	ProtocolVersion int    `json:"protocolversion"`
	Connections     int    `json:"connections"`
}

// NetworkParams describes the Bitcoin-compatible network the pipeline is
// ingesting for: whether SegWit fields should be populated, and the max
// block size used for blockSizeEfficiency.
type NetworkParams struct {
	Name         string
	HasSegWit    bool
	MaxBlockSize int
}
