// Package provider defines the NetworkProvider contract and the
// ProviderConnectionManager that selects and fails over between configured
// providers. Concrete providers (RPC, P2P) live in sibling
// packages and implement the Provider interface declared here.
package provider

import (
	"context"

	"github.com/synnergy-network/block-ingest/internal/domain"
)

// Subscription is returned by SubscribeToNewBlocks; Close stops delivery.
type Subscription interface {
	Close()
}

// Provider is the contract every upstream node connection implements,
// whether RPC- or P2P-backed. Batched methods MUST preserve input order and
// return a nil slot for missing items rather than erroring; only transport
// failure or decode failure returns a non-nil error for the whole call.
type Provider interface {
	Name() string
	Kind() domain.ProviderKind
	State() domain.ProviderState

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetBlockHeight(ctx context.Context) (uint64, error)
	GetManyBlockHashesByHeights(ctx context.Context, heights []uint64) ([]*string, error)
	GetManyBlocksByHeights(ctx context.Context, heights []uint64, useHex bool, verifyMerkle bool) ([]*domain.UniversalBlock, error)
	GetManyBlocksHexByHeights(ctx context.Context, heights []uint64) ([]*domain.UniversalBlock, error)
	GetManyBlocksByHashes(ctx context.Context, hashes []string, useHex bool) ([]*domain.UniversalBlock, error)
	GetManyBlocksHexByHashes(ctx context.Context, hashes []string) ([]*domain.UniversalBlock, error)
	GetHeightsByHashes(ctx context.Context, hashes []string) ([]*uint64, error)
	GetManyBlocksStatsByHeights(ctx context.Context, heights []uint64) ([]*domain.BlockStats, error)
	GetManyBlocksStatsByHashes(ctx context.Context, hashes []string) ([]*domain.BlockStats, error)
	GetManyTransactionsByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error)
	GetManyTransactionsHexByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error)
	GetBlockchainInfo(ctx context.Context) (*domain.BlockchainInfo, error)
	GetNetworkInfo(ctx context.Context) (*domain.NetworkInfo, error)
	EstimateSmartFee(ctx context.Context, confTarget int) (float64, error)
	SubscribeToNewBlocks(ctx context.Context, onBlock func(hash string), onError func(error)) (Subscription, error)
}
