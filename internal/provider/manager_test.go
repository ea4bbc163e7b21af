package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/domain"
)

type fakeProvider struct {
	name      string
	state     domain.ProviderState
	failNext  int // number of upcoming Connect calls that should fail
	connected bool
}

func (f *fakeProvider) Name() string                   { return f.name }
func (f *fakeProvider) Kind() domain.ProviderKind       { return domain.KindRPC }
func (f *fakeProvider) State() domain.ProviderState     { return f.state }
func (f *fakeProvider) Disconnect(ctx context.Context) error {
	f.connected = false
	f.state = domain.StateDisconnected
	return nil
}
func (f *fakeProvider) Connect(ctx context.Context) error {
	if f.failNext > 0 {
		f.failNext--
		f.state = domain.StateFailed
		return errors.New("connect failed")
	}
	f.connected = true
	f.state = domain.StateConnected
	return nil
}
func (f *fakeProvider) GetBlockHeight(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeProvider) GetManyBlockHashesByHeights(ctx context.Context, heights []uint64) ([]*string, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyBlocksByHeights(ctx context.Context, heights []uint64, useHex bool, verifyMerkle bool) ([]*domain.UniversalBlock, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyBlocksHexByHeights(ctx context.Context, heights []uint64) ([]*domain.UniversalBlock, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyBlocksByHashes(ctx context.Context, hashes []string, useHex bool) ([]*domain.UniversalBlock, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyBlocksHexByHashes(ctx context.Context, hashes []string) ([]*domain.UniversalBlock, error) {
	return nil, nil
}
func (f *fakeProvider) GetHeightsByHashes(ctx context.Context, hashes []string) ([]*uint64, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyBlocksStatsByHeights(ctx context.Context, heights []uint64) ([]*domain.BlockStats, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyBlocksStatsByHashes(ctx context.Context, hashes []string) ([]*domain.BlockStats, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyTransactionsByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error) {
	return nil, nil
}
func (f *fakeProvider) GetManyTransactionsHexByTxids(ctx context.Context, txids []string) ([]*domain.UniversalTransaction, error) {
	return nil, nil
}
func (f *fakeProvider) GetBlockchainInfo(ctx context.Context) (*domain.BlockchainInfo, error) {
	return nil, nil
}
func (f *fakeProvider) GetNetworkInfo(ctx context.Context) (*domain.NetworkInfo, error) {
	return nil, nil
}
func (f *fakeProvider) EstimateSmartFee(ctx context.Context, confTarget int) (float64, error) {
	return 0, nil
}
func (f *fakeProvider) SubscribeToNewBlocks(ctx context.Context, onBlock func(string), onError func(error)) (Subscription, error) {
	return nil, nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// TestFailover_RoundRobinsAfterRetryBudgetExhausted covers providers
// [P1, P2, P3]; P1 connects initially. After 3 failures of P1, the manager
// fails over to P2.
func TestFailover_RoundRobinsAfterRetryBudgetExhausted(t *testing.T) {
	p1 := &fakeProvider{name: "P1"}
	p2 := &fakeProvider{name: "P2"}
	p3 := &fakeProvider{name: "P3"}
	m := NewManager([]Provider{p1, p2, p3}, testLogger())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("initial connect failed: %v", err)
	}
	if m.GetActiveProvider().Name() != "P1" {
		t.Fatalf("expected P1 active initially, got %s", m.GetActiveProvider().Name())
	}

	// Force 3 consecutive reconnect failures on P1, exhausting its budget.
	p1.failNext = 3
	var active Provider
	var err error
	for i := 0; i < maxReconnectAttempts; i++ {
		active, err = m.HandleProviderFailure(context.Background(), "P1", errors.New("rpc down"), "getBlockHeight")
	}
	if err != nil {
		t.Fatalf("expected a recovered/switched provider, got error: %v", err)
	}
	if active.Name() == "P1" {
		t.Fatalf("expected active provider to differ from P1 after exhausting retries, got %s", active.Name())
	}
	if active.Name() != "P2" {
		t.Fatalf("expected failover to land on P2 (first reachable), got %s", active.Name())
	}

	// Now fail P2 three times; active should become P3.
	p2.failNext = 3
	for i := 0; i < maxReconnectAttempts; i++ {
		active, err = m.HandleProviderFailure(context.Background(), "P2", errors.New("rpc down"), "getBlockHeight")
	}
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if active.Name() != "P3" {
		t.Fatalf("expected P3 active after P2 exhausted, got %s", active.Name())
	}
}

func TestHandleProviderFailure_RecoversSameProviderUnderBudget(t *testing.T) {
	p1 := &fakeProvider{name: "P1"}
	p2 := &fakeProvider{name: "P2"}
	m := NewManager([]Provider{p1, p2}, testLogger())
	_ = m.Connect(context.Background())

	// A single failure (under the retry budget) should reconnect P1 itself.
	active, err := m.HandleProviderFailure(context.Background(), "P1", errors.New("blip"), "getBlockHeight")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if active.Name() != "P1" {
		t.Fatalf("expected same-provider recovery, got %s", active.Name())
	}
}

func TestHandleProviderFailure_AllFailedResetsAndRetries(t *testing.T) {
	p1 := &fakeProvider{name: "P1"}
	p2 := &fakeProvider{name: "P2"}
	m := NewManager([]Provider{p1, p2}, testLogger())
	_ = m.Connect(context.Background())

	p1.failNext = 100 // keep P1 failing through every reconnect and reset retry
	p2.failNext = 100 // keep P2 failing so the round-robin switch also fails
	var err error
	for i := 0; i < maxReconnectAttempts; i++ {
		_, err = m.HandleProviderFailure(context.Background(), "P1", errors.New("down"), "x")
	}
	// At this point both providers are marked failed and P2's connect
	// attempts are still failing, so the manager must report no providers
	// available rather than looping forever.
	if err == nil {
		t.Fatal("expected ErrNoProvidersAvailable while all providers are down")
	}

	// Once P2 is allowed to connect again, a fresh failure report should
	// succeed via the reset-and-retry-from-0 path.
	p2.failNext = 0
	active, err := m.HandleProviderFailure(context.Background(), "P1", errors.New("down"), "x")
	if err != nil {
		t.Fatalf("expected recovery after reset, got %v", err)
	}
	if active == nil {
		t.Fatal("expected a non-nil active provider")
	}
}
