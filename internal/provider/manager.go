package provider

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/errs"
)

// maxReconnectAttempts is the per-provider same-provider retry budget
// before the manager gives up on it and switches to the next one.
const maxReconnectAttempts = 3

// Manager owns the exclusive set of configured providers and tracks which
// one is currently active. It is the only component that mutates the
// providers map or activeIndex; everyone else reads through
// GetActiveProvider.
type Manager struct {
	mu sync.Mutex

	logger *logrus.Entry

	providers   []Provider
	nameToIndex map[string]int

	activeIndex int

	reconnectAttempts map[string]int
	failed            map[string]bool
}

// NewManager creates a Manager over providers in declaration order. The
// order is the single source of truth for round-robin "next" during
// failover.
func NewManager(providers []Provider, logger *logrus.Entry) *Manager {
	nameToIndex := make(map[string]int, len(providers))
	for i, p := range providers {
		nameToIndex[p.Name()] = i
	}
	return &Manager{
		logger:            logger,
		providers:         providers,
		nameToIndex:       nameToIndex,
		reconnectAttempts: make(map[string]int),
		failed:            make(map[string]bool),
	}
}

// Connect iterates providers in declaration order; the first that connects
// successfully becomes active. Returns errs.ErrNoProvidersAvailable if none
// connect.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.providers {
		if err := p.Connect(ctx); err != nil {
			m.logger.WithError(err).WithField("provider", p.Name()).Debug("initial connect failed")
			continue
		}
		m.activeIndex = i
		return nil
	}
	return errs.ErrNoProvidersAvailable
}

// GetActiveProvider returns the current active provider. Safe for
// concurrent use by any reader.
func (m *Manager) GetActiveProvider() Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providers[m.activeIndex]
}

// HandleProviderFailure runs the failover algorithm:
//  1. Mark name failed, increment its reconnect counter.
//  2. If under the retry budget, try to reconnect the same provider.
//  3. Otherwise round-robin from (activeIndex+1) looking for the first
//     non-failed provider that connects, skipping failed ones unless all
//     are failed.
//  4. If all are failed, reset the whole failure set and retry from index
//     0 once; if that also fails, return ErrNoProvidersAvailable.
func (m *Manager) HandleProviderFailure(ctx context.Context, name string, cause error, methodName string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.WithError(cause).WithFields(logrus.Fields{
		"provider": name, "method": methodName,
	}).Debug("provider failure reported")

	m.failed[name] = true
	m.reconnectAttempts[name]++

	idx, ok := m.nameToIndex[name]
	if !ok {
		return nil, errs.ErrNoProvidersAvailable
	}

	if m.reconnectAttempts[name] < maxReconnectAttempts {
		p := m.providers[idx]
		_ = p.Disconnect(ctx)
		if err := p.Connect(ctx); err == nil {
			delete(m.failed, name)
			delete(m.reconnectAttempts, name)
			m.activeIndex = idx
			return p, nil
		}
		// Connect failed; fall through to round-robin switch since the
		// caller still needs a usable provider right now.
	}

	if p := m.tryRoundRobinFrom(ctx, idx); p != nil {
		return p, nil
	}

	// All providers are currently failed: reset and retry once from 0.
	if m.allFailed() {
		m.failed = make(map[string]bool)
		if p := m.tryRoundRobinFrom(ctx, len(m.providers)-1); p != nil {
			return p, nil
		}
	}

	return nil, errs.ErrNoProvidersAvailable
}

// tryRoundRobinFrom walks providers starting at (from+1) mod N, skipping
// failed ones unless every provider is currently failed, and returns the
// first one that connects.
func (m *Manager) tryRoundRobinFrom(ctx context.Context, from int) Provider {
	n := len(m.providers)
	allFailed := m.allFailed()
	for i := 1; i <= n; i++ {
		idx := (from + i) % n
		p := m.providers[idx]
		if !allFailed && m.failed[p.Name()] {
			continue
		}
		if err := p.Connect(ctx); err != nil {
			m.failed[p.Name()] = true
			continue
		}
		delete(m.failed, p.Name())
		delete(m.reconnectAttempts, p.Name())
		m.activeIndex = idx
		return p
	}
	return nil
}

func (m *Manager) allFailed() bool {
	for _, p := range m.providers {
		if !m.failed[p.Name()] {
			return false
		}
	}
	return true
}

// SwitchProvider forces the active provider to name, connecting it first if
// necessary.
func (m *Manager) SwitchProvider(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.nameToIndex[name]
	if !ok {
		return errs.ErrNoProvidersAvailable
	}
	p := m.providers[idx]
	if err := p.Connect(ctx); err != nil {
		return err
	}
	m.activeIndex = idx
	delete(m.failed, name)
	delete(m.reconnectAttempts, name)
	return nil
}

// RemoveProvider drops a provider from the managed set entirely.
func (m *Manager) RemoveProvider(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.nameToIndex[name]
	if !ok {
		return nil
	}
	_ = m.providers[idx].Disconnect(ctx)
	m.providers = append(m.providers[:idx], m.providers[idx+1:]...)
	delete(m.nameToIndex, name)
	for i, p := range m.providers {
		m.nameToIndex[p.Name()] = i
	}
	if m.activeIndex >= len(m.providers) {
		m.activeIndex = 0
	}
	return nil
}

// Disconnect tears down every managed provider.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.providers {
		_ = p.Disconnect(ctx)
	}
}
