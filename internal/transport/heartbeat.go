package transport

import (
	"context"
	"sync"
	"time"

	"github.com/synnergy-network/block-ingest/internal/errs"
)

var errNotOnline = errs.ErrNotOnline

// HeartbeatState tracks online/lastPongAt for a transport's peer. Writer is
// the heartbeat task; readers are IsOnline() callers. Eventual consistency
// is acceptable here, staleness bounded by StaleAfter.
type HeartbeatState struct {
	cfg HeartbeatConfig

	mu         sync.RWMutex
	online     bool
	lastPongAt time.Time
}

// NewHeartbeatState creates a state tracker bound to cfg.
func NewHeartbeatState(cfg HeartbeatConfig) *HeartbeatState {
	return &HeartbeatState{cfg: cfg}
}

// RecordValidPong marks the peer online as of now. Monotonic-in-time: a
// pong older than the currently recorded one is ignored.
func (h *HeartbeatState) RecordValidPong(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if at.Before(h.lastPongAt) {
		return
	}
	h.online = true
	h.lastPongAt = at
}

// RecordInvalidPong drops the pong without marking online (ErrProofInvalid).
func (h *HeartbeatState) RecordInvalidPong() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = false
}

// IsOnline reports online && (now - lastPongAt) < StaleAfter.
func (h *HeartbeatState) IsOnline() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.online {
		return false
	}
	return time.Since(h.lastPongAt) < h.cfg.StaleAfter
}

// WaitForOnline busy-polls at >=120ms cadence until online or ctx/deadline
// expires.
func (h *HeartbeatState) WaitForOnline(ctx context.Context, deadline time.Duration) error {
	cadence := 120 * time.Millisecond
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	if h.IsOnline() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errNotOnline
		case <-ticker.C:
			if h.IsOnline() {
				return nil
			}
		}
	}
}
