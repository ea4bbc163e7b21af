// Package loader implements the pull-strategy block loader: it preloads
// block metadata, fetches bodies in reply-size-budgeted batches with
// dynamic tuning, verifies merkle roots, and enqueues into the bounded
// queue. The preload dedupe cache uses github.com/hashicorp/golang-lru/v2.
package loader

import (
	"context"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/domain"
	"github.com/synnergy-network/block-ingest/internal/merkle"
	"github.com/synnergy-network/block-ingest/internal/normalizer"
	"github.com/synnergy-network/block-ingest/internal/provider"
	"github.com/synnergy-network/block-ingest/internal/queue"
)

// Config bounds the loader's behavior.
type Config struct {
	MaxPreloadCount  int // default 100, mutable at runtime via self-tuning
	MaxPreloadCeil   int // hard ceiling on MaxPreloadCount
	MaxRPCReplyBytes int // reply-size budget
	DefaultBlockSize int // fallback when a stat has no total_size
	SleepInterval    time.Duration
	InnerRetries     int
	InnerRetryDelay  time.Duration
}

// DefaultConfig returns the loader's standard preload/retry/tuning defaults.
func DefaultConfig() Config {
	return Config{
		MaxPreloadCount:  100,
		MaxPreloadCeil:   2000,
		MaxRPCReplyBytes: 32 * 1024 * 1024,
		DefaultBlockSize: 1_000_000,
		SleepInterval:    time.Second,
		InnerRetries:     3,
		InnerRetryDelay:  50 * time.Millisecond,
	}
}

// Loader is the pull-strategy block loader.
type Loader struct {
	cfg    Config
	logger *logrus.Entry

	manager *provider.Manager
	queue   *queue.Queue
	norm    *normalizer.Normalizer

	preload []domain.BlockInfo

	lastLoadDurationMs     int64
	previousLoadDurationMs int64

	seenStats *lru.Cache[uint64, struct{}]
}

// New builds a Loader around the given manager, queue, and normalizer.
func New(cfg Config, manager *provider.Manager, q *queue.Queue, norm *normalizer.Normalizer, logger *logrus.Entry) *Loader {
	cache, _ := lru.New[uint64, struct{}](4096)
	return &Loader{
		cfg:       cfg,
		logger:    logger,
		manager:   manager,
		queue:     q,
		norm:      norm,
		seenStats: cache,
	}
}

// Run executes the main loop until ctx is cancelled or the queue reaches
// currentNetworkHeight.
func (l *Loader) Run(ctx context.Context, currentNetworkHeight func(context.Context) (uint64, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.queue.IsMaxHeightReached() {
			return nil
		}

		netHeight, err := currentNetworkHeight(ctx)
		if err != nil {
			l.logger.WithError(err).Debug("failed to read current network height")
			if !sleepCtx(ctx, l.cfg.SleepInterval) {
				return ctx.Err()
			}
			continue
		}

		if l.queue.IsQueueFull() {
			l.logger.Debug("queue full, backing off")
			if !sleepCtx(ctx, l.cfg.SleepInterval) {
				return ctx.Err()
			}
			continue
		}

		if len(l.preload) == 0 {
			if err := l.preloadBlocksInfo(ctx, netHeight); err != nil {
				l.logger.WithError(err).Debug("preloadBlocksInfo failed")
			}
		}

		if l.queue.IsQueueOverloaded(l.cfg.MaxRPCReplyBytes) {
			if !sleepCtx(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		if len(l.preload) > 0 {
			if err := l.loadAndEnqueueBlocks(ctx); err != nil {
				l.logger.WithError(err).Debug("loadAndEnqueueBlocks failed")
			}
		}

		if l.queue.LastHeight() >= netHeight {
			return nil
		}

		if !sleepCtx(ctx, l.cfg.SleepInterval) {
			return ctx.Err()
		}
	}
}

// preloadBlocksInfo dynamically tunes MaxPreloadCount from observed
// latency ratios and fetches block stats for the next window of heights.
func (l *Loader) preloadBlocksInfo(ctx context.Context, networkHeight uint64) error {
	l.tunePreloadCount()

	last := l.queue.LastHeight()
	if networkHeight <= last {
		return nil
	}
	remaining := networkHeight - last
	count := uint64(l.cfg.MaxPreloadCount)
	if remaining < count {
		count = remaining
	}
	if count == 0 {
		return nil
	}

	heights := make([]uint64, count)
	for i := range heights {
		heights[i] = last + 1 + uint64(i)
	}

	active := l.manager.GetActiveProvider()
	stats, err := active.GetManyBlocksStatsByHeights(ctx, heights)
	if err != nil {
		return err
	}

	preload := make([]domain.BlockInfo, 0, len(stats))
	for _, s := range stats {
		if s == nil {
			continue
		}
		if l.seenStats != nil && l.seenStats.Contains(s.Height) {
			continue // already preloaded this height in a prior, unconsumed window
		}
		size := s.TotalSize
		if size == 0 {
			size = l.cfg.DefaultBlockSize
		}
		if s.BlockHash == "" {
			panic("loader: blockstats missing blockhash for a height-addressed request")
		}
		preload = append(preload, domain.BlockInfo{Hash: s.BlockHash, Size: size, Height: s.Height})
		if l.seenStats != nil {
			l.seenStats.Add(s.Height, struct{}{})
		}
	}
	l.preload = append(l.preload, preload...)
	return nil
}

// tunePreloadCount applies an EWMA-light ratio rule comparing the last two
// load durations, clamped to MaxPreloadCeil to bound memory.
func (l *Loader) tunePreloadCount() {
	if l.previousLoadDurationMs > 0 && l.lastLoadDurationMs > 0 {
		ratio := float64(l.lastLoadDurationMs) / float64(l.previousLoadDurationMs)
		switch {
		case ratio > 1.2:
			l.cfg.MaxPreloadCount = int(math.Round(float64(l.cfg.MaxPreloadCount) * 1.25))
		case ratio < 0.8:
			l.cfg.MaxPreloadCount = int(math.Max(1, math.Round(float64(l.cfg.MaxPreloadCount)*0.75)))
		}
	}
	if l.cfg.MaxPreloadCeil > 0 && l.cfg.MaxPreloadCount > l.cfg.MaxPreloadCeil {
		l.cfg.MaxPreloadCount = l.cfg.MaxPreloadCeil
	}
}

// loadAndEnqueueBlocks greedily fills one reply-size-budgeted batch from
// the preload buffer, fetches it via the hex path, verifies merkle roots,
// and enqueues in ascending height order.
func (l *Loader) loadAndEnqueueBlocks(ctx context.Context) error {
	start := time.Now()

	// Sort descending by height so pop() (from the tail) returns the
	// earliest height first, without needing a deque type.
	sort.Slice(l.preload, func(i, j int) bool { return l.preload[i].Height > l.preload[j].Height })

	var batch []domain.BlockInfo
	predicted := 0
	for len(l.preload) > 0 {
		next := l.preload[len(l.preload)-1]
		cost := int(float64(next.Size) * 2.1)
		if len(batch) > 0 && predicted+cost > l.cfg.MaxRPCReplyBytes {
			break
		}
		predicted += cost
		batch = append(batch, next)
		l.preload = l.preload[:len(l.preload)-1]
	}
	if len(batch) == 0 {
		return nil
	}

	heights := make([]uint64, len(batch))
	for i, b := range batch {
		heights[i] = b.Height
	}

	universal, err := l.loadBlocksWithRetry(ctx, heights)
	if err != nil {
		// Failed batch: put the heights back so the next cycle retries them.
		l.preload = append(l.preload, batch...)
		return err
	}

	blocks := make([]domain.Block, 0, len(universal))
	for _, u := range universal {
		if u == nil {
			continue
		}
		b, err := l.norm.NormalizeBlock(*u)
		if err != nil {
			continue
		}
		if err := merkle.Verify(&b); err != nil {
			l.preload = append(l.preload, batch...)
			return err
		}
		blocks = append(blocks, b)
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })

	last := l.queue.LastHeight()
	for _, b := range blocks {
		if b.Height <= last {
			continue
		}
		if err := l.queue.Enqueue(b); err != nil {
			return err
		}
	}

	elapsed := time.Since(start).Milliseconds()
	l.previousLoadDurationMs = l.lastLoadDurationMs
	l.lastLoadDurationMs = elapsed
	return nil
}

// loadBlocksWithRetry retries the hex-path fetch up to InnerRetries times
// with a fixed backoff on transport errors.
func (l *Loader) loadBlocksWithRetry(ctx context.Context, heights []uint64) ([]*domain.UniversalBlock, error) {
	var lastErr error
	for attempt := 0; attempt <= l.cfg.InnerRetries; attempt++ {
		active := l.manager.GetActiveProvider()
		blocks, err := active.GetManyBlocksByHeights(ctx, heights, true, true)
		if err == nil {
			return blocks, nil
		}
		lastErr = err
		l.logger.WithError(err).WithField("attempt", attempt).Debug("loadBlocks retry")
		if _, ferr := l.manager.HandleProviderFailure(ctx, active.Name(), err, "getManyBlocksByHeights"); ferr != nil {
			return nil, ferr
		}
		if !sleepCtx(ctx, l.cfg.InnerRetryDelay) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
