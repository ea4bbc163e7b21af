// Package iterator implements the QueueIterator: it drains the queue into
// size-bounded batches and hands each one to a consumer executor, retrying
// the same batch at-least-once on failure. A single background goroutine
// runs the drain loop until its context is cancelled.
package iterator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/domain"
	"github.com/synnergy-network/block-ingest/internal/queue"
)

// Batch is handed to the consumer: the blocks plus an opaque requestId used
// to correlate retries and ACKs downstream.
type Batch struct {
	Blocks    []domain.Block
	RequestID string
}

// Consumer processes one batch. Returning an error causes the iterator to
// retry the same batch on its next tick (at-least-once delivery).
type Consumer interface {
	HandleBatch(ctx context.Context, b Batch) error
}

// Iterator pulls bounded batches from a queue and drives a Consumer.
type Iterator struct {
	logger *logrus.Entry

	q         *queue.Queue
	consumer  Consumer
	batchSize int

	idGen func() string

	resolve chan struct{} // external wake signal, see Resolve
	poll    time.Duration
}

// New builds an Iterator over q, delivering batches of at most batchSize
// bytes to consumer. The requestId attached to each batch comes from a
// monotonic counter ("batch-1", "batch-2", ...).
func New(q *queue.Queue, consumer Consumer, batchSize int, logger *logrus.Entry) *Iterator {
	it := &Iterator{
		logger:    logger,
		q:         q,
		consumer:  consumer,
		batchSize: batchSize,
		resolve:   make(chan struct{}, 1),
		poll:      200 * time.Millisecond,
	}
	if it.idGen == nil {
		var n uint64
		it.idGen = func() string {
			n++
			return "batch-" + itoa(n)
		}
	}
	return it
}

// Run loops until ctx is cancelled: peekNextBatch, deliver, retry on
// failure until the consumer succeeds, then move on.
func (it *Iterator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch := it.peekNextBatch()
		if len(batch) == 0 {
			if !it.awaitSignal(ctx) {
				return ctx.Err()
			}
			continue
		}

		req := it.idGen()
		for {
			err := it.consumer.HandleBatch(ctx, Batch{Blocks: batch, RequestID: req})
			if err == nil {
				break
			}
			it.logger.WithError(err).WithField("requestId", req).Debug("batch handler failed, retrying same batch")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !sleepCtx(ctx, it.poll) {
				return ctx.Err()
			}
		}
	}
}

// peekNextBatch drains up to batchSize bytes from the queue.
func (it *Iterator) peekNextBatch() []domain.Block {
	return it.q.GetBatchUpToSize(it.batchSize)
}

// Resolve wakes a Run loop that is blocked awaiting the next batch, used by
// the outbox sender after an ACK frees up queue capacity downstream.
func (it *Iterator) Resolve() {
	select {
	case it.resolve <- struct{}{}:
	default:
	}
}

func (it *Iterator) awaitSignal(ctx context.Context) bool {
	t := time.NewTimer(it.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-it.resolve:
		return true
	case <-t.C:
		return true
	}
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

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
