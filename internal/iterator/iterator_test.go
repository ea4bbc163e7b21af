package iterator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/domain"
	"github.com/synnergy-network/block-ingest/internal/queue"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type countingConsumer struct {
	mu       sync.Mutex
	failFor  int
	received []Batch
}

func (c *countingConsumer) HandleBatch(ctx context.Context, b Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFor > 0 {
		c.failFor--
		return errors.New("handler blew up")
	}
	c.received = append(c.received, b)
	return nil
}

func (c *countingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func TestIterator_DeliversAvailableBatch(t *testing.T) {
	q := queue.New(queue.Config{MaxQueueSize: 10_000}, 0)
	_ = q.Enqueue(domain.Block{Height: 1, Size: 100})
	_ = q.Enqueue(domain.Block{Height: 2, Size: 100})

	c := &countingConsumer{}
	it := New(q, c, 1000, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = it.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if c.count() != 1 {
		t.Fatalf("expected one batch delivered, got %d", c.count())
	}
	if len(c.received[0].Blocks) != 2 {
		t.Fatalf("expected both blocks in one batch, got %d", len(c.received[0].Blocks))
	}
}

func TestIterator_RetriesSameBatchAtLeastOnce(t *testing.T) {
	q := queue.New(queue.Config{MaxQueueSize: 10_000}, 0)
	_ = q.Enqueue(domain.Block{Height: 1, Size: 100})

	c := &countingConsumer{failFor: 2}
	it := New(q, c, 1000, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	it.poll = 5 * time.Millisecond

	done := make(chan struct{})
	go func() {
		_ = it.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if c.count() != 1 {
		t.Fatalf("expected exactly one successful delivery after retries, got %d", c.count())
	}
}

func TestIterator_ResolveWakesWaiter(t *testing.T) {
	q := queue.New(queue.Config{MaxQueueSize: 10_000}, 0)
	c := &countingConsumer{}
	it := New(q, c, 1000, testLogger())
	it.poll = time.Minute // force awaitSignal to rely on Resolve, not the poll timer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = it.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	_ = q.Enqueue(domain.Block{Height: 1, Size: 50})
	it.Resolve()

	deadline := time.Now().Add(2 * time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if c.count() != 1 {
		t.Fatalf("expected Resolve to wake the loop and deliver the batch, got %d", c.count())
	}
}
