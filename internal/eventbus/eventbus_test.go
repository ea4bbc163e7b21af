package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/block-ingest/internal/wire"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestSubscriber_DispatchesEventsInStartOrder(t *testing.T) {
	src := make(chan wire.DomainEvent, 4)
	var mu sync.Mutex
	var started []string

	handler := func(ctx context.Context, ev wire.DomainEvent) {
		mu.Lock()
		started = append(started, ev.AggregateID)
		mu.Unlock()
	}

	sub := New(src, handler, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)

	src <- wire.DomainEvent{AggregateID: "a"}
	src <- wire.DomainEvent{AggregateID: "b"}
	src <- wire.DomainEvent{AggregateID: "c"}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(started)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 3 {
		t.Fatalf("expected 3 dispatched events, got %d", len(started))
	}
	if started[0] != "a" || started[1] != "b" || started[2] != "c" {
		t.Fatalf("expected start order a,b,c, got %v", started)
	}
}

func TestSubscriber_SlowHandlerDoesNotBlockNextDispatch(t *testing.T) {
	src := make(chan wire.DomainEvent, 4)
	started := make(chan string, 4)

	handler := func(ctx context.Context, ev wire.DomainEvent) {
		if ev.AggregateID == "slow" {
			time.Sleep(200 * time.Millisecond)
		}
		started <- ev.AggregateID
	}

	sub := New(src, handler, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	src <- wire.DomainEvent{AggregateID: "slow"}
	src <- wire.DomainEvent{AggregateID: "fast"}

	select {
	case first := <-started:
		if first != "fast" {
			t.Fatalf("expected the fast handler to complete first, got %q", first)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fast handler")
	}
}

func TestSubscriber_RecoversFromHandlerPanic(t *testing.T) {
	src := make(chan wire.DomainEvent, 2)
	done := make(chan struct{}, 2)

	handler := func(ctx context.Context, ev wire.DomainEvent) {
		defer func() { done <- struct{}{} }()
		if ev.AggregateID == "boom" {
			panic("handler exploded")
		}
	}

	sub := New(src, handler, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	src <- wire.DomainEvent{AggregateID: "boom"}
	src <- wire.DomainEvent{AggregateID: "ok"}

	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("expected both handlers to run despite the panic")
		}
	}
}
