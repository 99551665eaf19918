package order

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"order-relay/internal/domain"
	"order-relay/internal/metrics"
	"order-relay/internal/queue"
	"order-relay/internal/queue/memory"
	"order-relay/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingProducer captures published messages and optionally fails.
type recordingProducer struct {
	mu       sync.Mutex
	messages []*queue.Message
	err      error
}

func (p *recordingProducer) Publish(_ context.Context, msg *queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

// stubConsumer fails the first failures calls to Start with err. Later
// calls deliver payload when it is set and block until ctx is done, or
// return nil at once when closed is set.
type stubConsumer struct {
	mu       sync.Mutex
	starts   int
	failures int
	err      error
	payload  []byte
	closed   bool
}

func (c *stubConsumer) Start(ctx context.Context, handler queue.MessageHandler) error {
	c.mu.Lock()
	c.starts++
	n := c.starts
	c.mu.Unlock()

	if n <= c.failures {
		return c.err
	}
	if c.closed {
		return nil
	}
	if c.payload != nil {
		if err := handler(ctx, &queue.Message{Value: c.payload}); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *stubConsumer) startCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *stubConsumer) Close() error { return nil }

func TestPublisher_Send(t *testing.T) {
	producer := &recordingProducer{}
	p := NewPublisher(producer, "DEV.QUEUE.1", testLogger())

	before := testutil.ToFloat64(metrics.OrdersSentTotal.WithLabelValues(metrics.ResultSuccess))

	if err := p.Send(context.Background(), domain.NewOrder("A101", "Test Product", 5)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(producer.messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(producer.messages))
	}
	msg := producer.messages[0]

	if string(msg.Key) != "A101" {
		t.Errorf("Key = %q, want A101", msg.Key)
	}
	if got := msg.Header(queue.HeaderContentType); got != ContentTypeJSON {
		t.Errorf("content_type = %q, want %q", got, ContentTypeJSON)
	}
	if got := msg.Header(queue.HeaderDestination); got != "DEV.QUEUE.1" {
		t.Errorf("destination = %q, want DEV.QUEUE.1", got)
	}
	if msg.Header(queue.HeaderMessageID) == "" {
		t.Error("message_id header should be set")
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(msg.Value, &fields); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if fields["id"] != "A101" || fields["product"] != "Test Product" || fields["quantity"] != float64(5) {
		t.Errorf("payload = %s", msg.Value)
	}

	after := testutil.ToFloat64(metrics.OrdersSentTotal.WithLabelValues(metrics.ResultSuccess))
	if after-before != 1 {
		t.Errorf("orders_sent_total{result=success} increased by %v, want 1", after-before)
	}
}

func TestPublisher_SendUniqueMessageIDs(t *testing.T) {
	producer := &recordingProducer{}
	p := NewPublisher(producer, "DEV.QUEUE.1", testLogger())

	o := domain.NewOrder("A101", "Test Product", 5)
	for i := 0; i < 2; i++ {
		if err := p.Send(context.Background(), o); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	if len(producer.messages) != 2 {
		t.Fatalf("published %d messages, want one per call", len(producer.messages))
	}
	if producer.messages[0].Header(queue.HeaderMessageID) == producer.messages[1].Header(queue.HeaderMessageID) {
		t.Error("each send should carry its own message id")
	}
}

func TestPublisher_SendTransportError(t *testing.T) {
	cause := errors.New("connection refused")
	p := NewPublisher(&recordingProducer{err: cause}, "DEV.QUEUE.1", testLogger())

	before := testutil.ToFloat64(metrics.OrdersSentTotal.WithLabelValues(metrics.ResultFailure))

	err := p.Send(context.Background(), domain.NewOrder("A101", "Test Product", 5))
	if err == nil {
		t.Fatal("Send() should fail when the producer fails")
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("errors.Is(err, ErrTransport) = false for %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false for %v", err)
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error %T is not a *TransportError", err)
	}
	if te.Destination != "DEV.QUEUE.1" {
		t.Errorf("Destination = %q, want DEV.QUEUE.1", te.Destination)
	}
	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}

	after := testutil.ToFloat64(metrics.OrdersSentTotal.WithLabelValues(metrics.ResultFailure))
	if after-before != 1 {
		t.Errorf("orders_sent_total{result=failure} increased by %v, want 1", after-before)
	}
}

func TestPublisher_SendClosedQueue(t *testing.T) {
	q := memory.NewQueue(1)
	_ = q.Close()

	err := NewPublisher(q, "DEV.QUEUE.1", testLogger()).Send(context.Background(), domain.NewOrder("A1", "p", 1))
	if !errors.Is(err, memory.ErrQueueClosed) {
		t.Errorf("Send() error = %v, want ErrQueueClosed", err)
	}
}

func TestListener_Handle(t *testing.T) {
	buffer := relay.NewBuffer[domain.Order]()
	l := NewListener(&stubConsumer{}, buffer, 1, testLogger())

	payload, _ := domain.EncodeOrder(domain.NewOrder("A101", "Test Product", 5))
	if err := l.Handle(context.Background(), &queue.Message{Value: payload}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got, ok := buffer.Take(0)
	if !ok {
		t.Fatal("order was not deposited")
	}
	if got != domain.NewOrder("A101", "Test Product", 5) {
		t.Errorf("deposited %v", got)
	}
}

func TestListener_HandleDropsWhenFull(t *testing.T) {
	buffer := relay.NewBuffer[domain.Order]()
	l := NewListener(&stubConsumer{}, buffer, 1, testLogger())

	dropped := metrics.RelayDepositsTotal.WithLabelValues(metrics.ResultDropped)
	before := testutil.ToFloat64(dropped)

	for _, id := range []string{"first", "second"} {
		payload, _ := domain.EncodeOrder(domain.NewOrder(id, "p", 1))
		if err := l.Handle(context.Background(), &queue.Message{Value: payload}); err != nil {
			t.Fatalf("Handle(%s) error = %v, a dropped order is still acknowledged", id, err)
		}
	}

	got, ok := buffer.Take(0)
	if !ok || got.ID != "first" {
		t.Errorf("Take() = %v, %v, want the first order", got, ok)
	}
	if _, ok := buffer.Take(0); ok {
		t.Error("second order should have been dropped")
	}
	if d := testutil.ToFloat64(dropped) - before; d != 1 {
		t.Errorf("relay_deposits_total{result=dropped} increased by %v, want 1", d)
	}
}

func TestListener_HandleMalformed(t *testing.T) {
	buffer := relay.NewBuffer[domain.Order]()
	l := NewListener(&stubConsumer{}, buffer, 1, testLogger())

	tests := []struct {
		name  string
		value []byte
	}{
		{name: "not json", value: []byte("not json")},
		{name: "wrong type", value: []byte(`{"id":"A1","quantity":"five"}`)},
		{name: "empty", value: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.Handle(context.Background(), &queue.Message{Value: tt.value}); err != nil {
				t.Errorf("Handle() error = %v, want nil", err)
			}
			if buffer.Len() != 0 {
				t.Error("malformed message should not be deposited")
			}
		})
	}
}

func TestListener_StartRunsConcurrentLoops(t *testing.T) {
	consumer := &stubConsumer{}
	l := NewListener(consumer, relay.NewBuffer[domain.Order](), 3, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		starts := consumer.startCount()
		if starts == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("consumer started %d times, want 3", starts)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, cancellation is not an error", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestListener_StartRetriesConsumerError(t *testing.T) {
	consumer := &stubConsumer{failures: 1 << 20, err: errors.New("connection refused")}
	l := NewListener(consumer, relay.NewBuffer[domain.Order](), 1, testLogger())
	l.minBackoff = time.Millisecond
	l.maxBackoff = 5 * time.Millisecond

	before := testutil.ToFloat64(metrics.ListenerRestartsTotal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for consumer.startCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("consumer started %d times, want at least 3", consumer.startCount())
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-done:
		t.Fatalf("Start() returned %v while the consumer was failing", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if delta := testutil.ToFloat64(metrics.ListenerRestartsTotal) - before; delta < 2 {
		t.Errorf("listener_restarts_total grew by %v, want at least 2", delta)
	}
}

func TestListener_StartRecoversAfterFailures(t *testing.T) {
	payload, _ := domain.EncodeOrder(domain.NewOrder("A101", "Test Product", 5))
	consumer := &stubConsumer{failures: 2, err: errors.New("broker restarting"), payload: payload}
	buffer := relay.NewBuffer[domain.Order]()
	l := NewListener(consumer, buffer, 1, testLogger())
	l.minBackoff = time.Millisecond
	l.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Start(ctx) }()

	got, ok := buffer.Take(2 * time.Second)
	if !ok {
		t.Fatal("order did not arrive after the consumer recovered")
	}
	if got.ID != "A101" {
		t.Errorf("received %v, want A101", got)
	}
	if n := consumer.startCount(); n != 3 {
		t.Errorf("consumer started %d times, want 3", n)
	}
}

func TestListener_StartStopsWhenConsumerCloses(t *testing.T) {
	consumer := &stubConsumer{closed: true}
	l := NewListener(consumer, relay.NewBuffer[domain.Order](), 1, testLogger())

	done := make(chan error, 1)
	go func() { done <- l.Start(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after the consumer closed")
	}
	if n := consumer.startCount(); n != 1 {
		t.Errorf("consumer started %d times, want 1", n)
	}
}

func TestRoundTrip_MemoryQueue(t *testing.T) {
	q := memory.NewQueue(10)
	defer q.Close()

	buffer := relay.NewBuffer[domain.Order]()
	publisher := NewPublisher(q, "DEV.QUEUE.1", testLogger())
	listener := NewListener(q, buffer, 1, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = listener.Start(ctx) }()

	want := domain.NewOrder("A101", "Test Product", 5)
	if err := publisher.Send(ctx, want); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got, ok := buffer.Take(5 * time.Second)
	if !ok {
		t.Fatal("order did not arrive within the timeout")
	}
	if got != want {
		t.Errorf("received %v, want %v", got, want)
	}
}
