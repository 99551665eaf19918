package nats

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"order-relay/internal/config"
	"order-relay/internal/queue"
)

func testConfig(endpoint string) *config.BrokerConfig {
	return &config.BrokerConfig{
		Driver:         config.DriverNATS,
		Channel:        "DEV.APP.SVRCONN",
		Endpoint:       endpoint,
		User:           "app",
		Password:       "passw0rd",
		Queue:          "DEV.QUEUE.1",
		ConnectTimeout: 200 * time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerURL(t *testing.T) {
	if got := serverURL(testConfig("localhost:4222")); got != "nats://localhost:4222" {
		t.Errorf("serverURL() = %q, want nats://localhost:4222", got)
	}
}

func TestFlushTimeout(t *testing.T) {
	if got := flushTimeout(context.Background(), time.Second); got != time.Second {
		t.Errorf("flushTimeout() without deadline = %v, want 1s", got)
	}
	if got := flushTimeout(context.Background(), 0); got != 5*time.Second {
		t.Errorf("flushTimeout() default = %v, want 5s", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if got := flushTimeout(ctx, time.Second); got > 100*time.Millisecond {
		t.Errorf("flushTimeout() = %v, should be bounded by the context deadline", got)
	}
}

func TestPublisher_UnreachableServer(t *testing.T) {
	// Port 1 on loopback refuses connections immediately.
	p := NewPublisher(testConfig("127.0.0.1:1"), discardLogger())
	defer p.Close()

	err := p.Publish(context.Background(), &queue.Message{Value: []byte("{}")})
	if err == nil {
		t.Fatal("Publish() to an unreachable server should fail")
	}
}

func TestSubscriber_StartAfterClose(t *testing.T) {
	s := NewSubscriber(testConfig("127.0.0.1:1"), discardLogger())
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// A second Close is a no-op.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := s.Start(context.Background(), nil); err != nil {
		t.Errorf("Start() after Close error = %v, want nil", err)
	}
}
