// Package app wires the order relay together: broker client, relay buffer,
// publisher, listener and HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"order-relay/internal/api"
	"order-relay/internal/broker"
	"order-relay/internal/config"
	"order-relay/internal/domain"
	"order-relay/internal/metrics"
	"order-relay/internal/order"
	"order-relay/internal/relay"
)

// App owns every component of a running relay.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	broker    *broker.Client
	buffer    *relay.Buffer[domain.Order]
	publisher *order.Publisher
	listener  *order.Listener
	server    *api.Server
}

// Options adjusts how the app is built.
type Options struct {
	// DisableAccessLog turns off the HTTP request log.
	DisableAccessLog bool
}

// New opens the broker and builds all components. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	client, err := broker.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open broker: %w", err)
	}
	return newApp(cfg, logger, opts, client), nil
}

// newApp builds the components on an opened broker client.
func newApp(cfg *config.Config, logger *slog.Logger, opts Options, client *broker.Client) *App {
	// One buffer per process, shared by the listener and the HTTP reader.
	buffer := relay.NewBuffer[domain.Order]()
	metrics.ObserveRelay(buffer.Len)
	publisher := order.NewPublisher(client.Producer, cfg.Broker.Queue, logger)
	listener := order.NewListener(client.Consumer, buffer, cfg.Broker.Concurrency, logger)

	server := api.NewServer(api.ServerDeps{
		Config:           &cfg.Server,
		Logger:           logger,
		OrderHandler:     api.NewOrderHandler(publisher, buffer, cfg.Relay, logger),
		DisableAccessLog: opts.DisableAccessLog,
	})

	return &App{
		cfg:       cfg,
		logger:    logger,
		broker:    client,
		buffer:    buffer,
		publisher: publisher,
		listener:  listener,
		server:    server,
	}
}

// Buffer returns the relay buffer.
func (a *App) Buffer() *relay.Buffer[domain.Order] {
	return a.buffer
}

// Publisher returns the order publisher.
func (a *App) Publisher() *order.Publisher {
	return a.publisher
}

// Server returns the HTTP server.
func (a *App) Server() *api.Server {
	return a.server
}

// Run serves on the configured address until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	return a.run(ctx, a.server.Start)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	return a.run(ctx, func() error { return a.server.Serve(ln) })
}

// run starts the listener and the HTTP server, waits for ctx or a component
// failure, then shuts the server down and closes the broker client.
func (a *App) run(ctx context.Context, serve func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	listenerDone := make(chan struct{})

	// The listener restarts failed delivery loops itself, so a broker outage
	// never stops the HTTP server.
	go func() {
		defer close(listenerDone)
		if err := a.listener.Start(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("listener: %w", err)
		}
	}()

	go func() {
		if err := serve(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	a.logger.Info("order relay started",
		"address", a.cfg.Server.Address(),
		"driver", string(a.cfg.Broker.Driver),
		"queue", a.cfg.Broker.Queue,
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("component failed", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", "error", err)
	}

	cancel()
	if err := a.broker.Close(); err != nil {
		a.logger.Error("broker close error", "error", err)
	}
	<-listenerDone

	a.logger.Info("order relay stopped")
	return runErr
}

// Close releases the broker client of an app that was never run.
func (a *App) Close() error {
	return a.broker.Close()
}
