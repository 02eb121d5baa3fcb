package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventbus/internal/events"
	"eventbus/internal/handlers/admin"
	"eventbus/internal/idempotency"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type application struct {
	config       config
	bus          events.Bus
	eventMetrics events.Metrics
	metrics      http.Handler
	logger       *slog.Logger

	stops []func()
}

// subscribe registers the audit handler and, on the stream backend, starts
// the PEL sampler and the reclaimer for the audited streams.
func (app *application) subscribe() {
	streams, isStream := app.bus.(*events.StreamBus)

	for _, name := range app.config.auditEvents {
		handler := app.auditHandler(name)
		if isStream && app.config.idempotencyField != "" {
			store := idempotency.NewRedisStore(streams.Redis())
			handler = idempotency.Handler(store, "audit", idempotency.FieldKey(app.config.idempotencyField), handler, app.logger)
		}
		app.bus.Subscribe(name, handler)
	}

	if !isStream {
		return
	}

	targets := make([]events.StreamGroup, 0, len(app.config.auditEvents))
	for _, name := range app.config.auditEvents {
		targets = append(targets, events.StreamGroup{Stream: events.StreamKey(name), Group: streams.Group()})
	}

	sampler := events.NewPELSampler(streams.Redis(), targets, app.config.events.SampleInterval, app.eventMetrics, app.logger)
	reclaimer := events.NewReclaimer(streams, events.ReclaimerConfig{
		Interval: app.config.events.ReclaimInterval,
		MinIdle:  app.config.events.ReclaimMinIdle,
		Batch:    app.config.events.ReclaimBatch,
	}, app.logger)

	app.stops = append(app.stops, sampler.Start(), reclaimer.Start())
}

func (app *application) auditHandler(eventName string) events.Handler {
	return func(ctx context.Context, payload any) error {
		app.logger.InfoContext(ctx, "Event received", "event", eventName, "payload", payload)
		return nil
	}
}

func (app *application) mount() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", app.metrics)

	var streams admin.StreamOps
	if s, ok := app.bus.(*events.StreamBus); ok {
		streams = s
	}
	adminHandler := admin.NewHandler(streams, admin.Config{
		DefaultMinIdle: app.config.events.ReclaimMinIdle,
		DefaultCount:   app.config.events.ReclaimBatch,
	})
	r.Mount("/admin", adminHandler.Routes())

	return r
}

func (app *application) run(h http.Handler) error {
	srv := &http.Server{
		Addr:         app.config.addr,
		Handler:      h,
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 10,
		IdleTimeout:  time.Minute * 1,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting server on " + app.config.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for Interrupt Signal (Ctrl+C or Docker Stop)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		app.logger.Info("Shutting down events worker...", "signal", sig.String())
	case serveErr = <-errCh:
		app.logger.Error("Server failed", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		app.logger.Error("Server shutdown error", "error", err)
	}

	for _, stop := range app.stops {
		stop()
	}

	// Consumer loops finish their current entry before the connection closes.
	if err := app.bus.Close(); err != nil {
		app.logger.Error("Event bus close error", "error", err)
	}

	app.logger.Info("Shutdown complete.")
	return serveErr
}
