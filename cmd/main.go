package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"eventbus/internal/events"
	"eventbus/internal/telemetry"

	"github.com/joho/godotenv"
)

const serviceName = "events-worker"

type config struct {
	addr         string
	otelEndpoint string
	events       events.Config

	// auditEvents are logged by the built-in audit handler.
	auditEvents      []string
	idempotencyField string
}

func main() {
	_ = godotenv.Load()

	// Use JSON traced logging
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(telemetry.NewTraceHandler(baseHandler))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Application terminated with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx := context.Background()
	cfg := loadConfig()
	logger.Info("Starting events worker", "backend", string(cfg.events.Backend), "addr", cfg.addr)

	if cfg.otelEndpoint != "" {
		shutdownTracer, err := telemetry.InitTracer(ctx, serviceName, cfg.otelEndpoint)
		if err != nil {
			logger.Warn("Tracing disabled, failed to init exporter", "error", err)
		} else {
			defer shutdownTracer(context.Background())
		}
	}

	metricsHandler, shutdownMeter, err := telemetry.InitMeter(ctx, serviceName)
	if err != nil {
		return err
	}
	defer shutdownMeter(context.Background())

	eventMetrics := events.NewMetrics(logger)
	bus, err := events.New(cfg.events, eventMetrics, logger)
	if err != nil {
		return err
	}

	app := &application{
		config:       cfg,
		bus:          bus,
		eventMetrics: eventMetrics,
		metrics:      metricsHandler,
		logger:       logger,
	}
	app.subscribe()

	return app.run(app.mount())
}

func loadConfig() config {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	return config{
		addr:             ":" + get("API_PORT", "8080"),
		otelEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		events:           events.LoadConfig(),
		auditEvents:      splitList(os.Getenv("EVENT_AUDIT_EVENTS")),
		idempotencyField: os.Getenv("EVENT_IDEMPOTENCY_FIELD"),
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
