package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"finsync/internal/shared/config"
	"finsync/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:  cfg.Telemetry.ServiceName,
			Environment:  cfg.Telemetry.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			SampleRatio:  cfg.Telemetry.SampleRatio,
			MetricsPort:  cfg.Telemetry.MetricsPort,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
	}

	deps, err := NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	if deps.Scheduler != nil {
		deps.Scheduler.Start()
		log.Printf("Next scheduled sync at %s", deps.Scheduler.NextScheduledTime().Format(time.RFC3339))
	}
	if deps.Listener != nil {
		deps.Listener.Start(context.Background())
	}

	handler := SetupRoutes(deps, cfg)
	servers := StartServers(NewServerConfigFromConfig(handler, cfg))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-servers.Errors:
		log.Printf("Server error: %v", serveErr)
	}
	stop()

	GracefulShutdown(servers, deps, shutdownTimeout)
	return serveErr
}
