package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/baton-dev/baton/pkg/backend"
	"github.com/baton-dev/baton/pkg/broker"
	"github.com/baton-dev/baton/pkg/cmd"
	"github.com/baton-dev/baton/pkg/engine"
	"github.com/baton-dev/baton/pkg/log"
	"github.com/baton-dev/baton/pkg/otelhelper"
	"github.com/baton-dev/baton/pkg/registry"
)

const (
	defaultPort        = 8100
	defaultStepTimeout = 10 * time.Minute
	shutdownTimeout    = 30 * time.Second

	healthAttempts = 30
	healthInterval = 2 * time.Second
)

func main() {
	logger := log.WithModule("baton-server")

	command := &cli.Command{
		Name:                  "baton-server",
		Usage:                 "Run sequential agent pipelines with approval gates",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL (postgres://...) or data directory for file storage",
				Value:   "./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "backend-url",
				Usage:    "Base URL of the agent backend",
				Required: true,
				Sources:  cli.EnvVars("BACKEND_URL"),
			},
			&cli.StringFlag{
				Name:     "agents-config",
				Usage:    "Path to the agents YAML file",
				Required: true,
				Sources:  cli.EnvVars("AGENTS_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "templates-config",
				Usage:    "Path to the pipeline templates YAML file",
				Required: true,
				Sources:  cli.EnvVars("TEMPLATES_CONFIG"),
			},
			&cli.DurationFlag{
				Name:    "step-timeout",
				Usage:   "Wall-clock budget for one agent step",
				Value:   defaultStepTimeout,
				Sources: cli.EnvVars("STEP_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces (configure via OTEL_EXPORTER_OTLP_* env)",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Baton server")

			if command.Bool("tracing") {
				if _, err := otelhelper.NewTracer(ctx, "baton-server"); err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}
			}

			reg, err := registry.New(logger,
				command.String("agents-config"),
				command.String("templates-config"))
			if err != nil {
				return err
			}

			watchCtx, stopWatch := context.WithCancel(ctx)
			defer stopWatch()

			go func() {
				if err := reg.Watch(watchCtx); err != nil {
					logger.Warn("Registry hot reload unavailable", "error", err)
				}
			}()

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(context.Background()); err != nil {
					logger.Error("Failed to close persistence", "error", err)
				}
			}()

			client := backend.NewClient(logger, command.String("backend-url"))
			if err := client.WaitHealthy(ctx, healthAttempts, healthInterval); err != nil {
				return err
			}

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.Error("Failed to close event bus", "error", err)
				}
			}()

			eventBroker := broker.New(logger, client)
			eventBroker.Start(ctx)
			defer eventBroker.Stop()

			manager := engine.NewManager(logger, client, store, reg, eventBus, command.Duration("step-timeout"))

			if err := manager.RecoverInterrupted(ctx); err != nil {
				logger.ErrorContext(ctx, "Crash recovery failed", "error", err)
			}

			api := NewAPI(logger, store, reg, manager, client, eventBroker)
			app := api.App()

			port := command.Int("port")

			go func() {
				if err := app.Listen(":" + strconv.Itoa(port)); err != nil {
					logger.Error("HTTP server stopped", "error", err)
				}
			}()

			logger.InfoContext(ctx, "Baton server started", "port", port)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := manager.Shutdown(shutdownCtx); err != nil {
				logger.Error("Pipeline executions did not stop cleanly", "error", err)
			}

			return app.ShutdownWithContext(shutdownCtx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
