// Package main provides the Baton server: the pipeline engine plus its HTTP
// surface.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/baton-dev/baton/pkg/backend"
	"github.com/baton-dev/baton/pkg/broker"
	"github.com/baton-dev/baton/pkg/engine"
	"github.com/baton-dev/baton/pkg/persistence"
	"github.com/baton-dev/baton/pkg/registry"
	"github.com/baton-dev/baton/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	manager     *engine.Manager
	backend     *backend.Client
	broker      *broker.Broker
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	store persistence.Persistence,
	reg *registry.Registry,
	manager *engine.Manager,
	client *backend.Client,
	eventBroker *broker.Broker,
) *API {
	return &API{
		logger:      logger,
		persistence: store,
		registry:    reg,
		manager:     manager,
		backend:     client,
		broker:      eventBroker,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.logger, a.persistence, a.registry, a.manager, a.backend, a.broker, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Baton API")
	})

	p := app.Group("/pipelines")
	p.Get("/", handlers.GetPipelines)
	p.Post("/", handlers.CreatePipeline)
	p.Get("/:id", handlers.GetPipeline)
	p.Post("/:id/abort", handlers.AbortPipeline)
	p.Post("/:id/restart", handlers.RestartPipeline)
	p.Post("/:id/approve", handlers.ApprovePipeline)
	p.Post("/:id/reject", handlers.RejectPipeline)
	p.Get("/:id/audit", handlers.GetAuditEvents)
	p.Get("/:id/steps/:stepId/handoffs", handlers.GetStepHandoffs)

	r := app.Group("/registry")
	r.Get("/agents", handlers.GetAgents)
	r.Get("/templates", handlers.GetTemplates)

	app.Get("/events", handlers.StreamEvents)
	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
