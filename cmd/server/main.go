package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/membot/membot-backend/internal/api"
	"github.com/membot/membot-backend/internal/config"
	"github.com/membot/membot-backend/internal/database"
	"github.com/membot/membot-backend/internal/providers/openai"
	"github.com/membot/membot-backend/internal/retrieval"
	"github.com/membot/membot-backend/internal/retrieval/chromem"
	"github.com/membot/membot-backend/internal/services"
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.Database); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	provider, err := openai.NewProvider(cfg.LLM)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize completion provider")
	}

	var index retrieval.Provider
	if cfg.Retrieval.Enabled {
		store, err := chromem.New(cfg.Retrieval.Collection, cfg.Retrieval.Path)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize vector index")
		}
		index = store
	}

	svc := services.NewServices(db.DB, cfg, provider, index, log)
	defer svc.Shutdown()

	app := fiber.New(fiber.Config{
		AppName:      "Membot Backend",
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	api.SetupRoutes(app, svc)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("shutting down")
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.WithField("addr", addr).Info("membot backend starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("failed to start server")
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}
