package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/rs/zerolog/log"

	"github.com/stupiduntilnot/mctrelay/internal/metrics"
	"github.com/stupiduntilnot/mctrelay/internal/relay"
	"github.com/stupiduntilnot/mctrelay/internal/session"
	"github.com/stupiduntilnot/mctrelay/internal/telegram"
)

// WebhookRoute is where Telegram delivers updates in webhook mode.
const WebhookRoute = "/telegram/webhook/:secret"

// Dependencies wires the HTTP surface. Updates is nil in poll mode, which
// leaves the webhook route unregistered.
type Dependencies struct {
	Store         session.Store
	Updates       relay.UpdateHandler
	Metrics       *metrics.Metrics
	Mode          string
	WebhookSecret string
	StartedAt     time.Time
	// BaseContext is passed to update handling; cancelling it aborts
	// in-flight completions on shutdown.
	BaseContext context.Context
}

// WebhookURL joins the public base URL with the webhook route.
func WebhookURL(base, secret string) string {
	return strings.TrimRight(base, "/") + "/telegram/webhook/" + secret
}

func NewHTTPServer(deps Dependencies) *fiber.App {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	router := fiber.New(fiber.Config{
		AppName: "mctrelay",
	})

	router.Use(recover.New())
	router.Use(requestLogger())

	router.Get("/", func(c fiber.Ctx) error {
		return c.SendString("OK")
	})

	router.Get("/health", func(c fiber.Ctx) error {
		active, err := deps.Store.Len(deps.BaseContext)
		if err != nil {
			log.Error().Err(err).Msg("Failed to count sessions for health check")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
				"error":  "session store unavailable",
			})
		}
		deps.Metrics.SetActiveSessions(active)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":          "ok",
			"uptime_seconds":  int64(time.Since(deps.StartedAt).Seconds()),
			"active_sessions": active,
			"mode":            deps.Mode,
		})
	})

	if deps.Metrics != nil {
		router.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}

	if deps.Updates != nil {
		router.Post(WebhookRoute, webhookHandler(deps))
	}

	return router
}

func webhookHandler(deps Dependencies) fiber.Handler {
	secret := []byte(deps.WebhookSecret)
	return func(c fiber.Ctx) error {
		given := []byte(c.Params("secret"))
		if len(secret) == 0 || subtle.ConstantTimeCompare(given, secret) != 1 {
			return fiber.NewError(fiber.StatusNotFound, "Not Found")
		}

		update, err := telegram.ParseUpdate(c.Body())
		if err != nil {
			log.Warn().Err(err).Msg("Rejected webhook payload")
			if errors.Is(err, telegram.ErrMissingUpdateID) {
				return fiber.NewError(fiber.StatusBadRequest, "update_id is required")
			}
			return fiber.NewError(fiber.StatusBadRequest, "Invalid update payload")
		}

		deps.Updates.HandleUpdate(deps.BaseContext, update)
		return c.SendStatus(fiber.StatusOK)
	}
}

func requestLogger() fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		path := c.Path()
		if strings.HasPrefix(path, "/telegram/webhook/") {
			path = "/telegram/webhook/:secret"
		}
		log.Debug().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Dur("elapsed", time.Since(started)).
			Msg("HTTP request")
		return err
	}
}
