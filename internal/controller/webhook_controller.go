package controller

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

// EventHandler applies verified Stripe events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event stripe.Event) (bool, error)
}

type WebhookController struct {
	billing EventHandler
	secret  string
	logger  *slog.Logger
}

func NewWebhookController(billing EventHandler, secret string, logger *slog.Logger) *WebhookController {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookController{
		billing: billing,
		secret:  secret,
		logger:  logger.With("component", "webhook"),
	}
}

func (w *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	signatureHeader := c.Get("Stripe-Signature")

	event, err := webhook.ConstructEvent(payload, signatureHeader, w.secret)
	if err != nil {
		w.logger.Warn("webhook signature verification failed", "error", err)
		return errorJSON(c, fiber.StatusBadRequest, "Invalid signature")
	}

	applied, err := w.billing.HandleEvent(c.UserContext(), event)
	if err != nil {
		w.logger.Error("webhook processing failed", "event_id", event.ID, "type", event.Type, "error", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Webhook processing failed")
	}

	return c.JSON(fiber.Map{
		"received": true,
		"applied":  applied,
	})
}
