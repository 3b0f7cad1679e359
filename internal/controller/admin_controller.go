package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"creators_metering/internal/model"
	"creators_metering/pkg/billing"
	"creators_metering/pkg/subscription"
	"creators_metering/pkg/usage"
)

// PlanSetter overwrites a user's plan and status.
type PlanSetter interface {
	SetPlan(ctx context.Context, userID string, plan subscription.Plan, status subscription.Status) (model.Subscription, error)
}

// UsageIncrementer applies additive usage deltas.
type UsageIncrementer interface {
	Increment(ctx context.Context, userID, month string, r subscription.Resource, delta int64) error
}

type AdminController struct {
	plans  PlanSetter
	usage  UsageIncrementer
	logger *slog.Logger
	now    func() time.Time
}

func NewAdminController(plans PlanSetter, usage UsageIncrementer, logger *slog.Logger) *AdminController {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminController{
		plans:  plans,
		usage:  usage,
		logger: logger.With("component", "admin"),
		now:    time.Now,
	}
}

type setSubscriptionInput struct {
	Plan   string `json:"plan"`
	Status string `json:"status"`
}

func (a *AdminController) SetSubscription(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var input setSubscriptionInput
	if err := c.BodyParser(&input); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid input")
	}
	if _, ok := subscription.PlanFeatures[subscription.Plan(input.Plan)]; !ok {
		return errorJSON(c, fiber.StatusBadRequest, "Unknown plan")
	}
	if input.Status == "" {
		input.Status = string(subscription.StatusActive)
	}
	status := subscription.ParseStatus(input.Status)
	if string(status) != input.Status && input.Status != "cancelled" {
		return errorJSON(c, fiber.StatusBadRequest, "Unknown status")
	}

	sub, err := a.plans.SetPlan(c.UserContext(), userID, subscription.Plan(input.Plan), status)
	if errors.Is(err, billing.ErrUnknownUser) {
		return errorJSON(c, fiber.StatusNotFound, "User not found")
	}
	if err != nil {
		a.logger.Error("set subscription", "user_id", userID, "error", err)
		return err
	}

	return c.JSON(model.NewSubscriptionView(sub))
}

type adjustUsageInput struct {
	Resource string `json:"resource"`
	Delta    int64  `json:"delta"`
	Month    string `json:"month"`
}

// AdjustUsage adds a positive correction to one counter. Counters are never
// decremented.
func (a *AdminController) AdjustUsage(c *fiber.Ctx) error {
	userID := c.Params("userId")

	var input adjustUsageInput
	if err := c.BodyParser(&input); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid input")
	}
	resource, err := subscription.ParseResource(input.Resource)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	}
	if input.Month == "" {
		input.Month = model.MonthKey(a.now())
	} else if _, err := time.Parse("2006-01", input.Month); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "month must be formatted as YYYY-MM")
	}

	err = a.usage.Increment(c.UserContext(), userID, input.Month, resource, input.Delta)
	if errors.Is(err, usage.ErrInvalidDelta) {
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		a.logger.Error("adjust usage", "user_id", userID, "resource", resource, "error", err)
		return err
	}

	a.logger.Info("usage adjusted by admin", "user_id", userID, "month", input.Month, "resource", resource, "delta", input.Delta)
	return c.JSON(fiber.Map{
		"user_id":  userID,
		"month":    input.Month,
		"resource": resource,
		"delta":    input.Delta,
	})
}
