package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"creators_metering/internal/middleware"
	"creators_metering/internal/model"
	"creators_metering/pkg/billing"
)

// BillingService reads and reconciles a user's subscription row.
type BillingService interface {
	Current(ctx context.Context, userID string) (model.Subscription, error)
	Reconcile(ctx context.Context, userID string) (model.Subscription, error)
}

// UsageReader reads monthly usage counters.
type UsageReader interface {
	Get(ctx context.Context, userID, month string) (*model.UsageCounters, error)
	History(ctx context.Context, userID string) ([]model.UsageCounters, error)
}

type SubscriptionController struct {
	billing BillingService
	usage   UsageReader
	logger  *slog.Logger
	now     func() time.Time
}

func NewSubscriptionController(subs BillingService, usage UsageReader, logger *slog.Logger) *SubscriptionController {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionController{
		billing: subs,
		usage:   usage,
		logger:  logger.With("component", "subscription"),
		now:     time.Now,
	}
}

func (s *SubscriptionController) GetMySubscription(c *fiber.Ctx) error {
	claims := middleware.Claims(c)

	sub, err := s.billing.Current(c.UserContext(), claims.UserID)
	if err != nil {
		s.logger.Error("load subscription", "user_id", claims.UserID, "error", err)
		return errorJSON(c, fiber.StatusServiceUnavailable, "Could not fetch subscription")
	}

	return c.JSON(model.NewSubscriptionView(sub))
}

// GetMyUsage returns the current month's counters, or ?month=YYYY-MM.
func (s *SubscriptionController) GetMyUsage(c *fiber.Ctx) error {
	claims := middleware.Claims(c)

	month := c.Query("month", model.MonthKey(s.now()))
	if _, err := time.Parse("2006-01", month); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "month must be formatted as YYYY-MM")
	}

	view, err := s.usageView(c.UserContext(), claims.UserID, month)
	if err != nil {
		s.logger.Error("load usage", "user_id", claims.UserID, "month", month, "error", err)
		return errorJSON(c, fiber.StatusServiceUnavailable, "Could not fetch usage")
	}

	return c.JSON(view)
}

// GetUsageHistory lists every recorded month, newest first.
func (s *SubscriptionController) GetUsageHistory(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	ctx := c.UserContext()

	sub, err := s.billing.Current(ctx, claims.UserID)
	if err != nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "Could not fetch subscription")
	}
	rows, err := s.usage.History(ctx, claims.UserID)
	if err != nil {
		s.logger.Error("load usage history", "user_id", claims.UserID, "error", err)
		return errorJSON(c, fiber.StatusServiceUnavailable, "Could not fetch usage")
	}

	plan := sub.EffectivePlan()
	views := make([]model.UsageView, 0, len(rows))
	for _, row := range rows {
		views = append(views, model.NewUsageView(plan, row))
	}
	return c.JSON(views)
}

// Refresh bypasses any cached state: it reconciles the row against Stripe
// when the user has a Stripe subscription and returns both views.
func (s *SubscriptionController) Refresh(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	ctx := c.UserContext()

	sub, err := s.billing.Reconcile(ctx, claims.UserID)
	if err != nil && !errors.Is(err, billing.ErrNoStripeSubscription) {
		if sub.UserID == "" {
			s.logger.Error("refresh subscription", "user_id", claims.UserID, "error", err)
			return errorJSON(c, fiber.StatusServiceUnavailable, "Could not fetch subscription")
		}
		s.logger.Warn("stripe reconcile failed, serving stored subscription", "user_id", claims.UserID, "error", err)
	}

	counters, err := s.usage.Get(ctx, claims.UserID, model.MonthKey(s.now()))
	if err != nil {
		s.logger.Error("refresh usage", "user_id", claims.UserID, "error", err)
		return errorJSON(c, fiber.StatusServiceUnavailable, "Could not fetch usage")
	}

	return c.JSON(model.AccountView{
		Subscription: model.NewSubscriptionView(sub),
		Usage:        model.NewUsageView(sub.EffectivePlan(), *counters),
	})
}

func (s *SubscriptionController) usageView(ctx context.Context, userID, month string) (model.UsageView, error) {
	sub, err := s.billing.Current(ctx, userID)
	if err != nil {
		return model.UsageView{}, err
	}
	counters, err := s.usage.Get(ctx, userID, month)
	if err != nil {
		return model.UsageView{}, err
	}
	return model.NewUsageView(sub.EffectivePlan(), *counters), nil
}
