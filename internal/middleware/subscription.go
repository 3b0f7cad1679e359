package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"creators_metering/pkg/permission"
	"creators_metering/pkg/subscription"
)

// Evaluator is the permission check used by RequireQuota.
type Evaluator interface {
	Evaluate(ctx context.Context, userID string, req permission.Request) permission.Decision
}

// UsageTracker records a metered action after it succeeded.
type UsageTracker interface {
	TrackAsync(userID string, r subscription.Resource)
}

type quotaInput struct {
	Resource string `json:"resource"`
	Model    string `json:"model"`
}

// RequireQuota evaluates the request body's {resource, model} before the
// handler runs and tracks usage only when the handler succeeded. Denied
// requests are never tracked.
func RequireQuota(evaluator Evaluator, tracker UsageTracker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := Claims(c)
		if claims == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authentication token",
				"code":  "unauthenticated",
			})
		}

		req, err := ParsePermissionRequest(c)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "invalid_input",
			})
		}

		decision := evaluator.Evaluate(c.UserContext(), claims.UserID, req)
		if !decision.Allowed {
			return c.Status(DecisionStatus(decision)).JSON(decision)
		}

		c.Locals("decision", decision)
		if err := c.Next(); err != nil {
			return err
		}

		if c.Response().StatusCode() < fiber.StatusBadRequest {
			tracker.TrackAsync(claims.UserID, decision.Resource)
		}
		return nil
	}
}

// ParsePermissionRequest reads {resource, model} from the body. An empty
// body means a basic interaction.
func ParsePermissionRequest(c *fiber.Ctx) (permission.Request, error) {
	var input quotaInput
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&input); err != nil {
			return permission.Request{}, fiber.NewError(fiber.StatusBadRequest, "Invalid input")
		}
	}

	req := permission.Request{Model: input.Model}
	if input.Resource != "" {
		r, err := subscription.ParseResource(input.Resource)
		if err != nil {
			return permission.Request{}, err
		}
		req.Resource = r
	}
	return req, nil
}

// DecisionStatus maps a decision to its HTTP status.
func DecisionStatus(d permission.Decision) int {
	switch {
	case d.Allowed:
		return fiber.StatusOK
	case d.Code == permission.CodeUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusPaymentRequired
	}
}
