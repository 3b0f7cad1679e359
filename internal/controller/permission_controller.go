package controller

import (
	"github.com/gofiber/fiber/v2"

	"creators_metering/internal/middleware"
	"creators_metering/pkg/permission"
	"creators_metering/pkg/subscription"
)

type PermissionController struct {
	evaluator middleware.Evaluator
	tracker   middleware.UsageTracker
}

func NewPermissionController(evaluator middleware.Evaluator, tracker middleware.UsageTracker) *PermissionController {
	return &PermissionController{evaluator: evaluator, tracker: tracker}
}

// Check answers whether the caller may perform {resource, model} now.
func (p *PermissionController) Check(c *fiber.Ctx) error {
	claims := middleware.Claims(c)

	req, err := middleware.ParsePermissionRequest(c)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	}

	decision := p.evaluator.Evaluate(c.UserContext(), claims.UserID, req)
	return c.Status(middleware.DecisionStatus(decision)).JSON(decision)
}

type trackInput struct {
	Resource string `json:"resource"`
}

// Track records one completed action. It returns before the increment is
// written and never reports a tracking failure.
func (p *PermissionController) Track(c *fiber.Ctx) error {
	claims := middleware.Claims(c)

	var input trackInput
	if err := c.BodyParser(&input); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid input")
	}
	resource, err := subscription.ParseResource(input.Resource)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	}

	p.tracker.TrackAsync(claims.UserID, resource)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"tracked": resource})
}

// Consume runs behind RequireQuota, which tracks the action once this
// handler succeeds.
func (p *PermissionController) Consume(c *fiber.Ctx) error {
	decision, _ := c.Locals("decision").(permission.Decision)
	return c.JSON(decision)
}
