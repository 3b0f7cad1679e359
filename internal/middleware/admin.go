package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminOnly allows requests whose token email is in emails. Must run after
// AuthMiddleware.
func AdminOnly(emails []string) fiber.Handler {
	allowed := make(map[string]bool, len(emails))
	for _, e := range emails {
		allowed[strings.ToLower(e)] = true
	}

	return func(c *fiber.Ctx) error {
		claims := Claims(c)
		if claims == nil || !allowed[strings.ToLower(claims.Email)] {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Admin access required",
				"code":  "forbidden",
			})
		}
		return c.Next()
	}
}
