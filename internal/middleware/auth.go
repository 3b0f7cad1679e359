package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"creators_metering/pkg/utils/jwt"
)

// AuthMiddleware validates the bearer token and stores its claims under
// Locals("user"). EventSource clients cannot set headers, so ?token= is
// accepted as well.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing authentication token",
				"code":  "unauthenticated",
			})
		}

		claims, err := jwt.ValidateToken(secret, token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
				"code":  "unauthenticated",
			})
		}

		c.Locals("user", claims)
		return c.Next()
	}
}

// Claims returns the authenticated claims, or nil outside AuthMiddleware.
func Claims(c *fiber.Ctx) *jwt.Claims {
	claims, _ := c.Locals("user").(*jwt.Claims)
	return claims
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
