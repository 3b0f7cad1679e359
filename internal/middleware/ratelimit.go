package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"creators_metering/pkg/ratelimit"
)

// RateLimit throttles requests per client IP using limiter.
func RateLimit(limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ok, wait := limiter.Allow(c.IP())
		if !ok {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(ratelimit.RetryAfterSeconds(wait)))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later",
				"code":  "rate_limited",
			})
		}
		return c.Next()
	}
}
