package controller

import (
	"bufio"
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/valyala/fasthttp"

	"creators_metering/internal/middleware"
	"creators_metering/pkg/realtime"
)

type RealtimeController struct {
	ctx       context.Context
	hub       realtime.Subscriber
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewRealtimeController streams hub events. Open streams end when ctx is
// done, which main ties to server shutdown.
func NewRealtimeController(ctx context.Context, hub realtime.Subscriber, heartbeat time.Duration, logger *slog.Logger) *RealtimeController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeController{
		ctx:       ctx,
		hub:       hub,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Stream is the per-user SSE endpoint. ?tables=subscription,usage narrows
// the forwarded events.
func (r *RealtimeController) Stream(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if claims.UserID != c.Params("userId") {
		return errorJSON(c, fiber.StatusForbidden, "You can only subscribe to your own updates")
	}

	// Params and Query point into buffers fiber reuses once the handler
	// returns; the stream writer outlives it, so only owned strings go in.
	userID := claims.UserID
	tables, err := parseTables(utils.CopyString(c.Query("tables")))
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, err.Error())
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx := r.ctx
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		session := realtime.NewSession(userID, r.hub, realtime.NewSSESink(w), r.heartbeat, r.logger, tables...)
		if err := session.Run(ctx); err != nil {
			r.logger.Debug("realtime stream ended", "user_id", userID, "session_id", session.ID, "error", err)
		}
	}))
	return nil
}

func parseTables(raw string) ([]realtime.Table, error) {
	if raw == "" {
		return nil, nil
	}
	var tables []realtime.Table
	for _, part := range strings.Split(raw, ",") {
		switch t := realtime.Table(strings.TrimSpace(part)); t {
		case realtime.TableSubscription, realtime.TableUsage:
			tables = append(tables, t)
		default:
			return nil, fiber.NewError(fiber.StatusBadRequest, "unknown table "+string(t))
		}
	}
	return tables, nil
}
