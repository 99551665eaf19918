package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"order-relay/internal/config"
	"order-relay/internal/domain"
	"order-relay/internal/relay"
)

// OrderSender publishes orders to the broker.
type OrderSender interface {
	Send(ctx context.Context, o domain.Order) error
}

// OrderHandler handles HTTP requests for sending and receiving orders.
type OrderHandler struct {
	sender OrderSender
	buffer *relay.Buffer[domain.Order]
	relay  config.RelayConfig
	logger *slog.Logger
}

// NewOrderHandler creates a new order handler.
func NewOrderHandler(
	sender OrderSender,
	buffer *relay.Buffer[domain.Order],
	relayCfg config.RelayConfig,
	logger *slog.Logger,
) *OrderHandler {
	return &OrderHandler{
		sender: sender,
		buffer: buffer,
		relay:  relayCfg,
		logger: logger,
	}
}

// Send handles POST /api/orders
// Publishes the order and answers in plain text.
func (h *OrderHandler) Send(c *fiber.Ctx) error {
	var o domain.Order
	if err := c.BodyParser(&o); err != nil {
		h.logger.Debug("failed to parse order body", "error", err)
		return c.Status(fiber.StatusBadRequest).SendString("Failed to send order: invalid request body")
	}

	if err := h.sender.Send(c.Context(), o); err != nil {
		h.logger.Error("failed to send order", "order_id", o.ID, "error", err)
		return c.Status(fiber.StatusInternalServerError).SendString("Failed to send order: " + err.Error())
	}

	return c.Status(fiber.StatusOK).SendString("Order sent successfully: " + o.ID)
}

// Received handles GET /api/orders/received
// Waits up to ?timeout= for the next relayed order. Returns 204 when none
// arrived in time.
func (h *OrderHandler) Received(c *fiber.Ctx) error {
	timeout, err := h.takeTimeout(c.Query("timeout"))
	if err != nil {
		return BadRequest(c, err.Error())
	}

	var (
		o  domain.Order
		ok bool
	)
	if timeout <= 0 {
		o, ok = h.buffer.Take(0)
	} else {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()

		o, err = h.buffer.TakeContext(ctx)
		switch {
		case err == nil:
			ok = true
		case errors.Is(err, context.DeadlineExceeded):
		default:
			return err
		}
	}
	if !ok {
		return NoContent(c)
	}

	h.logger.Debug("order taken from relay buffer", "order_id", o.ID)
	return c.JSON(o)
}

// takeTimeout parses the timeout query value. Empty uses the configured
// default and values above the maximum are capped.
func (h *OrderHandler) takeTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return h.relay.TakeTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	if h.relay.MaxTakeTimeout > 0 && d > h.relay.MaxTakeTimeout {
		d = h.relay.MaxTakeTimeout
	}
	return d, nil
}
