package webhook

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/wallet-notifier/models"
	"github.com/kdimentionaltree/wallet-notifier/observability"
	"github.com/kdimentionaltree/wallet-notifier/tasks"
)

// Router consumes a parsed activity event.
type Router interface {
	Route(ctx context.Context, event *models.WebhookEvent) int
}

// KeySource lists signing keys learned at runtime, e.g. from the
// subscriptions the reconciler adopted.
type KeySource interface {
	SigningKeys() []string
}

type Config struct {
	// VerifySignatures rejects requests without a valid signature header.
	VerifySignatures bool
	// Secrets are static signing keys accepted in addition to the KeySource.
	Secrets []string
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	cfg    Config
	router Router
	keys   KeySource
	tasks  *tasks.Queue
	log    *logrus.Entry
}

func NewHandler(cfg Config, router Router, keys KeySource, queue *tasks.Queue, log *logrus.Entry) *Handler {
	return &Handler{cfg: cfg, router: router, keys: keys, tasks: queue, log: log}
}

func (h *Handler) signingKeys() []string {
	keys := append([]string(nil), h.cfg.Secrets...)
	if h.keys != nil {
		keys = append(keys, h.keys.SigningKeys()...)
	}
	return keys
}

// Handle acknowledges a provider callback and routes its activity in the
// background.
//
// @summary		Address activity webhook
// @description	Receives address activity notifications from the subscription provider.
// @id			post_hook
// @tags		webhook
// @Accept		json
// @Produce		plain
// @success		200	{string}	string
// @failure		400	{object}	webhook.ErrorResponse
// @failure		401	{object}	webhook.ErrorResponse
// @router		/hook [post]
func (h *Handler) Handle(c *fiber.Ctx) error {
	// fasthttp reuses the request buffer once the handler returns.
	body := append([]byte(nil), c.Body()...)

	if h.cfg.VerifySignatures && !VerifySignature(body, c.Get(SignatureHeader), h.signingKeys()) {
		observability.WebhookRequests.WithLabelValues("unauthorized").Inc()
		h.log.WithField("ip", c.IP()).Warn("rejected webhook with invalid signature")
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "invalid signature"})
	}

	var event models.WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		observability.WebhookRequests.WithLabelValues("malformed").Inc()
		h.log.WithError(err).Warn("malformed webhook payload")
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed payload"})
	}
	if event.App == "" {
		observability.WebhookRequests.WithLabelValues("ignored").Inc()
		return c.Status(fiber.StatusOK).SendString("Nothing to see here")
	}

	observability.WebhookRequests.WithLabelValues("accepted").Inc()
	h.tasks.Submit("route activity", func(ctx context.Context) error {
		delivered := h.router.Route(ctx, &event)
		h.log.WithFields(logrus.Fields{
			"network":    event.Network,
			"activities": len(event.Activity),
			"delivered":  delivered,
		}).Debug("webhook routed")
		return nil
	})
	return c.SendStatus(fiber.StatusOK)
}
