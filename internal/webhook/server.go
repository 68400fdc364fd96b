package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"net/netip"
	"time"

	"github.com/BatmanBruc/vpn-bot/internal/metrics"
	"github.com/BatmanBruc/vpn-bot/internal/reconcile"
	"github.com/BatmanBruc/vpn-bot/types"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	PaymentPath = "/webhook/yookassa"
	serviceName = "vpn-bot-api"

	defaultBodyLimit      = 64 * 1024
	defaultHandlerTimeout = 60 * time.Second
)

type EventHandler interface {
	HandlePaymentEvent(ctx context.Context, raw []byte) (reconcile.Outcome, error)
}

type Config struct {
	Secret            string
	AllowedCIDRs      []netip.Prefix
	VerifyWithGateway bool
	BodyLimit         int
	// HandlerTimeout bounds one delivery, panel and gateway calls included.
	HandlerTimeout time.Duration
}

type Server struct {
	app    *fiber.App
	events EventHandler
	cfg    Config
	now    func() time.Time
}

func New(events EventHandler, cfg Config) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	s := &Server{
		events: events,
		cfg:    cfg,
		now:    time.Now,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               serviceName,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.HandlerTimeout + 5*time.Second,
		ErrorHandler:          errorHandler,
	})
	s.app.Get("/health", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Post(PaymentPath, s.authenticate, s.payment)

	if cfg.Secret == "" && len(cfg.AllowedCIDRs) == 0 && !cfg.VerifyWithGateway {
		log.Warn().Msg("Payment webhook accepts unauthenticated requests; set WEBHOOK_SECRET, WEBHOOK_ALLOWED_CIDRS or WEBHOOK_VERIFY_WITH_GATEWAY")
	}
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	log.Info().Str("addr", addr).Msg("Webhook server listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"status": "error", "error": err.Error()})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"service":   serviceName,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) authenticate(c *fiber.Ctx) error {
	if len(s.cfg.AllowedCIDRs) > 0 && !s.allowedIP(c.IP()) {
		log.Warn().Str("ip", c.IP()).Msg("Webhook from address outside allow-list")
		metrics.WebhookEventsTotal.WithLabelValues("unauthorized").Inc()
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"status": "error", "error": "unauthorized"})
	}
	if s.cfg.Secret != "" {
		got := c.Get("X-Webhook-Secret")
		if got == "" {
			got = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) != 1 {
			log.Warn().Str("ip", c.IP()).Msg("Webhook with invalid secret")
			metrics.WebhookEventsTotal.WithLabelValues("unauthorized").Inc()
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"status": "error", "error": "unauthorized"})
		}
	}
	return c.Next()
}

func (s *Server) allowedIP(raw string) bool {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.cfg.AllowedCIDRs {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *Server) payment(c *fiber.Ctx) error {
	start := s.now()
	defer func() {
		metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.HandlerTimeout)
	defer cancel()

	outcome, err := s.events.HandlePaymentEvent(ctx, bytes.Clone(c.Body()))
	if err == nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(outcome)).Inc()
		return c.JSON(fiber.Map{"status": "ok"})
	}

	status, label := classify(err)
	metrics.WebhookEventsTotal.WithLabelValues(label).Inc()
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("outcome", label).Msg("Webhook processing failed")
		// Internal details stay in the log; the gateway only needs the status.
		return c.Status(status).JSON(fiber.Map{"status": "error", "error": "processing failed"})
	}
	log.Warn().Err(err).Str("outcome", label).Msg("Webhook rejected")
	return c.Status(status).JSON(fiber.Map{"status": "error", "error": err.Error()})
}

func classify(err error) (int, string) {
	var pe *types.ProvisioningError
	var ge *types.GatewayError
	switch {
	case errors.Is(err, types.ErrMalformedEvent):
		return fiber.StatusBadRequest, "malformed"
	case errors.Is(err, types.ErrUnverifiedEvent):
		return fiber.StatusUnauthorized, "unverified"
	case errors.As(err, &pe):
		return fiber.StatusInternalServerError, "provisioning_" + string(pe.Kind)
	case errors.As(err, &ge):
		return fiber.StatusInternalServerError, "gateway_error"
	case errors.Is(err, types.ErrStoreUnavailable):
		return fiber.StatusInternalServerError, "store_error"
	default:
		return fiber.StatusInternalServerError, "error"
	}
}
