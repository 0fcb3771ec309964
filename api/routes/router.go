package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/junhyuk-baek/ticketflow-backend/api/controllers"
	"github.com/junhyuk-baek/ticketflow-backend/api/middleware"
	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	"github.com/junhyuk-baek/ticketflow-backend/internal/payments"
	"github.com/junhyuk-baek/ticketflow-backend/internal/screenings"
	"github.com/junhyuk-baek/ticketflow-backend/internal/tickets"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/config"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/redis"
)

// RouterParams carries the wired services the HTTP surface exposes.
type RouterParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         db.Pinger
	Redis      redis.Pinger
	Screenings screenings.Service
	Orders     orders.Service
	Payments   payments.Service
	Tickets    tickets.Service
	DLQ        *outbox.DLQRepository
	Gatherer   prometheus.Gatherer
}

func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(p.Logger),
		middleware.RequestID(p.Logger),
		middleware.Logging(p.Logger),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(p.Config))
		r.Get("/ready", controllers.HealthReady(p.Config, p.Logger, p.DB, p.Redis))
	})

	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/screenings", func(r chi.Router) {
			r.Post("/", controllers.ScreeningCreate(p.Screenings, p.Logger))
			r.Get("/", controllers.ScreeningList(p.Screenings, p.Logger))
			r.Get("/{screeningId}", controllers.ScreeningDetail(p.Screenings, p.Logger))
			r.Patch("/{screeningId}/schedule", controllers.ScreeningUpdateSchedule(p.Screenings, p.Logger))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", controllers.OrderCreate(p.Orders, p.Logger))
			r.Get("/", controllers.OrderList(p.Orders, p.Logger))
			r.Get("/{orderId}", controllers.OrderDetail(p.Orders, p.Logger))
			r.Post("/{orderId}/cancel", controllers.OrderCancel(p.Orders, p.Logger))
			r.Get("/{orderId}/payment", controllers.PaymentForOrder(p.Payments, p.Logger))
			r.Get("/{orderId}/tickets", controllers.TicketListForOrder(p.Tickets, p.Logger))
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/{paymentId}", controllers.PaymentDetail(p.Payments, p.Logger))
			r.Post("/{paymentId}/approve", controllers.PaymentApprove(p.Payments, p.Logger))
			r.Post("/{paymentId}/cancel", controllers.PaymentCancel(p.Payments, p.Logger))
		})

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/{ticketId}", controllers.TicketDetail(p.Tickets, p.Logger))
			r.Post("/{ticketId}/use", controllers.TicketUse(p.Tickets, p.Logger))
		})

		r.Route("/outbox", func(r chi.Router) {
			r.Get("/dlq", controllers.DLQList(p.DLQ, p.Logger))
		})
	})

	return r
}
