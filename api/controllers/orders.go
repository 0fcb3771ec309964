package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/junhyuk-baek/ticketflow-backend/api/responses"
	"github.com/junhyuk-baek/ticketflow-backend/api/validators"
	"github.com/junhyuk-baek/ticketflow-backend/internal/orders"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/pagination"
)

type createOrderRequest struct {
	UserID      uuid.UUID `json:"user_id" validate:"required"`
	ScreeningID uuid.UUID `json:"screening_id" validate:"required"`
	SeatNumbers []string  `json:"seat_numbers" validate:"required,min=1"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func OrderCreate(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.CreateOrder(r.Context(), orders.CreateOrderInput{
			UserID:      req.UserID,
			ScreeningID: req.ScreeningID,
			SeatNumbers: req.SeatNumbers,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, order)
	}
}

func OrderDetail(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := svc.GetOrder(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if order == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}
		responses.WriteSuccess(w, order)
	}
}

func OrderList(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := validators.ParseQueryUUID(r, "user_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.ListOrders(r.Context(), userID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

// OrderCancel cancels an order that has not completed yet, releasing its
// seats and emitting the cancellation event. It does not reverse payments;
// callers cancel the payment first, which drives the order through the
// compensation path instead.
func OrderCancel(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req cancelOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "cancelled by user"
		}

		order, err := svc.CancelOrder(r.Context(), nil, id, reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, order)
	}
}
