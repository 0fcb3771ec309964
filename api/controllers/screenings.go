package controllers

import (
	"net/http"
	"time"

	"github.com/junhyuk-baek/ticketflow-backend/api/responses"
	"github.com/junhyuk-baek/ticketflow-backend/api/validators"
	"github.com/junhyuk-baek/ticketflow-backend/internal/screenings"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/pagination"
)

type createScreeningRequest struct {
	MovieTitle     string    `json:"movie_title" validate:"required"`
	ScreenName     string    `json:"screen_name" validate:"required"`
	StartsAt       time.Time `json:"starts_at" validate:"required"`
	SeatPriceCents int       `json:"seat_price_cents" validate:"gt=0"`
	TotalSeats     int       `json:"total_seats" validate:"gt=0"`
}

type updateScheduleRequest struct {
	StartsAt   *time.Time `json:"starts_at"`
	TotalSeats *int       `json:"total_seats"`
}

func ScreeningCreate(svc screenings.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createScreeningRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		screening, err := svc.CreateScreening(r.Context(), screenings.CreateScreeningInput{
			MovieTitle:     req.MovieTitle,
			ScreenName:     req.ScreenName,
			StartsAt:       req.StartsAt,
			SeatPriceCents: req.SeatPriceCents,
			TotalSeats:     req.TotalSeats,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, screening)
	}
}

func ScreeningDetail(svc screenings.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "screeningId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		screening, err := svc.GetScreening(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if screening == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "screening not found"))
			return
		}
		responses.WriteSuccess(w, screening)
	}
}

func ScreeningList(svc screenings.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		list, err := svc.ListScreenings(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, list)
	}
}

func ScreeningUpdateSchedule(svc screenings.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "screeningId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req updateScheduleRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		screening, err := svc.UpdateSchedule(r.Context(), id, screenings.UpdateScheduleInput{
			StartsAt:   req.StartsAt,
			TotalSeats: req.TotalSeats,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, screening)
	}
}
