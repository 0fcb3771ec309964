package controllers

import (
	"net/http"

	"github.com/junhyuk-baek/ticketflow-backend/api/responses"
	"github.com/junhyuk-baek/ticketflow-backend/api/validators"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/pagination"
)

// DLQList exposes parked outbox events for operators to inspect.
func DLQList(repo *outbox.DLQRepository, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dlq repository unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		entries, err := repo.List(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dlq"))
			return
		}
		responses.WriteSuccess(w, entries)
	}
}
