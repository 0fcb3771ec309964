package screenings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/junhyuk-baek/ticketflow-backend/pkg/db"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/db/models"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/enums"
	pkgerrors "github.com/junhyuk-baek/ticketflow-backend/pkg/errors"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/logger"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/payloads"
	"github.com/junhyuk-baek/ticketflow-backend/pkg/outbox/registry"
)

// seatSwapAttempts bounds the reload-and-retry loop when a concurrent
// reservation bumps the screening version between load and swap.
const seatSwapAttempts = 3

// Service exposes screening inventory operations. Seat moves ride the
// caller's transaction so a failed order never leaks a reservation.
type Service interface {
	CreateScreening(ctx context.Context, input CreateScreeningInput) (*models.Screening, error)
	GetScreening(ctx context.Context, id uuid.UUID) (*models.Screening, error)
	ListScreenings(ctx context.Context, limit int) ([]models.Screening, error)
	UpdateSchedule(ctx context.Context, id uuid.UUID, input UpdateScheduleInput) (*models.Screening, error)
	ReserveSeats(ctx context.Context, tx *gorm.DB, id uuid.UUID, count int) (*models.Screening, error)
	ReleaseSeats(ctx context.Context, tx *gorm.DB, id uuid.UUID, count int) (*models.Screening, error)
}

// CreateScreeningInput holds the validated payload to create a screening.
type CreateScreeningInput struct {
	MovieTitle     string
	ScreenName     string
	StartsAt       time.Time
	SeatPriceCents int
	TotalSeats     int
}

// UpdateScheduleInput holds optional mutation values for a screening.
type UpdateScheduleInput struct {
	StartsAt   *time.Time
	TotalSeats *int
}

type service struct {
	repo     Repository
	client   *dbpkg.Client
	writer   *outbox.Service
	registry *registry.EventRegistry
	logg     *logger.Logger
}

// NewService builds the screening service.
func NewService(repo Repository, client *dbpkg.Client, writer *outbox.Service, reg *registry.EventRegistry, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("screening repository is required")
	}
	if client == nil {
		return nil, errors.New("db client is required")
	}
	if writer == nil {
		return nil, errors.New("outbox writer is required")
	}
	if reg == nil {
		return nil, errors.New("event registry is required")
	}
	return &service{repo: repo, client: client, writer: writer, registry: reg, logg: logg}, nil
}

func (s *service) CreateScreening(ctx context.Context, input CreateScreeningInput) (*models.Screening, error) {
	if input.MovieTitle == "" || input.ScreenName == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "movie title and screen name are required")
	}
	if input.StartsAt.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "start time is required")
	}
	if input.TotalSeats <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total seats must be positive")
	}
	if input.SeatPriceCents < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seat price cannot be negative")
	}

	screening := models.Screening{
		ID:             uuid.New(),
		MovieTitle:     input.MovieTitle,
		ScreenName:     input.ScreenName,
		StartsAt:       input.StartsAt,
		SeatPriceCents: input.SeatPriceCents,
		TotalSeats:     input.TotalSeats,
	}
	if err := s.repo.Create(ctx, &screening); err != nil {
		return nil, err
	}
	return &screening, nil
}

func (s *service) GetScreening(ctx context.Context, id uuid.UUID) (*models.Screening, error) {
	return s.load(ctx, s.repo, id)
}

func (s *service) ListScreenings(ctx context.Context, limit int) ([]models.Screening, error) {
	return s.repo.List(ctx, limit)
}

// UpdateSchedule changes the start time or seat capacity and notifies
// downstream services through the outbox.
func (s *service) UpdateSchedule(ctx context.Context, id uuid.UUID, input UpdateScheduleInput) (*models.Screening, error) {
	if input.StartsAt == nil && input.TotalSeats == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "nothing to update")
	}

	var updated *models.Screening
	err := s.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		screening, err := s.load(ctx, repo, id)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if input.StartsAt != nil {
			if input.StartsAt.IsZero() {
				return pkgerrors.New(pkgerrors.CodeValidation, "start time is required")
			}
			updates["starts_at"] = *input.StartsAt
			screening.StartsAt = *input.StartsAt
		}
		if input.TotalSeats != nil {
			if *input.TotalSeats < screening.ReservedSeats {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "total seats cannot drop below reserved seats").
					WithDetails(fmt.Sprintf("reserved=%d requested=%d", screening.ReservedSeats, *input.TotalSeats))
			}
			updates["total_seats"] = *input.TotalSeats
			screening.TotalSeats = *input.TotalSeats
		}

		swapped, err := repo.UpdateSchedule(ctx, id, screening.Version, updates)
		if err != nil {
			return err
		}
		if !swapped {
			return pkgerrors.New(pkgerrors.CodeStaleVersion, "screening version moved, retry").WithDetails(id.String())
		}
		screening.Version++

		if err := s.emitScreeningUpdated(ctx, tx, screening); err != nil {
			return err
		}
		updated = screening
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ReserveSeats takes count seats out of the free pool on the caller's
// transaction. Losing the version race reloads and retries a few times
// before giving up with a retryable error.
func (s *service) ReserveSeats(ctx context.Context, tx *gorm.DB, id uuid.UUID, count int) (*models.Screening, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if count <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seat count must be positive")
	}

	repo := s.repo.WithTx(tx)
	for attempt := 0; attempt < seatSwapAttempts; attempt++ {
		screening, err := s.load(ctx, repo, id)
		if err != nil {
			return nil, err
		}
		if screening.TotalSeats-screening.ReservedSeats < count {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "not enough seats").
				WithDetails(fmt.Sprintf("free=%d requested=%d", screening.TotalSeats-screening.ReservedSeats, count))
		}

		swapped, err := repo.UpdateSeats(ctx, id, screening.Version, screening.ReservedSeats+count)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}
		screening.ReservedSeats += count
		screening.Version++
		if err := s.emitScreeningUpdated(ctx, tx, screening); err != nil {
			return nil, err
		}
		return screening, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeStaleVersion, "screening version moved, retry").WithDetails(id.String())
}

// ReleaseSeats puts count seats back into the free pool on the caller's
// transaction.
func (s *service) ReleaseSeats(ctx context.Context, tx *gorm.DB, id uuid.UUID, count int) (*models.Screening, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	if count <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "seat count must be positive")
	}

	repo := s.repo.WithTx(tx)
	for attempt := 0; attempt < seatSwapAttempts; attempt++ {
		screening, err := s.load(ctx, repo, id)
		if err != nil {
			return nil, err
		}
		if screening.ReservedSeats < count {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "releasing more seats than reserved").
				WithDetails(fmt.Sprintf("reserved=%d requested=%d", screening.ReservedSeats, count))
		}

		swapped, err := repo.UpdateSeats(ctx, id, screening.Version, screening.ReservedSeats-count)
		if err != nil {
			return nil, err
		}
		if !swapped {
			continue
		}
		screening.ReservedSeats -= count
		screening.Version++
		if err := s.emitScreeningUpdated(ctx, tx, screening); err != nil {
			return nil, err
		}
		return screening, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeStaleVersion, "screening version moved, retry").WithDetails(id.String())
}

func (s *service) load(ctx context.Context, repo Repository, id uuid.UUID) (*models.Screening, error) {
	screening, err := repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if screening == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "screening not found").WithDetails(id.String())
	}
	return screening, nil
}

func (s *service) emitScreeningUpdated(ctx context.Context, tx *gorm.DB, screening *models.Screening) error {
	desc, ok := s.registry.Descriptor(enums.EventScreeningUpdated)
	if !ok {
		return fmt.Errorf("no topic registered for %s", enums.EventScreeningUpdated)
	}
	_, err := s.writer.Enqueue(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventScreeningUpdated,
		AggregateType: enums.AggregateScreening,
		AggregateID:   screening.ID.String(),
		Topic:         desc.Topic,
		Data: payloads.ScreeningUpdatedEvent{
			ScreeningID:   screening.ID,
			StartsAt:      screening.StartsAt,
			TotalSeats:    screening.TotalSeats,
			ReservedSeats: screening.ReservedSeats,
		},
	})
	return err
}
