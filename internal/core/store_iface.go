package core

import (
	"context"

	"github.com/dkeye/Gather/internal/domain"
)

// VenueStore is the persistence collaborator for venue records.
// Lookups miss with ErrNotFound, never nil-nil.
type VenueStore interface {
	Create(ctx context.Context, rec *domain.VenueRecord) error
	FindByID(ctx context.Context, id domain.VenueID) (*domain.VenueRecord, error)
	FindByName(ctx context.Context, name string) (*domain.VenueRecord, error)
	Update(ctx context.Context, rec *domain.VenueRecord) error
}

type UserStore interface {
	Create(ctx context.Context, u *domain.User) error
	FindByID(ctx context.Context, id domain.UserID) (*domain.User, error)
	Update(ctx context.Context, u *domain.User) error
}
